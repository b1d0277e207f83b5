package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/ibrahmsql/vspc/internal/logger"
	"github.com/spf13/cobra"
)

// Build information variables
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
	gitBranch = "unknown"
	builtBy   = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "vspc",
	Short: "A virtual serial port concentrator",
	Long: `vspc terminates hypervisor-originated Telnet connections to VM serial
ports and preserves each VM's logical session across live migration
(vMotion), fanning serial data out to subscriber listeners.

Basic Usage:
  vspc serve --config vspc.yaml   # Run the server
  vspc version                    # Show version information

Common Flags:
  -v, --verbose                   Verbose output
  --debug                         Debug mode
  --config                        Path to configuration file
`,
}

func Execute() error {
	return rootCmd.Execute()
}

func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// SetBuildInfo sets the build information
func SetBuildInfo(v, bt, gc, gb, bb string) {
	version = v
	buildTime = bt
	gitCommit = gc
	gitBranch = gb
	builtBy = bb
}

// showVersion displays version and build information
func showVersion() {
	// Terminal and non-terminal output are the same plain text
	if isTerminal() {
		fmt.Printf("vspc %s\n\n", version)
		fmt.Println("Build Information:")
		fmt.Printf("  Version:     %s\n", version)
		fmt.Printf("  Git Commit:  %s\n", gitCommit)
		fmt.Printf("  Git Branch:  %s\n", gitBranch)
		fmt.Printf("  Build Time:  %s\n", buildTime)
		fmt.Printf("  Built By:    %s\n", builtBy)
		fmt.Println()
		fmt.Println("Runtime Information:")
		fmt.Printf("  Go Version:  %s\n", runtime.Version())
		fmt.Printf("  OS/Arch:     %s/%s\n", runtime.GOOS, runtime.GOARCH)
		fmt.Printf("  CPUs:        %d\n", runtime.NumCPU())
	} else {
		// Fallback to plain text
		fmt.Printf("vspc %s\n\n", version)
		fmt.Println("Build Information:")
		fmt.Printf("  Version:     %s\n", version)
		fmt.Printf("  Git Commit:  %s\n", gitCommit)
		fmt.Printf("  Git Branch:  %s\n", gitBranch)
		fmt.Printf("  Build Time:  %s\n", buildTime)
		fmt.Printf("  Built By:    %s\n", builtBy)
		fmt.Println()
		fmt.Println("Runtime Information:")
		fmt.Printf("  Go Version:  %s\n", runtime.Version())
		fmt.Printf("  OS/Arch:     %s/%s\n", runtime.GOOS, runtime.GOARCH)
		fmt.Printf("  CPUs:        %d\n", runtime.NumCPU())
	}
}

// isTerminal checks if stdout is a terminal
func isTerminal() bool {
	fileInfo, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		showVersion()
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	// Add version command
	rootCmd.AddCommand(versionCmd)

	// Output and Logging
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Verbose output (debug level with caller info)")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "Suppress output")
	rootCmd.PersistentFlags().MarkHidden("quiet")

	// Legacy flags carried from the ambient stack
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug output")
	rootCmd.PersistentFlags().String("theme", "", "Path to color theme file (default: ~/.vspc-theme.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().Bool("no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().String("log-level", "info", "Set log level (debug, info, warn, error)")

	rootCmd.PersistentFlags().MarkHidden("theme")
	rootCmd.PersistentFlags().MarkHidden("json")
	rootCmd.PersistentFlags().MarkHidden("no-color")
	rootCmd.PersistentFlags().MarkHidden("log-level")

	// Initialize configuration on startup
	cobra.OnInitialize(initConfig)
}

// initConfig initializes the application configuration
func initConfig() {
	// Configure logging based on flags
	if verbose, _ := rootCmd.PersistentFlags().GetBool("verbose"); verbose {
		logger.SetLevel(logger.LevelDebug)
		logger.SetShowCaller(true)
	}

	if debug, _ := rootCmd.PersistentFlags().GetBool("debug"); debug {
		logger.SetLevel(logger.LevelDebug)
		logger.SetShowCaller(true)
	}

	if quiet, _ := rootCmd.PersistentFlags().GetBool("quiet"); quiet {
		logger.SetLevel(logger.LevelError)
	}

	if jsonOutput, _ := rootCmd.PersistentFlags().GetBool("json"); jsonOutput {
		logger.SetStructured(true)
	}

	// Set log level from flag
	if logLevel, _ := rootCmd.PersistentFlags().GetString("log-level"); logLevel != "" {
		switch logLevel {
		case "debug":
			logger.SetLevel(logger.LevelDebug)
		case "info":
			logger.SetLevel(logger.LevelInfo)
		case "warn":
			logger.SetLevel(logger.LevelWarn)
		case "error":
			logger.SetLevel(logger.LevelError)
		default:
			logger.Warn("Invalid log level '%s', using 'info'", logLevel)
			logger.SetLevel(logger.LevelInfo)
		}
	}

	// Load theme if not disabled
	if noColor, _ := rootCmd.PersistentFlags().GetBool("no-color"); !noColor {
		initTheme()
	}
}

// initTheme loads the color theme
func initTheme() {
	themePath, _ := rootCmd.PersistentFlags().GetString("theme")
	if err := logger.LoadTheme(themePath); err != nil {
		logger.Debug("Theme loading info: %v", err)
	}
}
