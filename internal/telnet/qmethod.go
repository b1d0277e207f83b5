package telnet

import "sync"

// NegState is one side's (ours or the peer's) negotiation state for a
// single option, per the Q-method described in RFC 1143: besides simple
// No/Yes there are "want" states for a request in flight, plus a queued
// bit recording that the other end of the request flipped while we were
// waiting, so at most one request is ever outstanding per option and a
// WILL/WONT or DO/DONT never gets answered with the very same command
// (which is what causes the classic negotiation loop).
type NegState int

const (
	NegNo NegState = iota
	NegYes
	NegWantNo
	NegWantYes
)

// side tracks one direction (either "us" — do we perform the option — or
// "them" — does the peer perform it) for a single option.
type side struct {
	state         NegState
	queuedOpposite bool
}

// optionState holds the full Q-method state for one option code.
type optionState struct {
	us   side
	them side
}

// Negotiator runs the Q-method state machine for every option on one
// Telnet connection. It is the single authority on what WILL/WONT/DO/DONT
// to send and when; callers feed it received negotiation Events and ask
// it to request capabilities, and it returns the bytes to write.
type Negotiator struct {
	mu      sync.Mutex
	options map[byte]*optionState
	// accept decides whether a peer-initiated request to enable option
	// is acceptable. If nil, every peer-initiated enable is accepted.
	accept func(option byte, us bool) bool
}

// NewNegotiator creates an empty Negotiator. accept, if non-nil, is
// consulted whenever the peer asks us to enable an option (DO, for our
// side, or WILL, for the peer's own side) that we have not already
// decided to run — it lets the VMware-EXT handshake or plain option
// policy reject options no acceptable handler exists for.
func NewNegotiator(accept func(option byte, us bool) bool) *Negotiator {
	return &Negotiator{
		options: make(map[byte]*optionState),
		accept:  accept,
	}
}

func (n *Negotiator) stateFor(option byte) *optionState {
	st, ok := n.options[option]
	if !ok {
		st = &optionState{}
		n.options[option] = st
	}
	return st
}

func (n *Negotiator) isAcceptable(option byte, us bool) bool {
	if n.accept == nil {
		return true
	}
	return n.accept(option, us)
}

// RequestUs asks the Negotiator to drive our side of option toward
// enabled (enable=true, sending WILL) or disabled (sending WONT).
// Returns the bytes to send, or nil if no action is needed right now.
func (n *Negotiator) RequestUs(option byte, enable bool) []byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	st := n.stateFor(option)
	return n.request(&st.us, option, enable, WILL, WONT)
}

// RequestThem asks the Negotiator to drive the peer's side of option
// toward enabled (sending DO) or disabled (sending DONT).
func (n *Negotiator) RequestThem(option byte, enable bool) []byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	st := n.stateFor(option)
	return n.request(&st.them, option, enable, DO, DONT)
}

func (n *Negotiator) request(s *side, option byte, enable bool, cmdEnable, cmdDisable byte) []byte {
	switch s.state {
	case NegNo:
		if !enable {
			return nil
		}
		s.state = NegWantYes
		return []byte{IAC, cmdEnable, option}
	case NegYes:
		if enable {
			return nil
		}
		s.state = NegWantNo
		return []byte{IAC, cmdDisable, option}
	case NegWantYes, NegWantNo:
		if (s.state == NegWantYes) == enable {
			// Already asking for what was requested; nothing new to do.
			s.queuedOpposite = false
		} else {
			s.queuedOpposite = true
		}
		return nil
	}
	return nil
}

// ReceiveNegotiation processes one received WILL/WONT/DO/DONT event and
// returns the bytes, if any, to send in reply.
func (n *Negotiator) ReceiveNegotiation(cmd, option byte) []byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	st := n.stateFor(option)

	switch cmd {
	case DO:
		return n.receive(&st.us, option, true, true, WILL, WONT)
	case DONT:
		return n.receive(&st.us, option, true, false, WILL, WONT)
	case WILL:
		return n.receive(&st.them, option, false, true, DO, DONT)
	case WONT:
		return n.receive(&st.them, option, false, false, DO, DONT)
	}
	return nil
}

// receive implements the Q-method reception table for one side. usSide
// is true when this call concerns our own WILL/WONT (triggered by a
// received DO/DONT); it only affects which accept() check applies.
func (n *Negotiator) receive(s *side, option byte, usSide bool, positive bool, cmdEnable, cmdDisable byte) []byte {
	switch s.state {
	case NegNo:
		if !positive {
			return nil
		}
		if !n.isAcceptable(option, usSide) {
			return []byte{IAC, cmdDisable, option}
		}
		s.state = NegYes
		return []byte{IAC, cmdEnable, option}

	case NegYes:
		if positive {
			return nil
		}
		s.state = NegNo
		return []byte{IAC, cmdDisable, option}

	case NegWantYes:
		if positive {
			s.state = NegYes
		} else {
			s.state = NegNo
		}
		if s.queuedOpposite {
			s.queuedOpposite = false
			if s.state == NegYes {
				s.state = NegWantNo
				return []byte{IAC, cmdDisable, option}
			}
			s.state = NegWantYes
			return []byte{IAC, cmdEnable, option}
		}
		return nil

	case NegWantNo:
		if !positive {
			s.state = NegNo
		} else {
			// Peer insists on enabling what we asked to disable; accept
			// its decision rather than loop.
			s.state = NegYes
		}
		if s.queuedOpposite {
			s.queuedOpposite = false
			if s.state == NegYes {
				s.state = NegWantNo
				return []byte{IAC, cmdDisable, option}
			}
			s.state = NegWantYes
			return []byte{IAC, cmdEnable, option}
		}
		return nil
	}

	return nil
}

// UsState returns our current negotiated state for option.
func (n *Negotiator) UsState(option byte) NegState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stateFor(option).us.state
}

// ThemState returns the peer's current negotiated state for option.
func (n *Negotiator) ThemState(option byte) NegState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stateFor(option).them.state
}
