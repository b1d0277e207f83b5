// Package vmwareext implements the VMware-EXT Telnet vendor option: the
// subnegotiation vocabulary hypervisor-hosted VM serial ports use to bind a
// connection to a logical VM and to run the migration rendezvous handshake
// across a vMotion. It plugs into an internal/telnet.Connection the same
// way any other option does, via a single registered subnegotiation
// handler, and turns the raw subopcode stream into typed Events for the
// session layer above it.
package vmwareext

import (
	"fmt"

	"github.com/ibrahmsql/vspc/internal/errors"
	"github.com/ibrahmsql/vspc/internal/logger"
	"github.com/ibrahmsql/vspc/internal/telnet"
)

// OptionCode is the Telnet option number for the VMware vendor extension.
const OptionCode byte = 232

// Subopcodes identify the first byte of every VMWARE-EXT subnegotiation
// body.
const (
	SubopKnownSuffixesAck byte = iota
	SubopVCUUID
	SubopVMName
	SubopVMBiosUUID
	SubopVMVCUUID
	SubopDoProxy
	SubopWillProxy
	SubopVMotionBegin
	SubopVMotionGoahead
	SubopVMotionNotnow
	SubopVMotionPeer
	SubopVMotionPeerOK
	SubopVMotionComplete
	SubopVMotionAbort
)

// secretLen is the wire length of a migration_secret: a 64-bit nonce.
const secretLen = 8

// supportedSubopcodes is advertised in KNOWN-SUFFIX-ACK once the peer asks
// us to run VMWARE-EXT.
var supportedSubopcodes = []byte{
	SubopKnownSuffixesAck, SubopVCUUID, SubopVMName, SubopVMBiosUUID,
	SubopVMVCUUID, SubopDoProxy, SubopWillProxy, SubopVMotionBegin,
	SubopVMotionGoahead, SubopVMotionNotnow, SubopVMotionPeer,
	SubopVMotionPeerOK, SubopVMotionComplete, SubopVMotionAbort,
}

// EventKind identifies which VMWARE-EXT subopcode an Event was parsed from.
type EventKind int

const (
	EventVCUUID EventKind = iota
	EventVMName
	EventVMBiosUUID
	EventVMVCUUID
	EventDoProxy
	EventWillProxy
	EventVMotionBegin
	EventVMotionGoahead
	EventVMotionNotnow
	EventVMotionPeer
	EventVMotionPeerOK
	EventVMotionComplete
	EventVMotionAbort
)

// Event is a parsed VMWARE-EXT subnegotiation, handed to the session layer
// bound to the owning Connection.
type Event struct {
	Kind EventKind

	// Text carries VC-UUID / VM-NAME / VM-BIOS-UUID / VM-VC-UUID bodies,
	// and the service URI half of DO-PROXY / WILL-PROXY.
	Text string

	// ID carries the opaque migration id for every VMOTION-* event. It is
	// nil for a bare VMOTION-ABORT (see AbortHadID).
	ID []byte

	// Secret carries the 64-bit migration_secret on GOAHEAD and PEER.
	Secret []byte

	// AbortHadID records whether a VMOTION-ABORT carried an id or was
	// sent bare; the source material leaves this unspecified and real
	// peers have been observed to send either form.
	AbortHadID bool
}

// Handler receives parsed VMWARE-EXT events for one Connection.
type Handler func(ev Event) error

// Option runs the VMWARE-EXT subnegotiation protocol for one Connection.
type Option struct {
	handler Handler
}

// New creates an Option that delivers parsed events to handler.
func New(handler Handler) *Option {
	return &Option{handler: handler}
}

// Attach registers the option's subnegotiation handler on conn and
// advertises the supported subopcode set. Call once per Connection after
// negotiating WILL/DO on OptionCode.
func (o *Option) Attach(conn *telnet.Connection) error {
	conn.HandleSubnegotiation(OptionCode, o.handleSubnegotiation)
	return o.sendKnownSuffixesAck(conn)
}

func (o *Option) handleSubnegotiation(conn *telnet.Connection, data []byte) error {
	if len(data) == 0 {
		logger.Warn("vmwareext: empty subnegotiation body")
		return nil
	}
	subop, body := data[0], data[1:]

	ev, err := parse(subop, body)
	if err != nil {
		if ve, ok := err.(*errors.VSPCError); ok && ve.Type() == errors.ErrorTypeProtocolSemantic {
			logger.WarnWithFields("vmwareext: "+ve.Error(), map[string]interface{}{"subopcode": subop})
			return nil
		}
		return err
	}
	if ev == nil {
		// Recognized but purely informational (e.g. peer's own
		// KNOWN-SUFFIX-ACK); nothing to surface.
		return nil
	}
	if o.handler == nil {
		return nil
	}
	return o.handler(*ev)
}

// parse decodes one subnegotiation body. It returns (nil, nil) for
// subopcodes that carry no event worth surfacing, and a
// ErrorTypeProtocolSemantic error for an unknown subopcode or a malformed
// body of a known one — both are logged and ignored by the caller, never
// connection-fatal.
func parse(subop byte, body []byte) (*Event, error) {
	switch subop {
	case SubopKnownSuffixesAck:
		return nil, nil

	case SubopVCUUID:
		return &Event{Kind: EventVCUUID, Text: string(body)}, nil
	case SubopVMName:
		return &Event{Kind: EventVMName, Text: string(body)}, nil
	case SubopVMBiosUUID:
		return &Event{Kind: EventVMBiosUUID, Text: string(body)}, nil
	case SubopVMVCUUID:
		return &Event{Kind: EventVMVCUUID, Text: string(body)}, nil

	case SubopDoProxy:
		return &Event{Kind: EventDoProxy, Text: string(body)}, nil
	case SubopWillProxy:
		return &Event{Kind: EventWillProxy, Text: string(body)}, nil

	case SubopVMotionBegin:
		id, _, err := splitID(body)
		if err != nil {
			return nil, err
		}
		return &Event{Kind: EventVMotionBegin, ID: id}, nil

	case SubopVMotionGoahead:
		id, rest, err := splitID(body)
		if err != nil {
			return nil, err
		}
		secret, err := takeSecret(rest)
		if err != nil {
			return nil, err
		}
		return &Event{Kind: EventVMotionGoahead, ID: id, Secret: secret}, nil

	case SubopVMotionNotnow:
		id, _, err := splitID(body)
		if err != nil {
			return nil, err
		}
		return &Event{Kind: EventVMotionNotnow, ID: id}, nil

	case SubopVMotionPeer:
		id, rest, err := splitID(body)
		if err != nil {
			return nil, err
		}
		secret, err := takeSecret(rest)
		if err != nil {
			return nil, err
		}
		return &Event{Kind: EventVMotionPeer, ID: id, Secret: secret}, nil

	case SubopVMotionPeerOK:
		id, _, err := splitID(body)
		if err != nil {
			return nil, err
		}
		return &Event{Kind: EventVMotionPeerOK, ID: id}, nil

	case SubopVMotionComplete:
		id, _, err := splitID(body)
		if err != nil {
			return nil, err
		}
		return &Event{Kind: EventVMotionComplete, ID: id}, nil

	case SubopVMotionAbort:
		// Accept both a bare ABORT and one carrying an id; which form
		// was used is recorded rather than assumed.
		if len(body) == 0 {
			return &Event{Kind: EventVMotionAbort, AbortHadID: false}, nil
		}
		id, _, err := splitID(body)
		if err != nil {
			return nil, err
		}
		return &Event{Kind: EventVMotionAbort, ID: id, AbortHadID: true}, nil

	default:
		return nil, errors.ProtocolSemanticError("VEXT-UNKNOWN-SUBOP", fmt.Sprintf("unknown subopcode %d", subop))
	}
}

// splitID reads a length-prefixed migration id: one length byte followed
// by that many id bytes. It returns the id and whatever body remains.
func splitID(body []byte) (id []byte, rest []byte, err error) {
	if len(body) < 1 {
		return nil, nil, errors.ProtocolSemanticError("VEXT-BAD-BODY", "missing id length byte")
	}
	n := int(body[0])
	if len(body) < 1+n {
		return nil, nil, errors.ProtocolSemanticError("VEXT-BAD-BODY", "id length exceeds body")
	}
	id = append([]byte(nil), body[1:1+n]...)
	return id, body[1+n:], nil
}

func takeSecret(rest []byte) ([]byte, error) {
	if len(rest) != secretLen {
		return nil, errors.ProtocolSemanticError("VEXT-BAD-SECRET", fmt.Sprintf("expected %d byte secret, got %d", secretLen, len(rest)))
	}
	return append([]byte(nil), rest...), nil
}

func encodeID(id []byte) []byte {
	out := make([]byte, 0, 1+len(id))
	out = append(out, byte(len(id)))
	out = append(out, id...)
	return out
}

func (o *Option) sendKnownSuffixesAck(conn *telnet.Connection) error {
	body := append([]byte{SubopKnownSuffixesAck}, supportedSubopcodes...)
	return conn.SendSubnegotiation(OptionCode, body)
}

// SendVCUUID advertises our own VC-UUID to the peer (used by a concentrator
// acting as a proxy; most deployments only ever receive this subopcode).
func SendVCUUID(conn *telnet.Connection, uuid string) error {
	return conn.SendSubnegotiation(OptionCode, append([]byte{SubopVCUUID}, uuid...))
}

// SendVMotionGoahead replies to a VMOTION-BEGIN, admitting the migration
// and handing the source the secret the eventual peer must present.
func SendVMotionGoahead(conn *telnet.Connection, id, secret []byte) error {
	body := append(encodeID(id), secret...)
	return conn.SendSubnegotiation(OptionCode, append([]byte{SubopVMotionGoahead}, body...))
}

// SendVMotionNotnow refuses a VMOTION-BEGIN.
func SendVMotionNotnow(conn *telnet.Connection, id []byte) error {
	return conn.SendSubnegotiation(OptionCode, append([]byte{SubopVMotionNotnow}, encodeID(id)...))
}

// SendVMotionPeerOK accepts a VMOTION-PEER claim presenting the correct
// secret.
func SendVMotionPeerOK(conn *telnet.Connection, id []byte) error {
	return conn.SendSubnegotiation(OptionCode, append([]byte{SubopVMotionPeerOK}, encodeID(id)...))
}

// SendVMotionBegin is issued by a source-side connection to start a
// migration.
func SendVMotionBegin(conn *telnet.Connection, id []byte) error {
	return conn.SendSubnegotiation(OptionCode, append([]byte{SubopVMotionBegin}, encodeID(id)...))
}

// SendVMotionPeer is issued by a destination-side connection claiming the
// peer slot for a pending migration.
func SendVMotionPeer(conn *telnet.Connection, id, secret []byte) error {
	body := append(encodeID(id), secret...)
	return conn.SendSubnegotiation(OptionCode, append([]byte{SubopVMotionPeer}, body...))
}

// SendVMotionComplete is issued by a destination-side connection to commit
// the handoff once it has been accepted as peer.
func SendVMotionComplete(conn *telnet.Connection, id []byte) error {
	return conn.SendSubnegotiation(OptionCode, append([]byte{SubopVMotionComplete}, encodeID(id)...))
}

// SendVMotionAbort abandons a migration. id may be nil to send the bare
// form.
func SendVMotionAbort(conn *telnet.Connection, id []byte) error {
	if id == nil {
		return conn.SendSubnegotiation(OptionCode, []byte{SubopVMotionAbort})
	}
	return conn.SendSubnegotiation(OptionCode, append([]byte{SubopVMotionAbort}, encodeID(id)...))
}
