package miltr

import (
	"fmt"

	"github.com/retarus-oss/miltr-go/internal/wire"
)

// FrameTooLargeError is returned by the packet codec when an encoded frame
// would exceed the configured MaxPacketBytes cap. It is defined in
// internal/wire and aliased here so both layers report the same type.
type FrameTooLargeError = wire.FrameTooLargeError

// FrameEmptyError is returned when a frame's length prefix is zero. A valid
// frame always carries at least the one-byte kind tag.
type FrameEmptyError = wire.FrameEmptyError

// UnknownPacketKindError describes a command kind byte that does not match
// any known Command tag. The server driver logs it and skips the frame when
// the negotiated version is at least 6 and the byte's high bit is set; any
// other unknown kind is handled as a protocol violation.
type UnknownPacketKindError struct {
	Kind byte
}

func (e *UnknownPacketKindError) Error() string {
	return fmt.Sprintf("miltr: unknown packet kind %q (0x%02x)", rune(e.Kind), e.Kind)
}

// TrailingBytesError is returned by the client driver when an AddHeader,
// ChangeHeader or InsertHeader modification action carries bytes after its
// last field. Other payloads are not checked for trailing bytes.
type TrailingBytesError struct {
	Kind  byte
	Extra int
}

func (e *TrailingBytesError) Error() string {
	return fmt.Sprintf("miltr: packet %q has %d trailing bytes after decode", rune(e.Kind), e.Extra)
}

// MalformedMacroError is returned when a Macro packet carries an unpaired
// trailing name with no matching value.
type MalformedMacroError struct {
	Stage byte
}

func (e *MalformedMacroError) Error() string {
	return fmt.Sprintf("miltr: macro packet for stage %d has an unpaired trailing name", e.Stage)
}

// UnsupportedVersionError is returned by the server during option
// negotiation when the lower of the two offered versions is below 2.
type UnsupportedVersionError struct {
	Theirs uint32
	Ours   uint32
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("miltr: unsupported protocol version: theirs=%d ours=%d", e.Theirs, e.Ours)
}

// CapabilityViolationError is returned when a modification action is used
// that was not negotiated in the action mask: by the client driver when the
// milter sends one, and by the [Modifier] methods when a milter calls one.
// Commands outside the negotiated protocol mask do not produce it: the client
// driver does not send them and returns a Continue action instead.
type CapabilityViolationError struct {
	Capability string
}

func (e *CapabilityViolationError) Error() string {
	return fmt.Sprintf("miltr: capability violation: %s was not negotiated", e.Capability)
}

// ProtocolViolationError describes a command that is not legal in the
// connection's current state. The server driver's state machine logs it,
// writes RespShutdown and closes the connection.
type ProtocolViolationError struct {
	State string
	Got   byte
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("miltr: protocol violation: got %q in state %s", rune(e.Got), e.State)
}

// HandshakeFailedError wraps the underlying cause of a failed option
// negotiation handshake.
type HandshakeFailedError struct {
	Cause error
}

func (e *HandshakeFailedError) Error() string {
	return fmt.Sprintf("miltr: handshake failed: %v", e.Cause)
}

func (e *HandshakeFailedError) Unwrap() error { return e.Cause }

// UserError wraps an error returned by a user-supplied Milter handler.
type UserError struct {
	Cause error
}

func (e *UserError) Error() string {
	return fmt.Sprintf("miltr: handler error: %v", e.Cause)
}

func (e *UserError) Unwrap() error { return e.Cause }
