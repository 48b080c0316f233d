package miltr

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/retarus-oss/miltr-go/addr"
	"github.com/retarus-oss/miltr-go/internal/wire"
)

// errCloseSession signals a session end that should not be logged as an error.
var errCloseSession = errors.New("miltr: stop current milter processing")

// connState is the server-side view of spec.md's connection state machine:
// Start -> Negotiated -> PerConnection -> PerMessage{...} -> Closed.
// Every command a serverSession reads is checked against legalIn before it
// is dispatched to the Milter backend.
type connState uint8

const (
	connStateStart connState = iota
	connStateNegotiated
	connStatePerConnection
	connStatePerMessageEnvelope
	connStatePerMessageData
	connStatePerMessageHeaders
	connStatePerMessageEndOfHeader
	connStatePerMessageBody
	connStatePerMessageEndOfMessage
	connStateClosed
)

func (s connState) String() string {
	switch s {
	case connStateStart:
		return "Start"
	case connStateNegotiated:
		return "Negotiated"
	case connStatePerConnection:
		return "PerConnection"
	case connStatePerMessageEnvelope:
		return "PerMessage.Envelope"
	case connStatePerMessageData:
		return "PerMessage.Data"
	case connStatePerMessageHeaders:
		return "PerMessage.Headers"
	case connStatePerMessageEndOfHeader:
		return "PerMessage.EndOfHeader"
	case connStatePerMessageBody:
		return "PerMessage.Body"
	case connStatePerMessageEndOfMessage:
		return "PerMessage.EndOfMessage"
	case connStateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// legalIn reports whether code is a legal command while the connection is in
// state, and which state it transitions the connection to. wire.CodeMacro is
// legal (and does not change state) in every state except before negotiation
// completed and after the connection closed.
func legalIn(state connState, code wire.Code) (next connState, ok bool) {
	if code == wire.CodeMacro {
		if state == connStateStart || state == connStateClosed {
			return state, false
		}
		return state, true
	}
	switch state {
	case connStateNegotiated:
		switch code {
		case wire.CodeConn:
			return connStatePerConnection, true
		case wire.CodeQuit:
			return connStateClosed, true
		case wire.CodeQuitNewConn:
			// MTA is reusing this milter connection for a new SMTP
			// connection: stay negotiated, wait for the next CodeConn.
			return connStateNegotiated, true
		}
	case connStatePerConnection:
		switch code {
		case wire.CodeHelo:
			return connStatePerConnection, true
		case wire.CodeMail:
			return connStatePerMessageEnvelope, true
		case wire.CodeQuit:
			return connStateClosed, true
		case wire.CodeQuitNewConn:
			return connStateNegotiated, true
		case wire.CodeAbort:
			return connStatePerConnection, true
		}
	case connStatePerMessageEnvelope:
		switch code {
		case wire.CodeRcpt, wire.CodeUnknown:
			return connStatePerMessageEnvelope, true
		case wire.CodeData:
			return connStatePerMessageData, true
		case wire.CodeAbort:
			return connStatePerConnection, true
		}
	case connStatePerMessageData:
		switch code {
		case wire.CodeHeader:
			return connStatePerMessageHeaders, true
		case wire.CodeEOH:
			return connStatePerMessageEndOfHeader, true
		case wire.CodeBody:
			return connStatePerMessageBody, true
		case wire.CodeUnknown:
			return connStatePerMessageData, true
		case wire.CodeAbort:
			return connStatePerConnection, true
		}
	case connStatePerMessageHeaders:
		switch code {
		case wire.CodeHeader:
			return connStatePerMessageHeaders, true
		case wire.CodeEOH:
			return connStatePerMessageEndOfHeader, true
		case wire.CodeUnknown:
			return connStatePerMessageHeaders, true
		case wire.CodeAbort:
			return connStatePerConnection, true
		}
	case connStatePerMessageEndOfHeader:
		switch code {
		case wire.CodeBody:
			return connStatePerMessageBody, true
		case wire.CodeEOB:
			return connStatePerMessageEndOfMessage, true
		case wire.CodeUnknown:
			return connStatePerMessageEndOfHeader, true
		case wire.CodeAbort:
			return connStatePerConnection, true
		}
	case connStatePerMessageBody:
		switch code {
		case wire.CodeBody:
			return connStatePerMessageBody, true
		case wire.CodeEOB:
			return connStatePerMessageEndOfMessage, true
		case wire.CodeUnknown:
			return connStatePerMessageBody, true
		case wire.CodeAbort:
			return connStatePerConnection, true
		}
	}
	return state, false
}

// serverSession keeps the per-connection state of a server-side milter
// session: the negotiated options, the macro stages the MTA handed us, the
// read-write modifier the active Milter backend calls, and the connState the
// dispatch loop enforces.
type serverSession struct {
	server      *Server
	version     uint32
	actions     OptAction
	protocol    OptProtocol
	maxDataSize DataSize
	conn        net.Conn
	macros      *macrosStages
	backendId   uint64
	mu          sync.Mutex
	modifier    *modifier
	state       connState
}

// init prepares a freshly accepted connection for negotiation.
func (m *serverSession) init(server *Server, conn net.Conn, version uint32, actions OptAction, protocol OptProtocol) {
	m.server = server
	m.conn = conn
	m.version = version
	m.actions = actions
	m.protocol = protocol
	m.macros = newMacroStages()
	m.state = connStateStart
}

// readFrame reads one frame from the connection, capped to the negotiated
// maxDataSize once negotiation has happened (0 before that, which falls back
// to wire.DefaultMaxPacketBytes).
func (m *serverSession) readFrame(timeout time.Duration) (*wire.Frame, error) {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return nil, errCloseSession
	}
	return wire.ReadFrame(conn, timeout, m.maxDataSize.MaxPacketBytes())
}

// writeFrame sends a response frame to the MTA.
func (m *serverSession) writeFrame(f *wire.Frame) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return errCloseSession
	}
	return wire.WriteFrame(conn, f, m.server.options.writeTimeout, m.maxDataSize.MaxPacketBytes())
}

// negotiate runs the OptNeg handshake: it reconciles what the MTA offered
// with what this Server was configured to want (or defers entirely to a
// NegotiationCallbackFunc) and replies with the agreed version/actions/
// protocol/macro-requests.
func (m *serverSession) negotiate(frame *wire.Frame, milterVersion uint32, milterActions OptAction, milterProtocol OptProtocol, callback NegotiationCallbackFunc, macroRequests macroRequests, usedMaxData DataSize) (*Response, error) {
	if frame.Code != wire.CodeOptNeg {
		return nil, fmt.Errorf("miltr: negotiate: unexpected package with code %c", frame.Code)
	}
	if len(frame.Data) < 4*3 {
		return nil, fmt.Errorf("miltr: negotiate: unexpected data size: %d", len(frame.Data))
	}
	mtaVersion := binary.BigEndian.Uint32(frame.Data[:4])
	mtaActionMask := OptAction(binary.BigEndian.Uint32(frame.Data[4:]))
	mtaProtoMask := OptProtocol(binary.BigEndian.Uint32(frame.Data[8:]))
	offeredMaxDataSize := DataSize64K
	if uint32(mtaProtoMask)&optMds1M == optMds1M {
		offeredMaxDataSize = DataSize1M
	} else if uint32(mtaProtoMask)&optMds256K == optMds256K {
		offeredMaxDataSize = DataSize256K
	}
	mtaProtoMask = mtaProtoMask & (^OptProtocol(optInternal))

	var err error
	var maxDataSize DataSize
	if callback != nil {
		if m.version, m.actions, m.protocol, maxDataSize, err = callback(mtaVersion, milterVersion, mtaActionMask, milterActions, mtaProtoMask, milterProtocol, offeredMaxDataSize); err != nil {
			return nil, err
		}
		if m.version < 2 || m.version > MaxServerProtocolVersion {
			return nil, fmt.Errorf("miltr: negotiate: unsupported protocol version: %d", m.version)
		}
	} else {
		if mtaVersion < 2 {
			return nil, &UnsupportedVersionError{Theirs: mtaVersion, Ours: milterVersion}
		}
		m.version = mtaVersion
		if milterVersion < m.version {
			m.version = milterVersion
		}
		if milterActions&mtaActionMask != milterActions {
			return nil, fmt.Errorf("miltr: negotiate: MTA does not offer required actions. offered: %q requested: %q", mtaActionMask, milterActions)
		}
		m.actions = milterActions & mtaActionMask
		if milterProtocol&mtaProtoMask != milterProtocol {
			return nil, fmt.Errorf("miltr: negotiate: MTA does not offer required protocol options. offered: %q requested: %q", mtaProtoMask, milterProtocol)
		}
		m.protocol = milterProtocol & mtaProtoMask
		maxDataSize = offeredMaxDataSize
	}
	if maxDataSize != DataSize64K && maxDataSize != DataSize256K && maxDataSize != DataSize1M {
		maxDataSize = DataSize64K
	}
	if usedMaxData == 0 {
		usedMaxData = maxDataSize
	}
	m.maxDataSize = usedMaxData
	m.modifier = newModifier(m, modifierStateReadOnly)
	m.state = connStateNegotiated

	sizeMask := uint32(0)
	if maxDataSize == DataSize256K {
		sizeMask = optMds256K
	} else if maxDataSize == DataSize1M {
		sizeMask = optMds1M
	}

	var buffer bytes.Buffer
	for _, value := range []uint32{m.version, uint32(m.actions), uint32(m.protocol) | sizeMask} {
		if err := binary.Write(&buffer, binary.BigEndian, value); err != nil {
			return nil, fmt.Errorf("miltr: negotiate: %w", err)
		}
	}
	if macroRequests != nil && mtaActionMask&OptSetMacros != 0 {
		for st := 0; st < int(StageEndMarker) && st < len(macroRequests); st++ {
			if len(macroRequests[st]) > 0 {
				if err := binary.Write(&buffer, binary.BigEndian, uint32(st)); err != nil {
					return nil, fmt.Errorf("miltr: negotiate: %w", err)
				}
				buffer.WriteString(strings.Join(macroRequests[st], " "))
				buffer.WriteByte(0)
			}
		}
	} else if macroRequests != nil {
		LogWarning("milter could not send the needed macros since MTA does not support this")
	}
	return newResponse(wire.CodeOptNeg, buffer.Bytes()), nil
}

// dispatch decodes one command frame and invokes the matching Milter
// callback. It is the realization of spec.md's ModEmitter-shaped end-of-body
// step: backend.EndOfMessage is handed a read-write Modifier, so any
// AddHeader/ChangeBody/etc. call it makes writes its modification frame to
// the wire immediately, before the terminating Action that dispatch returns.
func (m *serverSession) dispatch(backend Milter, frame *wire.Frame) (*Response, error) {
	switch frame.Code {
	case wire.CodeConn:
		if len(frame.Data) == 0 {
			return nil, fmt.Errorf("miltr: conn: unexpected data size: %d", len(frame.Data))
		}
		m.macros.DelStageAndAbove(StageHelo)
		hostname := wire.ReadCString(frame.Data)
		data := frame.Data[len(hostname)+1:]
		if len(data) == 0 {
			return nil, fmt.Errorf("miltr: conn: missing protocol family")
		}
		protocolFamily := ProtoFamily(data[0])
		data = data[1:]

		var port uint16
		var address string
		if protocolFamily == FamilyUnix || protocolFamily == FamilyInet || protocolFamily == FamilyInet6 {
			if len(data) < 2 {
				return nil, fmt.Errorf("miltr: conn: unexpected data size: %d", len(data))
			}
			port = binary.BigEndian.Uint16(data)
			data = data[2:]
			address = wire.ReadCString(data)
		}

		family := ""
		switch protocolFamily {
		case FamilyUnknown:
			family = "unknown"
		case FamilyUnix:
			family = "unix"
		case FamilyInet:
			family = "tcp4"
			ip := net.ParseIP(address)
			if ip == nil || ip.To4() == nil {
				return nil, fmt.Errorf("miltr: conn: unexpected ip4 address: %q", address)
			}
		case FamilyInet6:
			family = "tcp6"
			address = strings.TrimPrefix(address, "IPv6:")
			var ip net.IP
			if len(address) > 2 && address[0] == '[' && address[len(address)-1] == ']' {
				ip = net.ParseIP(address[1 : len(address)-1])
			} else {
				ip = net.ParseIP(address)
			}
			if ip == nil {
				return nil, fmt.Errorf("miltr: conn: unexpected ip6 address: %q", address)
			}
			address = ip.String()
		default:
			return nil, fmt.Errorf("miltr: conn: unexpected protocol family: %c", protocolFamily)
		}
		return backend.Connect(hostname, family, port, address, m.modifier.withState(modifierStateProgressOnly))

	case wire.CodeHelo:
		if len(frame.Data) == 0 {
			return nil, fmt.Errorf("miltr: helo: unexpected data size: %d", len(frame.Data))
		}
		m.macros.DelStageAndAbove(StageMail)
		name := wire.ReadCString(frame.Data)
		return backend.Helo(name, m.modifier.withState(modifierStateProgressOnly))

	case wire.CodeMail:
		if len(frame.Data) == 0 {
			return nil, fmt.Errorf("miltr: mail: unexpected data size: %d", len(frame.Data))
		}
		m.macros.DelStageAndAbove(StageRcpt)
		from := wire.ReadCString(frame.Data)
		esmtpArgs := strings.Join(wire.DecodeCStrings(frame.Data[len(from)+1:]), " ")
		sender := addr.Parse(RemoveAngle(from))
		if sender.Domain() != "" {
			LogDebug("mail from: local=%q domain=%q ascii-domain=%q", sender.Local(), sender.Domain(), sender.ASCIIDomain())
		}
		return backend.MailFrom(sender.String(), esmtpArgs, m.modifier.withState(modifierStateProgressOnly))

	case wire.CodeRcpt:
		if len(frame.Data) == 0 {
			return nil, fmt.Errorf("miltr: rcpt: unexpected data size: %d", len(frame.Data))
		}
		m.macros.DelStageAndAbove(StageData)
		to := wire.ReadCString(frame.Data)
		esmtpArgs := strings.Join(wire.DecodeCStrings(frame.Data[len(to)+1:]), " ")
		rcpt := addr.Parse(RemoveAngle(to))
		if rcpt.Domain() != "" {
			LogDebug("rcpt to: local=%q domain=%q ascii-domain=%q", rcpt.Local(), rcpt.Domain(), rcpt.ASCIIDomain())
		}
		return backend.RcptTo(rcpt.String(), esmtpArgs, m.modifier.withState(modifierStateProgressOnly))

	case wire.CodeData:
		m.macros.DelStageAndAbove(StageEOH)
		return backend.Data(m.modifier.withState(modifierStateProgressOnly))

	case wire.CodeHeader:
		if len(frame.Data) < 2 {
			return nil, fmt.Errorf("miltr: header: unexpected data size: %d", len(frame.Data))
		}
		headerData := wire.DecodeCStrings(frame.Data)
		if len(headerData) != 2 {
			return nil, fmt.Errorf("miltr: header: unexpected number of strings: %d", len(headerData))
		}
		resp, err := backend.Header(headerData[0], headerData[1], m.modifier.withState(modifierStateProgressOnly))
		m.macros.DelStageAndAbove(StageEndMarker)
		return resp, err

	case wire.CodeEOH:
		m.macros.DelStageAndAbove(StageEOM)
		return backend.Headers(m.modifier.withState(modifierStateProgressOnly))

	case wire.CodeBody:
		resp, err := backend.BodyChunk(frame.Data, m.modifier.withState(modifierStateProgressOnly))
		m.macros.DelStageAndAbove(StageEndMarker)
		return resp, err

	case wire.CodeEOB:
		resp, err := backend.EndOfMessage(m.modifier.withState(modifierStateReadWrite))
		if err == nil && (resp == nil || resp.Continue()) {
			resp = RespAccept
		}
		return resp, err

	case wire.CodeUnknown:
		cmd := wire.ReadCString(frame.Data)
		resp, err := backend.Unknown(cmd, m.modifier.withState(modifierStateProgressOnly))
		m.macros.DelStageAndAbove(StageEndMarker)
		return resp, err

	case wire.CodeMacro:
		if len(frame.Data) == 0 {
			return nil, fmt.Errorf("miltr: macro: unexpected data size: %d", len(frame.Data))
		}
		var stage MacroStage
		switch frame.MacroCode() {
		case wire.CodeConn:
			stage = StageConnect
		case wire.CodeHelo:
			stage = StageHelo
		case wire.CodeMail:
			stage = StageMail
		case wire.CodeRcpt:
			stage = StageRcpt
		case wire.CodeData:
			stage = StageData
		case wire.CodeEOH:
			stage = StageEOH
		case wire.CodeEOB:
			stage = StageEOM
		case wire.CodeUnknown, wire.CodeHeader, wire.CodeAbort, wire.CodeBody:
			stage = StageEndMarker
		default:
			LogWarning("MTA sent macro for %c. we cannot handle this so we ignore it", frame.MacroCode())
			return nil, nil
		}
		m.macros.DelStageAndAbove(stage)
		data := wire.DecodeCStrings(frame.Data[1:])
		if len(data) != 0 {
			if len(data)%2 == 1 {
				return nil, &MalformedMacroError{Stage: byte(stage)}
			}
			m.macros.SetStage(stage, data...)
		}
		return nil, nil

	case wire.CodeAbort:
		err := backend.Abort(m.modifier.withState(modifierStateReadOnly))
		m.macros.DelStageAndAbove(StageHelo)
		return nil, err

	case wire.CodeQuitNewConn:
		m.macros.DelStageAndAbove(StageConnect)
		return nil, backend.NewConnection(m.modifier.withState(modifierStateReadOnly))

	case wire.CodeQuit:
		return nil, nil

	default:
		LogWarning("Unrecognized command code: %c", frame.Code)
		return nil, errCloseSession
	}
}

// ignoreError reports whether err is one of the sentinel conditions that mean
// "the session ended normally", which should not be logged as a warning.
func ignoreError(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, errCloseSession) || errors.Is(err, net.ErrClosed)
}

func (m *serverSession) closeConn() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()
	if conn != nil {
		if err := conn.Close(); err != nil && !ignoreError(err) {
			LogWarning("Error closing connection: %v", err)
		}
	}
}

// shutdown writes the Shutdown action to the MTA (best effort, the connection
// is going away regardless) and closes the connection.
func (m *serverSession) shutdown() {
	_ = m.writeFrame(RespShutdown.Response())
	m.state = connStateClosed
	m.closeConn()
}

// HandleMilterCommands runs the negotiation handshake and then the main
// per-connection dispatch loop, enforcing the connState legality table on
// every frame before it reaches the Milter backend.
func (m *serverSession) HandleMilterCommands() {
	defer m.closeConn()

	frame, err := m.readFrame(time.Second)
	if err != nil {
		if !ignoreError(err) {
			LogWarning("Error reading milter command: %v", err)
		}
		return
	}
	resp, err := m.negotiate(frame, m.server.options.maxVersion, m.server.options.actions, m.server.options.protocol, m.server.options.negotiationCallback, m.server.options.macrosByStage, 0)
	if err != nil {
		if !ignoreError(err) {
			LogWarning("Error negotiating: %v", err)
		}
		return
	}
	if err = m.writeFrame(resp.Response()); err != nil {
		if !ignoreError(err) {
			LogWarning("Error writing packet: %v", err)
		}
		return
	}

	var backend Milter
	backend, m.backendId = m.server.newMilter(m.version, m.actions, m.protocol, m.maxDataSize)
	m.modifier.milterId = m.backendId
	defer func() {
		backend.Cleanup(m.modifier.withState(modifierStateReadOnly))
	}()
	if err := backend.NewConnection(m.modifier.withState(modifierStateReadOnly)); err != nil {
		return
	}

	readTimeout := m.server.options.readTimeout
	for {
		frame, err = m.readFrame(readTimeout)
		if err != nil {
			if !ignoreError(err) {
				LogWarning("Error reading milter command: %v", err)
			}
			return
		}

		if m.version >= 6 && frame.Code&0x80 != 0 {
			LogWarning("%v", &UnknownPacketKindError{Kind: byte(frame.Code)})
			continue
		}

		next, ok := legalIn(m.state, frame.Code)
		if !ok {
			violation := &ProtocolViolationError{State: m.state.String(), Got: byte(frame.MacroCode())}
			LogWarning("%v", violation)
			m.shutdown()
			return
		}
		m.state = next

		resp, err = m.dispatch(backend, frame)
		if err != nil {
			if !ignoreError(err) {
				LogWarning("Error performing milter command: %v", err)
				if resp != nil && !m.skipResponse(frame.Code) {
					_ = m.writeFrame(resp.Response())
				}
			}
			return
		}

		// A non-Continue decision other than Discard on a per-recipient Rcpt
		// only affects that recipient; every other non-Continue decision (or
		// reaching EndOfMessage, or an explicit Abort) ends the current
		// message and returns the connection to PerConnection.
		decided := resp != nil && !resp.Continue()
		if frame.Code == wire.CodeRcpt && resp != RespDiscard {
			decided = false
		}
		if decided {
			m.macros.DelStageAndAbove(StageMail)
			if m.state != connStatePerConnection {
				m.state = connStatePerConnection
			}
		}

		if resp != nil && !m.skipResponse(frame.Code) {
			if err = m.writeFrame(resp.Response()); err != nil {
				if !ignoreError(err) {
					LogWarning("Error writing packet: %v", err)
				}
				return
			}
		}

		if frame.Code == wire.CodeQuit {
			return
		}
		if frame.Code == wire.CodeQuitNewConn && m.server.shuttingDown() {
			return
		}
	}
}

func (m *serverSession) skipResponse(code wire.Code) bool {
	switch code {
	case wire.CodeConn:
		return m.protocol&OptNoConnReply != 0
	case wire.CodeHelo:
		return m.protocol&OptNoHeloReply != 0
	case wire.CodeMail:
		return m.protocol&OptNoMailReply != 0
	case wire.CodeRcpt:
		return m.protocol&OptNoRcptReply != 0
	case wire.CodeData:
		return m.protocol&OptNoDataReply != 0
	case wire.CodeUnknown:
		return m.protocol&OptNoUnknownReply != 0
	case wire.CodeEOH:
		return m.protocol&OptNoEOHReply != 0
	case wire.CodeHeader:
		return m.protocol&OptNoHeaderReply != 0
	case wire.CodeBody:
		return m.protocol&OptNoBodyReply != 0
	default:
		return false
	}
}
