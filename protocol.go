package miltr

import "github.com/retarus-oss/miltr-go/internal/wire"

// OptAction is the bitmask of message modifications a milter announces during
// negotiation. The MTA refuses any modification call the milter did not
// announce here.
type OptAction uint32

const (
	OptAddHeader       OptAction = 1 << 0 // SMFIF_ADDHDRS
	OptChangeBody      OptAction = 1 << 1 // SMFIF_CHGBODY / SMFIF_MODBODY
	OptAddRcpt         OptAction = 1 << 2 // SMFIF_ADDRCPT
	OptRemoveRcpt      OptAction = 1 << 3 // SMFIF_DELRCPT
	OptChangeHeader    OptAction = 1 << 4 // SMFIF_CHGHDRS
	OptQuarantine      OptAction = 1 << 5 // SMFIF_QUARANTINE
	OptChangeFrom      OptAction = 1 << 6 // SMFIF_CHGFROM [v6]
	OptAddRcptWithArgs OptAction = 1 << 7 // SMFIF_ADDRCPT_PAR [v6]
	OptSetMacros       OptAction = 1 << 8 // SMFIF_SETSYMLIST [v6]
)

// OptProtocol masks out the parts of the SMTP transaction the MTA should not
// bother sending, and the replies the milter does not need to send back.
type OptProtocol uint32

const (
	OptNoConnect      OptProtocol = 1 << 0  // SMFIP_NOCONNECT
	OptNoHelo         OptProtocol = 1 << 1  // SMFIP_NOHELO
	OptNoMailFrom     OptProtocol = 1 << 2  // SMFIP_NOMAIL
	OptNoRcptTo       OptProtocol = 1 << 3  // SMFIP_NORCPT
	OptNoBody         OptProtocol = 1 << 4  // SMFIP_NOBODY
	OptNoHeaders      OptProtocol = 1 << 5  // SMFIP_NOHDRS
	OptNoEOH          OptProtocol = 1 << 6  // SMFIP_NOEOH
	OptNoHeaderReply  OptProtocol = 1 << 7  // SMFIP_NR_HDR, SMFIP_NOHREPL
	OptNoUnknown      OptProtocol = 1 << 8  // SMFIP_NOUNKNOWN
	OptNoData         OptProtocol = 1 << 9  // SMFIP_NODATA
	OptSkip           OptProtocol = 1 << 10 // SMFIP_SKIP [v6]
	OptRcptRej        OptProtocol = 1 << 11 // SMFIP_RCPT_REJ [v6]
	OptNoConnReply    OptProtocol = 1 << 12 // SMFIP_NR_CONN [v6]
	OptNoHeloReply    OptProtocol = 1 << 13 // SMFIP_NR_HELO [v6]
	OptNoMailReply    OptProtocol = 1 << 14 // SMFIP_NR_MAIL [v6]
	OptNoRcptReply    OptProtocol = 1 << 15 // SMFIP_NR_RCPT [v6]
	OptNoDataReply    OptProtocol = 1 << 16 // SMFIP_NR_DATA [v6]
	OptNoUnknownReply OptProtocol = 1 << 17 // SMFIP_NR_UNKN [v6]
	OptNoEOHReply     OptProtocol = 1 << 18 // SMFIP_NR_EOH [v6]
	OptNoBodyReply    OptProtocol = 1 << 19 // SMFIP_NR_BODY [v6]

	// OptHeaderLeadingSpace asks the MTA to stop swallowing the space after
	// the header colon before handing the value to the milter. SMFIP_HDR_LEADSPC [v6]
	OptHeaderLeadingSpace OptProtocol = 1 << 20
)

// OptNoReplies combines every protocol flag that suppresses a reply, for
// milters that only ever decide at EndOfMessage.
const OptNoReplies OptProtocol = OptNoHeaderReply | OptNoConnReply | OptNoHeloReply | OptNoMailReply | OptNoRcptReply | OptNoDataReply | OptNoUnknownReply | OptNoEOHReply | OptNoBodyReply

const (
	optMds256K  uint32 = 1 << 28                       // SMFIP_MDS_256K
	optMds1M    uint32 = 1 << 29                       // SMFIP_MDS_1M
	optInternal        = optMds256K | optMds1M | 1<<30 // bits only exchanged between MTA and libmilter
	optV2       uint32 = 0x0000007F                    // flags defined by protocol v2, SMFI_V2_PROT
)

// DataSize is the maximum payload size (excluding the one-byte command tag) a
// peer announced it can accept. Only three sizes exist in the wire protocol.
type DataSize uint32

const (
	DataSize64K  DataSize = 1024*64 - 1
	DataSize256K DataSize = 1024*256 - 1
	DataSize1M   DataSize = 1024*1024 - 1
)

// MaxPacketBytes returns the frame cap (command byte plus payload) that
// internal/wire.ReadFrame and internal/wire.WriteFrame should enforce for a
// connection that negotiated d. Falls back to wire.DefaultMaxPacketBytes for
// the zero value.
func (d DataSize) MaxPacketBytes() uint32 {
	if d == 0 {
		return wire.DefaultMaxPacketBytes
	}
	return uint32(d) + 1
}

// ProtoFamily is the SMFIA_* address family tag sent with the Connect command.
type ProtoFamily byte

const (
	FamilyUnknown ProtoFamily = 'U' // SMFIA_UNKNOWN
	FamilyUnix    ProtoFamily = 'L' // SMFIA_UNIX
	FamilyInet    ProtoFamily = '4' // SMFIA_INET
	FamilyInet6   ProtoFamily = '6' // SMFIA_INET6
)
