package mysql

// Capability flags (subset the proxy interprets).
const (
	ClientProtocol41       uint32 = 1 << 9
	ClientSecureConnection uint32 = 1 << 15
	ClientPluginAuth       uint32 = 1 << 19
	ClientPluginAuthLenenc uint32 = 1 << 21
	ClientDeprecateEOF     uint32 = 1 << 24
	ClientConnectWithDB    uint32 = 1 << 3
)

// Command bytes.
const (
	ComQuery       byte = 0x03
	ComStmtExecute byte = 0x17
)

// Packet header bytes.
const (
	okHeader  byte = 0x00
	errHeader byte = 0xff
	eofHeader byte = 0xfe
)

// Message is one decoded MySQL packet.
type Message interface {
	mysqlMessage()
	Seq() byte
}

// Handshake is the server's HandshakeV10 greeting.
type Handshake struct {
	SequenceID      byte
	ProtocolVersion byte
	ServerVersion   string
	ConnectionID    uint32
	CapabilityFlags uint32
	CharacterSet    byte
	StatusFlags     uint16
	AuthPluginData  []byte
	AuthPluginName  string

	// Raw preserves the exact payload for verbatim forwarding.
	Raw []byte
}

// HandshakeResponse is the client's HandshakeResponse41 reply. The parsed
// fields are for inspection; Raw carries the exact payload (including
// connection attributes the proxy does not model) for forwarding.
type HandshakeResponse struct {
	SequenceID      byte
	CapabilityFlags uint32
	MaxPacketSize   uint32
	CharacterSet    byte
	Username        string
	AuthResponse    []byte
	Database        string
	AuthPluginName  string

	Raw []byte
}

// Query is a COM_QUERY command.
type Query struct {
	SequenceID byte
	SQL        []byte
}

// ColumnDefinition is a ColumnDefinition41 result-set packet.
type ColumnDefinition struct {
	SequenceID   byte
	Catalog      []byte
	Schema       []byte
	Table        []byte
	OrgTable     []byte
	Name         []byte
	OrgName      []byte
	CharacterSet uint16
	ColumnLength uint32
	ColumnType   byte
	Flags        uint16
	Decimals     uint8
}

// ResultRow is one text-protocol result row. A nil value is SQL NULL.
type ResultRow struct {
	SequenceID byte
	Values     [][]byte
}

// Ok is an OK_Packet.
type Ok struct {
	SequenceID   byte
	AffectedRows uint64
	LastInsertID uint64
	StatusFlags  uint16
	Warnings     uint16
	Info         []byte
}

// Err is an ERR_Packet.
type Err struct {
	SequenceID byte
	Code       uint16
	SQLState   [5]byte
	// HasSQLState records whether the '#' marker was present so re-encoding
	// is byte-identical for both protocol variants.
	HasSQLState bool
	Message     []byte
}

// Eof is an EOF_Packet.
type Eof struct {
	SequenceID  byte
	Warnings    uint16
	StatusFlags uint16
	// Short marks the pre-4.1 single-byte form.
	Short bool
}

// Generic is the opaque catch-all. Payload aliases the decode buffer.
type Generic struct {
	SequenceID byte
	Payload    []byte
}

func (Handshake) mysqlMessage()         {}
func (HandshakeResponse) mysqlMessage() {}
func (Query) mysqlMessage()             {}
func (ColumnDefinition) mysqlMessage()  {}
func (ResultRow) mysqlMessage()         {}
func (Ok) mysqlMessage()                {}
func (Err) mysqlMessage()               {}
func (Eof) mysqlMessage()               {}
func (Generic) mysqlMessage()           {}

func (m Handshake) Seq() byte         { return m.SequenceID }
func (m HandshakeResponse) Seq() byte { return m.SequenceID }
func (m Query) Seq() byte             { return m.SequenceID }
func (m ColumnDefinition) Seq() byte  { return m.SequenceID }
func (m ResultRow) Seq() byte         { return m.SequenceID }
func (m Ok) Seq() byte                { return m.SequenceID }
func (m Err) Seq() byte               { return m.SequenceID }
func (m Eof) Seq() byte               { return m.SequenceID }
func (m Generic) Seq() byte           { return m.SequenceID }
