package postgres

// Message type bytes used by the codec. Anything else decodes as Regular.
const (
	MsgQuery          byte = 'Q'
	MsgParse          byte = 'P'
	MsgRowDescription byte = 'T'
	MsgDataRow        byte = 'D'
)

// sslRequestCode is the pseudo protocol version carried by an SSLRequest
// (1234 in the high 16 bits, 5679 in the low).
const sslRequestCode = 80877103

// ProtocolVersion30 is protocol version 3.0 (major<<16 | minor).
const ProtocolVersion30 = 3 << 16

// Message is one decoded PostgreSQL frame.
type Message interface {
	pgMessage()
}

// Startup is the initial client message carrying protocol version and
// key/value parameters (user, database, options, ...).
type Startup struct {
	ProtocolVersion uint32
	Parameters      []Parameter
}

// Parameter is one startup key/value pair.
type Parameter struct {
	Key   string
	Value string
}

// SSLRequest is the fixed 8-byte TLS upgrade request. It is answered out of
// band with a single 'S' or 'N' byte, never re-framed.
type SSLRequest struct{}

// Query is a simple-protocol 'Q' message.
type Query struct {
	SQL []byte
}

// Parse is an extended-protocol 'P' message.
type Parse struct {
	Name          string
	SQL           string
	ParameterOIDs []uint32
}

// FieldDescription describes one column in a RowDescription.
type FieldDescription struct {
	Name         string
	TableOID     uint32
	ColumnIndex  uint16
	TypeOID      uint32
	TypeLen      int16
	TypeModifier int32
	FormatCode   int16
}

// RowDescription is a 'T' message: the columns of the next result set.
type RowDescription struct {
	Fields []FieldDescription
}

// DataRow is a 'D' message. A nil cell is SQL NULL; a zero-length non-nil
// cell is an empty value. Cell slices alias the decode buffer and are only
// valid until the next Decode on the same stream.
type DataRow struct {
	Values [][]byte
}

// Regular is the opaque catch-all for every other frame type. Payload
// aliases the decode buffer.
type Regular struct {
	Type    byte
	Payload []byte
}

func (Startup) pgMessage()        {}
func (SSLRequest) pgMessage()     {}
func (Query) pgMessage()          {}
func (Parse) pgMessage()          {}
func (RowDescription) pgMessage() {}
func (DataRow) pgMessage()        {}
func (Regular) pgMessage()        {}
