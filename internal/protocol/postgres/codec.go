package postgres

import (
	"encoding/binary"
	"fmt"
)

// maxFrameLen rejects absurd length prefixes before allocating for them.
const maxFrameLen = 1 << 24

// Codec converts a byte stream to and from typed v3 protocol messages.
//
// The only state is awaitingStartup: a freshly-accepted client-side codec
// expects a length-prefixed Startup (or SSLRequest) first; an upstream-side
// codec speaks typed frames from the start. The flag clears on the first
// decoded Startup. It deliberately does NOT clear on SSLRequest, because an
// SSLRequest is always followed by a real Startup.
type Codec struct {
	awaitingStartup bool
}

// NewClientCodec returns a codec for the client-facing side of a connection.
func NewClientCodec() *Codec {
	return &Codec{awaitingStartup: true}
}

// NewUpstreamCodec returns a codec for the upstream-facing side.
func NewUpstreamCodec() *Codec {
	return &Codec{awaitingStartup: false}
}

// AwaitingStartup reports whether the next frame is decoded in startup mode.
func (c *Codec) AwaitingStartup() bool {
	return c.awaitingStartup
}

// Decode consumes at most one frame from buf. It returns the decoded message
// and the number of bytes consumed. A (nil, 0, nil) return means the buffer
// does not yet hold a complete frame. Decoded payload slices alias buf.
func (c *Codec) Decode(buf []byte) (Message, int, error) {
	if c.awaitingStartup {
		return c.decodeStartup(buf)
	}
	return c.decodeRegular(buf)
}

func (c *Codec) decodeStartup(buf []byte) (Message, int, error) {
	if len(buf) < 4 {
		return nil, 0, nil
	}
	length := int(binary.BigEndian.Uint32(buf[:4]))
	if length < 8 || length > maxFrameLen {
		return nil, 0, fmt.Errorf("invalid startup message length: %d", length)
	}
	if len(buf) < length {
		return nil, 0, nil
	}

	version := binary.BigEndian.Uint32(buf[4:8])
	if version == sslRequestCode {
		// The real Startup follows; stay in startup mode.
		return SSLRequest{}, length, nil
	}

	params, err := parseStartupParameters(buf[8:length])
	if err != nil {
		return nil, 0, err
	}
	c.awaitingStartup = false
	return Startup{ProtocolVersion: version, Parameters: params}, length, nil
}

func parseStartupParameters(data []byte) ([]Parameter, error) {
	var params []Parameter
	for len(data) > 0 {
		key, rest, err := cutCString(data)
		if err != nil {
			return nil, fmt.Errorf("startup parameters: %w", err)
		}
		if len(key) == 0 {
			break
		}
		value, rest2, err := cutCString(rest)
		if err != nil {
			return nil, fmt.Errorf("startup parameters: %w", err)
		}
		params = append(params, Parameter{Key: string(key), Value: string(value)})
		data = rest2
	}
	return params, nil
}

func (c *Codec) decodeRegular(buf []byte) (Message, int, error) {
	if len(buf) < 5 {
		return nil, 0, nil
	}
	msgType := buf[0]
	// The length field excludes the type byte but includes itself.
	length := int(binary.BigEndian.Uint32(buf[1:5]))
	if length < 4 || length > maxFrameLen {
		return nil, 0, fmt.Errorf("invalid message length %d for type %q", length, msgType)
	}
	frameLen := 1 + length
	if len(buf) < frameLen {
		return nil, 0, nil
	}

	payload := buf[5:frameLen]
	msg, err := parseTyped(msgType, payload)
	if err != nil {
		return nil, 0, err
	}
	return msg, frameLen, nil
}

func parseTyped(msgType byte, payload []byte) (Message, error) {
	switch msgType {
	case MsgRowDescription:
		return parseRowDescription(payload)
	case MsgDataRow:
		return parseDataRow(payload)
	case MsgQuery:
		sql, _, err := cutCString(payload)
		if err != nil {
			return nil, fmt.Errorf("query: %w", err)
		}
		return Query{SQL: sql}, nil
	case MsgParse:
		return parseParse(payload)
	default:
		return Regular{Type: msgType, Payload: payload}, nil
	}
}

func parseRowDescription(payload []byte) (Message, error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("row description: truncated field count")
	}
	count := int(binary.BigEndian.Uint16(payload[:2]))
	rest := payload[2:]

	fields := make([]FieldDescription, 0, count)
	for i := 0; i < count; i++ {
		name, after, err := cutCString(rest)
		if err != nil {
			return nil, fmt.Errorf("row description field %d: %w", i, err)
		}
		if len(after) < 18 {
			return nil, fmt.Errorf("row description field %d: truncated descriptor", i)
		}
		fields = append(fields, FieldDescription{
			Name:         string(name),
			TableOID:     binary.BigEndian.Uint32(after[0:4]),
			ColumnIndex:  binary.BigEndian.Uint16(after[4:6]),
			TypeOID:      binary.BigEndian.Uint32(after[6:10]),
			TypeLen:      int16(binary.BigEndian.Uint16(after[10:12])),
			TypeModifier: int32(binary.BigEndian.Uint32(after[12:16])),
			FormatCode:   int16(binary.BigEndian.Uint16(after[16:18])),
		})
		rest = after[18:]
	}
	return RowDescription{Fields: fields}, nil
}

func parseDataRow(payload []byte) (Message, error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("data row: truncated column count")
	}
	count := int(binary.BigEndian.Uint16(payload[:2]))
	rest := payload[2:]

	values := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		if len(rest) < 4 {
			return nil, fmt.Errorf("data row: truncated cell %d length", i)
		}
		cellLen := int32(binary.BigEndian.Uint32(rest[:4]))
		rest = rest[4:]
		if cellLen == -1 {
			values = append(values, nil)
			continue
		}
		if cellLen < 0 || int(cellLen) > len(rest) {
			return nil, fmt.Errorf("data row: cell %d length %d exceeds payload", i, cellLen)
		}
		// Zero-length cells are present-but-empty, distinct from NULL.
		values = append(values, rest[:cellLen:cellLen])
		rest = rest[cellLen:]
	}
	return DataRow{Values: values}, nil
}

func parseParse(payload []byte) (Message, error) {
	name, rest, err := cutCString(payload)
	if err != nil {
		return nil, fmt.Errorf("parse: statement name: %w", err)
	}
	sql, rest, err := cutCString(rest)
	if err != nil {
		return nil, fmt.Errorf("parse: query: %w", err)
	}
	if len(rest) < 2 {
		return nil, fmt.Errorf("parse: truncated parameter count")
	}
	count := int(binary.BigEndian.Uint16(rest[:2]))
	rest = rest[2:]
	if len(rest) < count*4 {
		return nil, fmt.Errorf("parse: truncated parameter oids")
	}
	oids := make([]uint32, count)
	for i := 0; i < count; i++ {
		oids[i] = binary.BigEndian.Uint32(rest[i*4 : i*4+4])
	}
	return Parse{Name: string(name), SQL: string(sql), ParameterOIDs: oids}, nil
}

// cutCString splits data at its first NUL, returning the bytes before it and
// the bytes after. A missing terminator is a framing error.
func cutCString(data []byte) (s, rest []byte, err error) {
	for i, b := range data {
		if b == 0 {
			return data[:i], data[i+1:], nil
		}
	}
	return nil, nil, fmt.Errorf("missing string terminator")
}

// Encode appends the wire form of msg to dst, recomputing every length field
// from current content.
func Encode(dst []byte, msg Message) []byte {
	switch m := msg.(type) {
	case SSLRequest:
		dst = appendUint32(dst, 8)
		return appendUint32(dst, sslRequestCode)
	case Startup:
		paramsLen := 1 // trailing NUL
		for _, p := range m.Parameters {
			paramsLen += len(p.Key) + 1 + len(p.Value) + 1
		}
		dst = appendUint32(dst, uint32(4+4+paramsLen))
		dst = appendUint32(dst, m.ProtocolVersion)
		for _, p := range m.Parameters {
			dst = append(dst, p.Key...)
			dst = append(dst, 0)
			dst = append(dst, p.Value...)
			dst = append(dst, 0)
		}
		return append(dst, 0)
	case Query:
		dst = append(dst, MsgQuery)
		dst = appendUint32(dst, uint32(4+len(m.SQL)+1))
		dst = append(dst, m.SQL...)
		return append(dst, 0)
	case Parse:
		payloadLen := len(m.Name) + 1 + len(m.SQL) + 1 + 2 + 4*len(m.ParameterOIDs)
		dst = append(dst, MsgParse)
		dst = appendUint32(dst, uint32(4+payloadLen))
		dst = append(dst, m.Name...)
		dst = append(dst, 0)
		dst = append(dst, m.SQL...)
		dst = append(dst, 0)
		dst = appendUint16(dst, uint16(len(m.ParameterOIDs)))
		for _, oid := range m.ParameterOIDs {
			dst = appendUint32(dst, oid)
		}
		return dst
	case RowDescription:
		payloadLen := 2
		for _, f := range m.Fields {
			payloadLen += len(f.Name) + 1 + 18
		}
		dst = append(dst, MsgRowDescription)
		dst = appendUint32(dst, uint32(4+payloadLen))
		dst = appendUint16(dst, uint16(len(m.Fields)))
		for _, f := range m.Fields {
			dst = append(dst, f.Name...)
			dst = append(dst, 0)
			dst = appendUint32(dst, f.TableOID)
			dst = appendUint16(dst, f.ColumnIndex)
			dst = appendUint32(dst, f.TypeOID)
			dst = appendUint16(dst, uint16(f.TypeLen))
			dst = appendUint32(dst, uint32(f.TypeModifier))
			dst = appendUint16(dst, uint16(f.FormatCode))
		}
		return dst
	case DataRow:
		payloadLen := 2
		for _, v := range m.Values {
			payloadLen += 4
			if v != nil {
				payloadLen += len(v)
			}
		}
		dst = append(dst, MsgDataRow)
		dst = appendUint32(dst, uint32(4+payloadLen))
		dst = appendUint16(dst, uint16(len(m.Values)))
		for _, v := range m.Values {
			if v == nil {
				dst = appendUint32(dst, 0xffffffff)
				continue
			}
			dst = appendUint32(dst, uint32(len(v)))
			dst = append(dst, v...)
		}
		return dst
	case Regular:
		dst = append(dst, m.Type)
		dst = appendUint32(dst, uint32(4+len(m.Payload)))
		return append(dst, m.Payload...)
	}
	return dst
}

func appendUint32(dst []byte, v uint32) []byte {
	return append(dst, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func appendUint16(dst []byte, v uint16) []byte {
	return append(dst, byte(v>>8), byte(v))
}
