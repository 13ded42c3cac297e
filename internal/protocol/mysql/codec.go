package mysql

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
)

// maxPacketLen is the protocol's hard payload bound (3-byte length).
const maxPacketLen = 1<<24 - 1

// connState tracks where a codec is in the handshake/command/result-set
// conversation.
type connState int

const (
	stateWaitingHandshake connState = iota
	stateWaitingHandshakeResponse
	stateCommand
	stateReadingColumns
	stateReadingRows
)

// Codec frames and parses MySQL v10 packets for one direction of a proxied
// connection. The role is fixed at construction: a client-side codec decodes
// packets sent by the real server (the proxy acting as client); a
// server-side codec decodes packets sent by the real client (the proxy
// acting as server).
type Codec struct {
	state      connState
	clientSide bool

	// caps and binaryPending are written by the opposite direction's
	// forwarding goroutine, so they are atomics rather than plain fields.
	caps atomic.Uint32

	columnCount      int
	remainingColumns int

	// binaryPending is armed when the proxied client issues
	// COM_STMT_EXECUTE; the next result set then carries binary-protocol
	// rows, which are surfaced as Generic instead of being parsed.
	binaryPending atomic.Bool
	binaryRows    bool
}

// NewServerCodec returns a codec for the client-facing leg: the proxy has
// already forwarded the server greeting, so the first packet it decodes is
// the client's HandshakeResponse.
func NewServerCodec() *Codec {
	return &Codec{state: stateWaitingHandshakeResponse, clientSide: false}
}

// NewClientCodec returns a codec for the upstream leg, which begins with the
// server's HandshakeV10 greeting.
func NewClientCodec() *Codec {
	return &Codec{state: stateWaitingHandshake, clientSide: true}
}

// SetCapabilities installs the negotiated capability flags. The pipeline
// calls this on both codec halves once the client's HandshakeResponse has
// been observed.
func (c *Codec) SetCapabilities(flags uint32) {
	c.caps.Store(flags)
}

// Capabilities returns the negotiated capability flags.
func (c *Codec) Capabilities() uint32 {
	return c.caps.Load()
}

// ExpectBinaryRows arms binary-result handling for the next result set.
func (c *Codec) ExpectBinaryRows() {
	c.binaryPending.Store(true)
}

func (c *Codec) deprecateEOF() bool {
	return c.caps.Load()&ClientDeprecateEOF != 0
}

// Decode consumes at most one packet from buf, returning the message and the
// number of bytes consumed. (nil, 0, nil) means the buffer does not yet hold
// a complete packet. Decoded byte slices alias buf.
func (c *Codec) Decode(buf []byte) (Message, int, error) {
	if len(buf) < 4 {
		return nil, 0, nil
	}
	payloadLen := int(buf[0]) | int(buf[1])<<8 | int(buf[2])<<16
	seq := buf[3]
	total := 4 + payloadLen
	if len(buf) < total {
		return nil, 0, nil
	}
	payload := buf[4:total:total]

	msg, err := c.dispatch(seq, payload)
	if err != nil {
		return nil, 0, err
	}
	return msg, total, nil
}

func (c *Codec) dispatch(seq byte, payload []byte) (Message, error) {
	switch c.state {
	case stateWaitingHandshake:
		if c.clientSide {
			hs, err := parseHandshakeV10(seq, payload)
			if err != nil {
				return nil, err
			}
			c.state = stateWaitingHandshakeResponse
			return hs, nil
		}
		return Generic{SequenceID: seq, Payload: payload}, nil

	case stateWaitingHandshakeResponse:
		if c.clientSide {
			// Upstream leg: the server answers the forwarded
			// HandshakeResponse with OK, ERR, or an auth continuation.
			if len(payload) == 0 {
				return Generic{SequenceID: seq, Payload: payload}, nil
			}
			switch payload[0] {
			case okHeader:
				ok, err := parseOk(seq, payload, c.caps.Load())
				if err != nil {
					return nil, err
				}
				c.state = stateCommand
				return ok, nil
			case errHeader:
				return parseErr(seq, payload, c.caps.Load())
			default:
				// Auth switch / more-data packets keep the state.
				return Generic{SequenceID: seq, Payload: payload}, nil
			}
		}
		resp, err := parseHandshakeResponse(seq, payload)
		if err != nil {
			return nil, err
		}
		c.caps.Store(resp.CapabilityFlags)
		c.state = stateCommand
		return resp, nil

	case stateCommand:
		return c.dispatchCommand(seq, payload)

	case stateReadingColumns:
		return c.dispatchColumns(seq, payload)

	case stateReadingRows:
		return c.dispatchRows(seq, payload)
	}
	return Generic{SequenceID: seq, Payload: payload}, nil
}

func (c *Codec) dispatchCommand(seq byte, payload []byte) (Message, error) {
	if len(payload) == 0 {
		return Generic{SequenceID: seq, Payload: payload}, nil
	}
	first := payload[0]

	if !c.clientSide {
		// Client packets: commands. Only COM_QUERY gets a typed variant.
		if first == ComQuery {
			return Query{SequenceID: seq, SQL: payload[1:]}, nil
		}
		return Generic{SequenceID: seq, Payload: payload}, nil
	}

	// Server packets: command responses.
	switch {
	case first == okHeader:
		c.binaryPending.Store(false)
		ok, err := parseOk(seq, payload, c.caps.Load())
		if err != nil {
			return nil, err
		}
		return ok, nil
	case first == errHeader:
		c.binaryPending.Store(false)
		return parseErr(seq, payload, c.caps.Load())
	case first == eofHeader && len(payload) < 9:
		return parseEof(seq, payload)
	default:
		// A result set opens with a length-encoded column count.
		count, n, isNull, err := readLenEncInt(payload)
		if err == nil && !isNull && n == len(payload) && count > 0 && count <= 1<<12 {
			c.columnCount = int(count)
			c.remainingColumns = int(count)
			c.binaryRows = c.binaryPending.Swap(false)
			c.state = stateReadingColumns
		}
		return Generic{SequenceID: seq, Payload: payload}, nil
	}
}

func (c *Codec) dispatchColumns(seq byte, payload []byte) (Message, error) {
	if len(payload) > 0 && payload[0] == eofHeader && len(payload) < 9 && !c.deprecateEOF() {
		eof, err := parseEof(seq, payload)
		if err != nil {
			return nil, err
		}
		c.state = stateReadingRows
		return eof, nil
	}

	col, err := parseColumnDefinition(seq, payload)
	if err != nil {
		return nil, err
	}
	if c.remainingColumns > 0 {
		c.remainingColumns--
	}
	if c.remainingColumns == 0 && c.deprecateEOF() {
		// CLIENT_DEPRECATE_EOF: rows follow immediately, no separator.
		c.state = stateReadingRows
	}
	return col, nil
}

func (c *Codec) dispatchRows(seq byte, payload []byte) (Message, error) {
	if len(payload) == 0 {
		return Generic{SequenceID: seq, Payload: payload}, nil
	}
	first := payload[0]

	if first == eofHeader && len(payload) < 9 {
		eof, err := parseEof(seq, payload)
		if err != nil {
			return nil, err
		}
		c.endResultSet()
		return eof, nil
	}
	if first == errHeader {
		c.endResultSet()
		return parseErr(seq, payload, c.caps.Load())
	}

	if c.binaryRows {
		// Binary-protocol rows are not modeled; forward them opaquely. The
		// deprecate-EOF terminator is an OK packet with an EOF header,
		// handled above when short and here when it carries session state.
		if first == eofHeader {
			c.endResultSet()
		}
		return Generic{SequenceID: seq, Payload: payload}, nil
	}

	if first == okHeader && c.deprecateEOF() {
		ok, err := parseOk(seq, payload, c.caps.Load())
		if err != nil {
			return nil, err
		}
		c.endResultSet()
		return ok, nil
	}

	return parseResultRow(seq, payload, c.columnCount)
}

func (c *Codec) endResultSet() {
	c.state = stateCommand
	c.columnCount = 0
	c.binaryRows = false
}

func parseHandshakeV10(seq byte, payload []byte) (Handshake, error) {
	if len(payload) < 1 {
		return Handshake{}, fmt.Errorf("handshake: empty payload")
	}
	hs := Handshake{SequenceID: seq, ProtocolVersion: payload[0], Raw: payload}

	version, rest, err := cutCString(payload[1:])
	if err != nil {
		return Handshake{}, fmt.Errorf("handshake: server version: %w", err)
	}
	hs.ServerVersion = string(version)

	if len(rest) < 4+8+1+2 {
		return Handshake{}, fmt.Errorf("handshake: truncated")
	}
	hs.ConnectionID = binary.LittleEndian.Uint32(rest[0:4])
	authData := append([]byte(nil), rest[4:12]...)
	rest = rest[13:] // 8 auth bytes + 1 filler

	capLow := binary.LittleEndian.Uint16(rest[0:2])
	hs.CapabilityFlags = uint32(capLow)
	rest = rest[2:]

	if len(rest) >= 1+2+2+1+10 {
		hs.CharacterSet = rest[0]
		hs.StatusFlags = binary.LittleEndian.Uint16(rest[1:3])
		capHigh := binary.LittleEndian.Uint16(rest[3:5])
		hs.CapabilityFlags |= uint32(capHigh) << 16
		authLen := int(rest[5])
		rest = rest[16:] // charset + status + capHigh + authLen + 10 reserved

		if hs.CapabilityFlags&ClientSecureConnection != 0 {
			part2 := 13
			if authLen-8 > part2 {
				part2 = authLen - 8
			}
			if len(rest) < part2 {
				return Handshake{}, fmt.Errorf("handshake: truncated auth data")
			}
			chunk := rest[:part2]
			// The plugin data is NUL padded; keep the meaningful bytes.
			for len(chunk) > 0 && chunk[len(chunk)-1] == 0 {
				chunk = chunk[:len(chunk)-1]
			}
			authData = append(authData, chunk...)
			rest = rest[part2:]
		}
		if hs.CapabilityFlags&ClientPluginAuth != 0 {
			name, _, err := cutCString(rest)
			if err == nil {
				hs.AuthPluginName = string(name)
			}
		}
	}
	hs.AuthPluginData = authData
	return hs, nil
}

func parseHandshakeResponse(seq byte, payload []byte) (HandshakeResponse, error) {
	if len(payload) < 4 {
		return HandshakeResponse{}, fmt.Errorf("handshake response: truncated flags")
	}
	resp := HandshakeResponse{
		SequenceID:      seq,
		CapabilityFlags: binary.LittleEndian.Uint32(payload[0:4]),
		Raw:             payload,
	}
	if resp.CapabilityFlags&ClientProtocol41 == 0 {
		// Pre-4.1 response; the proxy only inspects flags.
		return resp, nil
	}
	if len(payload) < 32 {
		return HandshakeResponse{}, fmt.Errorf("handshake response: truncated header")
	}
	resp.MaxPacketSize = binary.LittleEndian.Uint32(payload[4:8])
	resp.CharacterSet = payload[8]
	rest := payload[32:]

	user, rest, err := cutCString(rest)
	if err != nil {
		return HandshakeResponse{}, fmt.Errorf("handshake response: username: %w", err)
	}
	resp.Username = string(user)

	switch {
	case resp.CapabilityFlags&ClientPluginAuthLenenc != 0:
		auth, n, err := readLenEncBytes(rest)
		if err != nil {
			return HandshakeResponse{}, fmt.Errorf("handshake response: auth: %w", err)
		}
		resp.AuthResponse = auth
		rest = rest[n:]
	case resp.CapabilityFlags&ClientSecureConnection != 0:
		if len(rest) < 1 {
			return HandshakeResponse{}, fmt.Errorf("handshake response: truncated auth length")
		}
		n := int(rest[0])
		if len(rest) < 1+n {
			return HandshakeResponse{}, fmt.Errorf("handshake response: truncated auth")
		}
		resp.AuthResponse = rest[1 : 1+n]
		rest = rest[1+n:]
	default:
		auth, after, err := cutCString(rest)
		if err != nil {
			return HandshakeResponse{}, fmt.Errorf("handshake response: auth: %w", err)
		}
		resp.AuthResponse = auth
		rest = after
	}

	if resp.CapabilityFlags&ClientConnectWithDB != 0 && len(rest) > 0 {
		db, after, err := cutCString(rest)
		if err != nil {
			return HandshakeResponse{}, fmt.Errorf("handshake response: database: %w", err)
		}
		resp.Database = string(db)
		rest = after
	}
	if resp.CapabilityFlags&ClientPluginAuth != 0 && len(rest) > 0 {
		name, _, err := cutCString(rest)
		if err == nil {
			resp.AuthPluginName = string(name)
		}
	}
	return resp, nil
}

func parseOk(seq byte, payload []byte, caps uint32) (Ok, error) {
	if len(payload) < 1 {
		return Ok{}, fmt.Errorf("ok packet: empty")
	}
	pos := 1
	affected, n, _, err := readLenEncInt(payload[pos:])
	if err != nil {
		return Ok{}, fmt.Errorf("ok packet: affected rows: %w", err)
	}
	pos += n
	insertID, n, _, err := readLenEncInt(payload[pos:])
	if err != nil {
		return Ok{}, fmt.Errorf("ok packet: last insert id: %w", err)
	}
	pos += n

	ok := Ok{SequenceID: seq, AffectedRows: affected, LastInsertID: insertID}
	if caps&ClientProtocol41 != 0 {
		if len(payload) < pos+4 {
			return Ok{}, fmt.Errorf("ok packet: truncated status")
		}
		ok.StatusFlags = binary.LittleEndian.Uint16(payload[pos : pos+2])
		ok.Warnings = binary.LittleEndian.Uint16(payload[pos+2 : pos+4])
		pos += 4
	}
	ok.Info = payload[pos:]
	return ok, nil
}

func parseErr(seq byte, payload []byte, caps uint32) (Err, error) {
	if len(payload) < 3 {
		return Err{}, fmt.Errorf("err packet: truncated code")
	}
	e := Err{SequenceID: seq, Code: binary.LittleEndian.Uint16(payload[1:3])}
	rest := payload[3:]
	if caps&ClientProtocol41 != 0 && len(rest) >= 6 && rest[0] == '#' {
		copy(e.SQLState[:], rest[1:6])
		e.HasSQLState = true
		rest = rest[6:]
	}
	e.Message = rest
	return e, nil
}

func parseEof(seq byte, payload []byte) (Eof, error) {
	if len(payload) == 0 || payload[0] != eofHeader {
		return Eof{}, fmt.Errorf("eof packet: bad header")
	}
	if len(payload) < 5 {
		return Eof{SequenceID: seq, Short: true}, nil
	}
	return Eof{
		SequenceID:  seq,
		Warnings:    binary.LittleEndian.Uint16(payload[1:3]),
		StatusFlags: binary.LittleEndian.Uint16(payload[3:5]),
	}, nil
}

func parseColumnDefinition(seq byte, payload []byte) (ColumnDefinition, error) {
	col := ColumnDefinition{SequenceID: seq}
	rest := payload
	for _, dst := range []*[]byte{&col.Catalog, &col.Schema, &col.Table, &col.OrgTable, &col.Name, &col.OrgName} {
		s, n, err := readLenEncBytes(rest)
		if err != nil {
			return ColumnDefinition{}, fmt.Errorf("column definition: %w", err)
		}
		*dst = s
		rest = rest[n:]
	}
	// Fixed-length block: lenenc 0x0c, charset, length, type, flags,
	// decimals, 2-byte filler.
	if len(rest) < 1+2+4+1+2+1+2 {
		return ColumnDefinition{}, fmt.Errorf("column definition: truncated fixed fields")
	}
	rest = rest[1:]
	col.CharacterSet = binary.LittleEndian.Uint16(rest[0:2])
	col.ColumnLength = binary.LittleEndian.Uint32(rest[2:6])
	col.ColumnType = rest[6]
	col.Flags = binary.LittleEndian.Uint16(rest[7:9])
	col.Decimals = rest[9]
	return col, nil
}

func parseResultRow(seq byte, payload []byte, columns int) (ResultRow, error) {
	row := ResultRow{SequenceID: seq, Values: make([][]byte, 0, columns)}
	rest := payload
	for i := 0; i < columns; i++ {
		if len(rest) == 0 {
			return ResultRow{}, fmt.Errorf("result row: %d of %d columns present", i, columns)
		}
		if rest[0] == lenencNull {
			row.Values = append(row.Values, nil)
			rest = rest[1:]
			continue
		}
		v, n, err := readLenEncBytes(rest)
		if err != nil {
			return ResultRow{}, fmt.Errorf("result row: column %d: %w", i, err)
		}
		row.Values = append(row.Values, v)
		rest = rest[n:]
	}
	return row, nil
}

func cutCString(data []byte) (s, rest []byte, err error) {
	for i, b := range data {
		if b == 0 {
			return data[:i], data[i+1:], nil
		}
	}
	return nil, nil, fmt.Errorf("missing string terminator")
}
