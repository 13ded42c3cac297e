package mysql

import "fmt"

// Encode appends the wire form of msg (header + payload) to dst. Length
// fields are recomputed from current content; the sequence id is carried
// through from the message. OK/ERR/EOF encoding follows the codec's
// negotiated capability flags so a decode→encode round trip of an
// unmodified packet is byte-identical.
func (c *Codec) Encode(dst []byte, msg Message) ([]byte, error) {
	start := len(dst)
	dst = append(dst, 0, 0, 0, msg.Seq())

	var err error
	dst, err = c.encodePayload(dst, msg)
	if err != nil {
		return dst[:start], err
	}

	payloadLen := len(dst) - start - 4
	if payloadLen > maxPacketLen {
		return dst[:start], fmt.Errorf("payload length %d exceeds packet bound", payloadLen)
	}
	dst[start] = byte(payloadLen)
	dst[start+1] = byte(payloadLen >> 8)
	dst[start+2] = byte(payloadLen >> 16)
	return dst, nil
}

func (c *Codec) encodePayload(dst []byte, msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case Generic:
		return append(dst, m.Payload...), nil

	case Query:
		dst = append(dst, ComQuery)
		return append(dst, m.SQL...), nil

	case Handshake:
		if m.Raw != nil {
			return append(dst, m.Raw...), nil
		}
		return encodeHandshakeV10(dst, m), nil

	case HandshakeResponse:
		if m.Raw != nil {
			return append(dst, m.Raw...), nil
		}
		return encodeHandshakeResponse(dst, m), nil

	case ResultRow:
		for _, v := range m.Values {
			if v == nil {
				dst = append(dst, lenencNull)
				continue
			}
			dst = appendLenEncBytes(dst, v)
		}
		return dst, nil

	case ColumnDefinition:
		for _, s := range [][]byte{m.Catalog, m.Schema, m.Table, m.OrgTable, m.Name, m.OrgName} {
			dst = appendLenEncBytes(dst, s)
		}
		dst = append(dst, 0x0c)
		dst = appendUint16LE(dst, m.CharacterSet)
		dst = appendUint32LE(dst, m.ColumnLength)
		dst = append(dst, m.ColumnType)
		dst = appendUint16LE(dst, m.Flags)
		dst = append(dst, m.Decimals, 0x00, 0x00)
		return dst, nil

	case Ok:
		dst = append(dst, okHeader)
		dst = appendLenEncInt(dst, m.AffectedRows)
		dst = appendLenEncInt(dst, m.LastInsertID)
		if c.caps.Load()&ClientProtocol41 != 0 {
			dst = appendUint16LE(dst, m.StatusFlags)
			dst = appendUint16LE(dst, m.Warnings)
		}
		return append(dst, m.Info...), nil

	case Err:
		dst = append(dst, errHeader)
		dst = appendUint16LE(dst, m.Code)
		if m.HasSQLState {
			dst = append(dst, '#')
			dst = append(dst, m.SQLState[:]...)
		}
		return append(dst, m.Message...), nil

	case Eof:
		dst = append(dst, eofHeader)
		if m.Short {
			return dst, nil
		}
		dst = appendUint16LE(dst, m.Warnings)
		return appendUint16LE(dst, m.StatusFlags), nil
	}
	return dst, fmt.Errorf("unknown message type %T", msg)
}

func encodeHandshakeV10(dst []byte, m Handshake) []byte {
	dst = append(dst, m.ProtocolVersion)
	dst = append(dst, m.ServerVersion...)
	dst = append(dst, 0)
	dst = appendUint32LE(dst, m.ConnectionID)

	auth := m.AuthPluginData
	var part1 [8]byte
	copy(part1[:], auth)
	dst = append(dst, part1[:]...)
	dst = append(dst, 0) // filler

	dst = appendUint16LE(dst, uint16(m.CapabilityFlags))
	dst = append(dst, m.CharacterSet)
	dst = appendUint16LE(dst, m.StatusFlags)
	dst = appendUint16LE(dst, uint16(m.CapabilityFlags>>16))

	if m.CapabilityFlags&ClientPluginAuth != 0 {
		dst = append(dst, byte(len(auth)+1))
	} else {
		dst = append(dst, 0)
	}
	dst = append(dst, make([]byte, 10)...) // reserved

	if m.CapabilityFlags&ClientSecureConnection != 0 {
		part2 := make([]byte, 13)
		if len(auth) > 8 {
			copy(part2, auth[8:])
		}
		dst = append(dst, part2...)
	}
	if m.CapabilityFlags&ClientPluginAuth != 0 {
		dst = append(dst, m.AuthPluginName...)
		dst = append(dst, 0)
	}
	return dst
}

func encodeHandshakeResponse(dst []byte, m HandshakeResponse) []byte {
	dst = appendUint32LE(dst, m.CapabilityFlags)
	dst = appendUint32LE(dst, m.MaxPacketSize)
	dst = append(dst, m.CharacterSet)
	dst = append(dst, make([]byte, 23)...) // reserved

	dst = append(dst, m.Username...)
	dst = append(dst, 0)

	switch {
	case m.CapabilityFlags&ClientPluginAuthLenenc != 0:
		dst = appendLenEncBytes(dst, m.AuthResponse)
	case m.CapabilityFlags&ClientSecureConnection != 0:
		dst = append(dst, byte(len(m.AuthResponse)))
		dst = append(dst, m.AuthResponse...)
	default:
		dst = append(dst, m.AuthResponse...)
		dst = append(dst, 0)
	}

	if m.CapabilityFlags&ClientConnectWithDB != 0 {
		dst = append(dst, m.Database...)
		dst = append(dst, 0)
	}
	if m.CapabilityFlags&ClientPluginAuth != 0 {
		dst = append(dst, m.AuthPluginName...)
		dst = append(dst, 0)
	}
	return dst
}

func appendUint16LE(dst []byte, v uint16) []byte {
	return append(dst, byte(v), byte(v>>8))
}

func appendUint32LE(dst []byte, v uint32) []byte {
	return append(dst, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}
