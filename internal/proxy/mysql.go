package proxy

import (
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/uppnrise/iron-veil/internal/mask"
	"github.com/uppnrise/iron-veil/internal/protocol/mysql"
)

// runMySQL proxies a MySQL session. The proxy does not SSL-negotiate MySQL
// connections; the server greeting and the client's handshake response are
// forwarded verbatim, with capability flags captured in flight.
func (p *Pipeline) runMySQL(clientConn net.Conn) error {
	upstream, err := p.dialUpstream()
	if err != nil {
		return err
	}
	defer upstream.Close()

	clientReader := mysql.NewReader(clientConn, mysql.NewServerCodec())
	upstreamReader := mysql.NewReader(upstream, mysql.NewClientCodec())

	var warnedBinary atomic.Bool

	errCh := make(chan error, 2)
	go func() {
		errCh <- p.forwardMySQLClient(clientReader, upstreamReader.Codec(), upstream, &warnedBinary)
	}()
	go func() {
		errCh <- p.forwardMySQLUpstream(upstreamReader, clientConn)
	}()

	return joinDirections(errCh, clientConn, upstream)
}

// forwardMySQLClient relays client packets upstream. The HandshakeResponse
// fixes the negotiated capability flags on both codec halves before the
// conversation proceeds; COM_QUERY packets feed the log ring; a
// COM_STMT_EXECUTE arms opaque handling for the binary result set it
// produces.
func (p *Pipeline) forwardMySQLClient(r *mysql.Reader, upstreamCodec *mysql.Codec, upstream net.Conn, warnedBinary *atomic.Bool) error {
	var out []byte
	for {
		msg, err := r.Next()
		if err != nil {
			return err
		}

		switch m := msg.(type) {
		case mysql.HandshakeResponse:
			// The client may have narrowed the server's offer; both codec
			// halves follow the client's flags from here on.
			r.Codec().SetCapabilities(m.CapabilityFlags)
			upstreamCodec.SetCapabilities(m.CapabilityFlags)
		case mysql.Query:
			p.st.AddLog(p.id, "Query", string(m.SQL))
			if p.metrics != nil {
				p.metrics.QueryObserved(string(ProtocolMySQL))
			}
		case mysql.Generic:
			if len(m.Payload) > 0 && m.Payload[0] == mysql.ComStmtExecute {
				upstreamCodec.ExpectBinaryRows()
				if warnedBinary.CompareAndSwap(false, true) {
					slog.Warn("binary-protocol result rows are forwarded unmasked", "conn", p.id)
				}
			}
		}

		out, err = r.Codec().Encode(out[:0], msg)
		if err != nil {
			return err
		}
		if _, err := upstream.Write(out); err != nil {
			return err
		}
	}
}

// forwardMySQLUpstream relays server packets to the client. Column
// definitions accumulate into the next column map; result rows are rewritten
// through the masking engine before re-encoding.
func (p *Pipeline) forwardMySQLUpstream(r *mysql.Reader, client net.Conn) error {
	var out []byte
	var cols []mask.Column

	flushCols := func() {
		if cols != nil {
			p.engine.SetColumns(cols)
			cols = nil
		}
	}

	for {
		msg, err := r.Next()
		if err != nil {
			return err
		}

		switch m := msg.(type) {
		case mysql.Handshake:
			// The server's advertised flags hold until the client's
			// HandshakeResponse narrows them.
			r.Codec().SetCapabilities(m.CapabilityFlags)
		case mysql.ColumnDefinition:
			cols = append(cols, mask.Column{Name: string(m.Name), Table: string(m.Table)})
		case mysql.ResultRow:
			flushCols()
			p.engine.MaskRow(m.Values)
		case mysql.Eof, mysql.Ok, mysql.Err:
			// Either the column/row separator or the result-set terminator;
			// in both cases any pending descriptors are complete.
			flushCols()
		}

		out, err = r.Codec().Encode(out[:0], msg)
		if err != nil {
			return err
		}
		if _, err := client.Write(out); err != nil {
			return err
		}
	}
}
