package proxy

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/uppnrise/iron-veil/internal/mask"
	"github.com/uppnrise/iron-veil/internal/protocol/postgres"
)

func (p *Pipeline) runPostgres(clientConn net.Conn) error {
	client, leftover, err := p.negotiateClientTLS(clientConn)
	if err != nil {
		return fmt.Errorf("client TLS negotiation: %w", err)
	}

	upstream, err := p.dialUpstream()
	if err != nil {
		return err
	}
	defer upstream.Close()

	upstream, err = p.upgradeUpstreamTLS(upstream)
	if err != nil {
		return err
	}

	clientReader := postgres.NewReader(client, postgres.NewClientCodec())
	clientReader.Unread(leftover)
	upstreamReader := postgres.NewReader(upstream, postgres.NewUpstreamCodec())

	errCh := make(chan error, 2)
	go func() { errCh <- p.forwardPGClient(clientReader, client, upstream) }()
	go func() { errCh <- p.forwardPGUpstream(upstreamReader, client) }()

	return joinDirections(errCh, client, upstream)
}

// negotiateClientTLS reads the first 8 bytes of the client stream. An
// SSLRequest is answered with 'S' (followed by a handshake) when an acceptor
// is configured, or 'N' to continue in cleartext; the client then retries
// with a real Startup. Anything else is handed back for the codec to decode.
// The loop is bounded to stop a client that only ever sends SSLRequests.
func (p *Pipeline) negotiateClientTLS(conn net.Conn) (net.Conn, []byte, error) {
	const maxSSLAttempts = 3

	for attempt := 0; attempt <= maxSSLAttempts; attempt++ {
		prefix := make([]byte, 8)
		if _, err := io.ReadFull(conn, prefix); err != nil {
			return conn, nil, fmt.Errorf("reading startup prefix: %w", err)
		}
		if !bytes.Equal(prefix, pgSSLRequest) {
			return conn, prefix, nil
		}

		if p.opts.TLSConfig == nil {
			if _, err := conn.Write([]byte{'N'}); err != nil {
				return conn, nil, fmt.Errorf("writing SSL denial: %w", err)
			}
			continue
		}

		if _, err := conn.Write([]byte{'S'}); err != nil {
			return conn, nil, fmt.Errorf("writing SSL acceptance: %w", err)
		}
		tlsConn := tls.Server(conn, p.opts.TLSConfig)
		if err := tlsConn.Handshake(); err != nil {
			return conn, nil, fmt.Errorf("client TLS handshake: %w", err)
		}
		conn = tlsConn
	}
	return conn, nil, fmt.Errorf("too many SSL negotiation attempts")
}

// upgradeUpstreamTLS performs the proxy's own SSLRequest dance against the
// upstream when upstream TLS is configured. A declined upgrade continues in
// cleartext with a warning unless strict mode is on.
func (p *Pipeline) upgradeUpstreamTLS(conn net.Conn) (net.Conn, error) {
	if !p.opts.UpstreamTLS {
		return conn, nil
	}

	if _, err := conn.Write(pgSSLRequest); err != nil {
		return nil, fmt.Errorf("sending upstream SSLRequest: %w", err)
	}
	reply := make([]byte, 1)
	if _, err := io.ReadFull(conn, reply); err != nil {
		return nil, fmt.Errorf("reading upstream SSL reply: %w", err)
	}

	if reply[0] != 'S' {
		if p.opts.UpstreamTLSStrict {
			return nil, fmt.Errorf("upstream declined TLS (reply %q) and strict mode is on", reply[0])
		}
		slog.Warn("upstream declined TLS, continuing in cleartext", "conn", p.id, "reply", string(reply))
		return conn, nil
	}

	// Platform trust verifies the upstream certificate.
	tlsConn := tls.Client(conn, &tls.Config{ServerName: p.upstreamServerName()})
	if err := tlsConn.Handshake(); err != nil {
		return nil, fmt.Errorf("upstream TLS handshake: %w", err)
	}
	return tlsConn, nil
}

// forwardPGClient relays client frames to the upstream. Query and Parse
// frames feed the shared log ring on the way through; a mid-session
// SSLRequest is protocol-illegal and is refused without forwarding.
func (p *Pipeline) forwardPGClient(r *postgres.Reader, client, upstream net.Conn) error {
	var out []byte
	for {
		msg, err := r.Next()
		if err != nil {
			return err
		}

		switch m := msg.(type) {
		case postgres.SSLRequest:
			if _, err := client.Write([]byte{'N'}); err != nil {
				return err
			}
			continue
		case postgres.Query:
			p.observeQuery("Query", string(m.SQL))
		case postgres.Parse:
			p.observeQuery("Parse", m.SQL)
		}

		out = postgres.Encode(out[:0], msg)
		if _, err := upstream.Write(out); err != nil {
			return err
		}
	}
}

// forwardPGUpstream relays upstream frames to the client, routing result
// descriptors and rows through the masking engine. Everything else passes
// verbatim.
func (p *Pipeline) forwardPGUpstream(r *postgres.Reader, client net.Conn) error {
	var out []byte
	for {
		msg, err := r.Next()
		if err != nil {
			return err
		}

		switch m := msg.(type) {
		case postgres.RowDescription:
			cols := make([]mask.Column, len(m.Fields))
			for i, f := range m.Fields {
				cols[i] = mask.Column{Name: f.Name}
			}
			p.engine.SetColumns(cols)
		case postgres.DataRow:
			p.engine.MaskRow(m.Values)
		}

		out = postgres.Encode(out[:0], msg)
		if _, err := client.Write(out); err != nil {
			return err
		}
	}
}

func (p *Pipeline) observeQuery(event, query string) {
	p.st.AddLog(p.id, event, query)
	if p.metrics != nil {
		p.metrics.QueryObserved(string(ProtocolPostgres))
	}
}
