package proxy

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/uppnrise/iron-veil/internal/mask"
	"github.com/uppnrise/iron-veil/internal/metrics"
	"github.com/uppnrise/iron-veil/internal/state"
)

// Protocol selects which wire protocol a listener proxies.
type Protocol string

const (
	ProtocolPostgres Protocol = "postgres"
	ProtocolMySQL    Protocol = "mysql"
)

// pgSSLRequest is the fixed 8-byte PostgreSQL TLS upgrade request
// (length 8, code 80877103).
var pgSSLRequest = []byte{0x00, 0x00, 0x00, 0x08, 0x04, 0xd2, 0x16, 0x2f}

// Options configures every pipeline spawned by a Server.
type Options struct {
	UpstreamAddr string
	Protocol     Protocol

	// TLSConfig enables client-side TLS offload when non-nil.
	TLSConfig *tls.Config

	// UpstreamTLS issues an SSLRequest upgrade against the upstream
	// (Postgres only). Strict mode fails the connection when the upstream
	// declines instead of continuing in cleartext.
	UpstreamTLS       bool
	UpstreamTLSStrict bool

	ConnectTimeout time.Duration
}

// Pipeline drives one proxied connection: two framed streams forwarded
// concurrently, with result rows routed through the masking engine.
type Pipeline struct {
	id      uint64
	opts    Options
	st      *state.State
	metrics *metrics.Collector
	engine  *mask.Engine
}

// NewPipeline creates the per-connection pipeline. The masking engine is
// owned by the connection and keyed to its result-set column mapping.
func NewPipeline(id uint64, opts Options, st *state.State, m *metrics.Collector) *Pipeline {
	return &Pipeline{
		id:      id,
		opts:    opts,
		st:      st,
		metrics: m,
		engine:  mask.NewEngine(st, m, id),
	}
}

// Run proxies clientConn until EOF on either side or a fatal error.
func (p *Pipeline) Run(clientConn net.Conn) error {
	switch p.opts.Protocol {
	case ProtocolMySQL:
		return p.runMySQL(clientConn)
	default:
		return p.runPostgres(clientConn)
	}
}

// dialUpstream opens the upstream TCP connection. The connect step is the
// only place a deadline applies; individual reads are unbounded.
func (p *Pipeline) dialUpstream() (net.Conn, error) {
	timeout := p.opts.ConnectTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	conn, err := net.DialTimeout("tcp", p.opts.UpstreamAddr, timeout)
	if err != nil {
		return nil, fmt.Errorf("connecting to upstream %s: %w", p.opts.UpstreamAddr, err)
	}
	return conn, nil
}

// upstreamServerName extracts the hostname for upstream TLS verification.
func (p *Pipeline) upstreamServerName() string {
	host, _, err := net.SplitHostPort(p.opts.UpstreamAddr)
	if err != nil {
		return p.opts.UpstreamAddr
	}
	return host
}

// joinDirections waits for both forwarding goroutines, closing both sockets
// as soon as the first one finishes so the other unblocks. Clean EOFs and
// close-races are not errors.
func joinDirections(errCh <-chan error, client, upstream net.Conn) error {
	first := <-errCh
	client.Close()
	upstream.Close()
	second := <-errCh

	if err := filterConnError(first); err != nil {
		return err
	}
	return filterConnError(second)
}

// filterConnError drops the error values that mean "the connection ended":
// clean EOF, a partial frame cut off by EOF (drained silently), and reads
// against a socket the other direction already closed.
func filterConnError(err error) error {
	if err == nil || err == io.EOF || err == io.ErrUnexpectedEOF || err == io.ErrClosedPipe {
		return nil
	}
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	if strings.Contains(err.Error(), "use of closed network connection") {
		return nil
	}
	return err
}
