package proxy

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/uppnrise/iron-veil/internal/config"
	"github.com/uppnrise/iron-veil/internal/protocol/postgres"
	"github.com/uppnrise/iron-veil/internal/state"
)

var sslRequestBytes = []byte{0x00, 0x00, 0x00, 0x08, 0x04, 0xd2, 0x16, 0x2f}

// fakeUpstream is a scripted upstream database server.
type fakeUpstream struct {
	ln   net.Listener
	done chan struct{}
}

func newFakeUpstream(t *testing.T, script func(conn net.Conn)) *fakeUpstream {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeUpstream{ln: ln, done: make(chan struct{})}
	go func() {
		defer close(f.done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		script(conn)
	}()
	t.Cleanup(func() { ln.Close() })
	return f
}

func (f *fakeUpstream) addr() string { return f.ln.Addr().String() }

func testState(rules []config.MaskingRule) *state.State {
	return state.New(&config.Config{MaskingEnabled: true, Rules: rules})
}

func startPipeline(t *testing.T, st *state.State, opts Options) net.Conn {
	t.Helper()
	clientEnd, proxyEnd := net.Pipe()
	t.Cleanup(func() {
		clientEnd.Close()
		proxyEnd.Close()
	})
	pl := NewPipeline(st.NextConnectionID(), opts, st, nil)
	go pl.Run(proxyEnd)
	return clientEnd
}

// readStartupRaw reads a startup-format message (no type byte). Safe for
// use inside upstream script goroutines.
func readStartupRaw(conn net.Conn) ([]byte, error) {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return nil, err
	}
	total := int(binary.BigEndian.Uint32(hdr))
	buf := make([]byte, total)
	copy(buf, hdr)
	if _, err := io.ReadFull(conn, buf[4:]); err != nil {
		return nil, err
	}
	return buf, nil
}

// readFrameRaw reads one typed frame.
func readFrameRaw(conn net.Conn) (byte, []byte, error) {
	hdr := make([]byte, 5)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return 0, nil, err
	}
	length := int(binary.BigEndian.Uint32(hdr[1:5]))
	payload := make([]byte, length-4)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return 0, nil, err
	}
	return hdr[0], payload, nil
}

// readPGFrame is the test-goroutine variant of readFrameRaw.
func readPGFrame(t *testing.T, conn net.Conn) (byte, []byte) {
	t.Helper()
	typ, payload, err := readFrameRaw(conn)
	if err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	return typ, payload
}

func TestPGSSLRequestDeniedThenStartup(t *testing.T) {
	startupSeen := make(chan []byte, 1)
	upstream := newFakeUpstream(t, func(conn net.Conn) {
		startup, err := readStartupRaw(conn)
		if err != nil {
			return
		}
		startupSeen <- startup
	})

	st := testState(nil)
	client := startPipeline(t, st, Options{
		UpstreamAddr: upstream.addr(),
		Protocol:     ProtocolPostgres,
	})

	// SSLRequest with no TLS acceptor configured: expect the single 'N'.
	if _, err := client.Write(sslRequestBytes); err != nil {
		t.Fatalf("writing SSLRequest: %v", err)
	}
	reply := make([]byte, 1)
	if _, err := io.ReadFull(client, reply); err != nil {
		t.Fatalf("reading SSL reply: %v", err)
	}
	if reply[0] != 'N' {
		t.Fatalf("SSL reply = %q, want N", reply[0])
	}

	// The codec stayed in startup mode: a subsequent Startup is decoded and
	// forwarded upstream intact.
	startup := postgres.Encode(nil, postgres.Startup{
		ProtocolVersion: postgres.ProtocolVersion30,
		Parameters:      []postgres.Parameter{{Key: "user", Value: "alice"}},
	})
	if _, err := client.Write(startup); err != nil {
		t.Fatalf("writing startup: %v", err)
	}

	select {
	case got := <-startupSeen:
		if !bytes.Equal(got, startup) {
			t.Errorf("forwarded startup = %x, want %x", got, startup)
		}
		if !bytes.Contains(got, []byte("user\x00alice\x00")) {
			t.Error("startup parameters mangled")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("upstream never received the startup")
	}
}

func TestPGDataRowEmailMasked(t *testing.T) {
	origEmail := "alice@example.com"

	upstream := newFakeUpstream(t, func(conn net.Conn) {
		if _, err := readStartupRaw(conn); err != nil {
			return
		}
		if _, _, err := readFrameRaw(conn); err != nil { // Query
			return
		}

		var out []byte
		out = postgres.Encode(out, postgres.RowDescription{Fields: []postgres.FieldDescription{
			{Name: "id", TypeOID: 23},
			{Name: "email", TypeOID: 25},
		}})
		out = postgres.Encode(out, postgres.DataRow{Values: [][]byte{
			[]byte("42"), []byte(origEmail),
		}})
		out = postgres.Encode(out, postgres.Regular{Type: 'C', Payload: []byte("SELECT 1\x00")})
		out = postgres.Encode(out, postgres.Regular{Type: 'Z', Payload: []byte{'I'}})
		conn.Write(out)
	})

	st := testState([]config.MaskingRule{{Column: "email", Strategy: "email"}})
	client := startPipeline(t, st, Options{
		UpstreamAddr: upstream.addr(),
		Protocol:     ProtocolPostgres,
	})

	startup := postgres.Encode(nil, postgres.Startup{
		ProtocolVersion: postgres.ProtocolVersion30,
		Parameters:      []postgres.Parameter{{Key: "user", Value: "alice"}},
	})
	client.Write(startup)
	client.Write(postgres.Encode(nil, postgres.Query{SQL: []byte("SELECT id,email FROM u")}))

	// RowDescription arrives untouched.
	typ, _ := readPGFrame(t, client)
	if typ != 'T' {
		t.Fatalf("frame 0 type = %q, want T", typ)
	}

	// DataRow: id unchanged, email rewritten, lengths consistent.
	typ, payload := readPGFrame(t, client)
	if typ != 'D' {
		t.Fatalf("frame 1 type = %q, want D", typ)
	}
	cols := binary.BigEndian.Uint16(payload[:2])
	if cols != 2 {
		t.Fatalf("column count = %d", cols)
	}
	rest := payload[2:]
	idLen := binary.BigEndian.Uint32(rest[:4])
	id := string(rest[4 : 4+idLen])
	rest = rest[4+idLen:]
	emailLen := binary.BigEndian.Uint32(rest[:4])
	if int(emailLen) != len(rest)-4 {
		t.Fatalf("email cell length %d disagrees with payload remainder %d", emailLen, len(rest)-4)
	}
	email := string(rest[4:])

	if id != "42" {
		t.Errorf("id cell = %q", id)
	}
	if email == origEmail {
		t.Error("email cell not masked")
	}
	if !strings.Contains(email, "@") {
		t.Errorf("masked email %q lost its shape", email)
	}

	// Trailing frames forwarded verbatim.
	typ, _ = readPGFrame(t, client)
	if typ != 'C' {
		t.Errorf("frame 2 type = %q, want C", typ)
	}
	typ, payload = readPGFrame(t, client)
	if typ != 'Z' || payload[0] != 'I' {
		t.Errorf("frame 3 = %q %q, want Z I", typ, payload)
	}
}

func TestPGQueryFramesFeedLogRing(t *testing.T) {
	upstream := newFakeUpstream(t, func(conn net.Conn) {
		// Consume everything; hold the connection open until the test ends.
		io.Copy(io.Discard, conn)
	})

	st := testState(nil)
	client := startPipeline(t, st, Options{
		UpstreamAddr: upstream.addr(),
		Protocol:     ProtocolPostgres,
	})

	client.Write(postgres.Encode(nil, postgres.Startup{
		ProtocolVersion: postgres.ProtocolVersion30,
		Parameters:      []postgres.Parameter{{Key: "user", Value: "bob"}},
	}))
	client.Write(postgres.Encode(nil, postgres.Query{SQL: []byte("SELECT secret FROM t")}))

	deadline := time.After(2 * time.Second)
	for {
		logs := st.Logs()
		if len(logs) > 0 {
			if logs[0].EventType != "Query" {
				t.Errorf("event type = %q", logs[0].EventType)
			}
			if logs[0].Content != "SELECT secret FROM t" {
				t.Errorf("content = %q", logs[0].Content)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("query never reached the log ring")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestRateLimitRejectsThirdConnection(t *testing.T) {
	upstream := newFakeUpstream(t, func(conn net.Conn) {
		io.Copy(io.Discard, conn)
	})

	st := testState(nil)
	srv := NewServer(Options{
		UpstreamAddr: upstream.addr(),
		Protocol:     ProtocolPostgres,
	}, config.LimitsConfig{ConnectionsPerSecond: 2}, st, nil)
	if err := srv.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Stop()
	go srv.Serve()

	dial := func() net.Conn {
		conn, err := net.Dial("tcp", srv.Addr().String())
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		t.Cleanup(func() { conn.Close() })
		return conn
	}

	conn1 := dial()
	conn2 := dial()
	conn3 := dial()

	// The first two connections stay open (reads time out rather than EOF).
	for i, conn := range []net.Conn{conn1, conn2} {
		conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
		buf := make([]byte, 1)
		_, err := conn.Read(buf)
		if nerr, ok := err.(net.Error); !ok || !nerr.Timeout() {
			t.Errorf("connection %d: read = %v, want timeout (still open)", i+1, err)
		}
	}

	// The third is closed immediately with no bytes written.
	conn3.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	n, err := conn3.Read(buf)
	if n != 0 || err == nil {
		t.Fatalf("connection 3: read %d bytes, err %v; want immediate close", n, err)
	}
	if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
		t.Fatal("connection 3 was not closed")
	}
}

func TestMaxConnectionsCeiling(t *testing.T) {
	upstream := newFakeUpstream(t, func(conn net.Conn) {
		io.Copy(io.Discard, conn)
	})

	st := testState(nil)
	srv := NewServer(Options{
		UpstreamAddr: upstream.addr(),
		Protocol:     ProtocolPostgres,
	}, config.LimitsConfig{MaxConnections: 1}, st, nil)
	if err := srv.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Stop()
	go srv.Serve()

	conn1, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn1.Close()

	// Give the accept loop time to take the permit.
	deadline := time.After(2 * time.Second)
	for st.ActiveConnections() == 0 {
		select {
		case <-deadline:
			t.Fatal("first connection never admitted")
		case <-time.After(5 * time.Millisecond):
		}
	}

	conn2, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn2.Close()

	conn2.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	n, err := conn2.Read(buf)
	if n != 0 || err == nil {
		t.Fatalf("over-ceiling connection: read %d bytes, err %v; want close", n, err)
	}
	if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
		t.Fatal("over-ceiling connection was not closed")
	}
}

func TestGaugeDecrementsOnDisconnect(t *testing.T) {
	upstream := newFakeUpstream(t, func(conn net.Conn) {
		io.Copy(io.Discard, conn)
	})

	st := testState(nil)
	srv := NewServer(Options{
		UpstreamAddr: upstream.addr(),
		Protocol:     ProtocolPostgres,
	}, config.LimitsConfig{}, st, nil)
	if err := srv.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Stop()
	go srv.Serve()

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for st.ActiveConnections() != 1 {
		select {
		case <-deadline:
			t.Fatalf("gauge = %d, want 1", st.ActiveConnections())
		case <-time.After(5 * time.Millisecond):
		}
	}

	conn.Close()
	deadline = time.After(2 * time.Second)
	for st.ActiveConnections() != 0 {
		select {
		case <-deadline:
			t.Fatalf("gauge = %d after disconnect, want 0", st.ActiveConnections())
		case <-time.After(5 * time.Millisecond):
		}
	}
}
