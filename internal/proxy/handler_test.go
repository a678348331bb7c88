package proxy

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"k8s.io/apimachinery/pkg/util/httpstream"

	"github.com/entwico/clustersocks/internal/kube"
)

// pipeStream adapts a net.Conn (one end of a net.Pipe) to httpstream.Stream,
// standing in for a real SPDY data stream in tests.
type pipeStream struct {
	net.Conn
}

func (pipeStream) Headers() http.Header { return http.Header{} }
func (pipeStream) Identifier() uint32   { return 0 }
func (p pipeStream) Reset() error       { return p.Close() }

var _ httpstream.Stream = pipeStream{}

// idleErrStream never produces data; Read blocks until Close, then returns
// EOF, standing in for an SPDY error stream that never carries a message.
type idleErrStream struct {
	closed chan struct{}
}

func newIdleErrStream() *idleErrStream { return &idleErrStream{closed: make(chan struct{})} }

func (s *idleErrStream) Read(_ []byte) (int, error) {
	<-s.closed
	return 0, io.EOF
}

func (s *idleErrStream) Write(p []byte) (int, error) { return len(p), nil }
func (s *idleErrStream) Close() error {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}

	return nil
}
func (s *idleErrStream) Reset() error       { return s.Close() }
func (s *idleErrStream) Headers() http.Header { return http.Header{} }
func (s *idleErrStream) Identifier() uint32 { return 0 }

var _ httpstream.Stream = (*idleErrStream)(nil)

type fakeSpdyConn struct{}

func (fakeSpdyConn) CreateStream(http.Header) (httpstream.Stream, error) { return nil, nil }
func (fakeSpdyConn) Close() error                                        { return nil }
func (fakeSpdyConn) CloseChan() <-chan bool                              { return make(chan bool) }
func (fakeSpdyConn) SetIdleTimeout(time.Duration)                        {}
func (fakeSpdyConn) RemoveStreams(...httpstream.Stream)                  {}

var _ httpstream.Connection = fakeSpdyConn{}

// newPodSession returns a Session backed by an in-memory pipe, and the
// caller-facing end of that pipe so the test can observe/drive "pod" traffic.
func newPodSession(port uint16) (*kube.Session, net.Conn) {
	serverSide, podSide := net.Pipe()
	conn := kube.NewStreamConn(pipeStream{serverSide}, newIdleErrStream(), fakeSpdyConn{}, "ns1/pod:1234")

	return kube.NewSession(conn, port), podSide
}

type fakeResolver struct {
	target kube.ResolvedTarget
	err    error
}

func (f fakeResolver) Resolve(context.Context, kube.DNSQuery, uint16) (kube.ResolvedTarget, error) {
	return f.target, f.err
}

type fakeForwarder struct {
	session *kube.Session
	err     error
}

func (f fakeForwarder) Forward(string, string, uint16) (*kube.Session, error) {
	return f.session, f.err
}

func TestHandlerV5HappyPath(t *testing.T) {
	session, podSide := newPodSession(80)
	defer podSide.Close()

	h := &Handler{
		Resolver:  fakeResolver{target: kube.ResolvedTarget{Namespace: "ns1", PodName: "api-1", ContainerPort: 80}},
		Forwarder: fakeForwarder{session: session},
	}

	client, server := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		h.Serve(context.Background(), server)
		close(done)
	}()

	// auth negotiation: offer NOT_REQUIRED
	if _, err := client.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatalf("write auth: %v", err)
	}

	readExact(t, client, 2, []byte{0x05, 0x00})

	// CONNECT to api.ns1.svc:80
	req := []byte{0x05, 0x01, 0x00, 0x03, 0x0B}
	req = append(req, "api.ns1.svc"...)
	req = append(req, 0x00, 0x50)

	if _, err := client.Write(req); err != nil {
		t.Fatalf("write connect: %v", err)
	}

	want := []byte{0x05, 0x00, 0x00, 0x03, 0x0B}
	want = append(want, "api.ns1.svc"...)
	want = append(want, 0x00, 0x50)
	readExact(t, client, len(want), want)

	// relay: client bytes reach the pod side of the pipe
	if _, err := client.Write([]byte("hello")); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	buf := make([]byte, 5)
	if _, err := podSide.Read(buf); err != nil {
		t.Fatalf("pod read: %v", err)
	}

	if !bytes.Equal(buf, []byte("hello")) {
		t.Fatalf("pod received %q, want hello", buf)
	}

	client.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return after client closed")
	}
}

func TestHandlerV5IPLiteralRejected(t *testing.T) {
	h := &Handler{Resolver: fakeResolver{}, Forwarder: fakeForwarder{}}

	client, server := net.Pipe()
	go h.Serve(context.Background(), server)
	defer client.Close()

	client.Write([]byte{0x05, 0x01, 0x00})
	readExact(t, client, 2, []byte{0x05, 0x00})

	req := []byte{0x05, 0x01, 0x00, 0x01, 0xC0, 0x00, 0x02, 0x01, 0x00, 0x50}
	client.Write(req)

	readExact(t, client, 10, []byte{0x05, 0x08, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00})
}

func TestHandlerV5UnsupportedAuth(t *testing.T) {
	h := &Handler{Resolver: fakeResolver{}, Forwarder: fakeForwarder{}}

	client, server := net.Pipe()
	go h.Serve(context.Background(), server)
	defer client.Close()

	client.Write([]byte{0x05, 0x01, 0x02})
	readExact(t, client, 2, []byte{0x05, 0xFF})
}

func TestHandlerV5BindCommandNotSupported(t *testing.T) {
	h := &Handler{Resolver: fakeResolver{}, Forwarder: fakeForwarder{}}

	client, server := net.Pipe()
	go h.Serve(context.Background(), server)
	defer client.Close()

	client.Write([]byte{0x05, 0x01, 0x00})
	readExact(t, client, 2, []byte{0x05, 0x00})

	req := []byte{0x05, 0x02, 0x00, 0x03, 0x07}
	req = append(req, "x.y.svc"...)
	req = append(req, 0x00, 0x16)
	client.Write(req)

	buf := make([]byte, 10)
	if _, err := fullReadAtLeast(client, buf, 4); err != nil {
		t.Fatalf("read reply: %v", err)
	}

	if buf[0] != 0x05 || buf[1] != 0x07 {
		t.Fatalf("got %x, want COMMAND_NOT_SUPPORTED reply", buf[:4])
	}
}

func TestHandlerV5ServiceNoReadyPods(t *testing.T) {
	h := &Handler{
		Resolver:  fakeResolver{err: &kube.ResolveError{Kind: kube.ErrServiceNoReadyPods, Message: "no ready pods"}},
		Forwarder: fakeForwarder{},
	}

	client, server := net.Pipe()
	go h.Serve(context.Background(), server)
	defer client.Close()

	client.Write([]byte{0x05, 0x01, 0x00})
	readExact(t, client, 2, []byte{0x05, 0x00})

	req := []byte{0x05, 0x01, 0x00, 0x03, 0x0B}
	req = append(req, "api.ns1.svc"...)
	req = append(req, 0x00, 0x50)
	client.Write(req)

	readExact(t, client, 10, []byte{0x05, 0x05, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00})
}

func TestHandlerV4aDNSHappyPath(t *testing.T) {
	session, podSide := newPodSession(80)
	defer podSide.Close()

	h := &Handler{
		Resolver:  fakeResolver{target: kube.ResolvedTarget{Namespace: "ns1", PodName: "web-1", ContainerPort: 80}},
		Forwarder: fakeForwarder{session: session},
	}

	client, server := net.Pipe()
	go h.Serve(context.Background(), server)
	defer client.Close()

	req := []byte{0x04, 0x01, 0x00, 0x50, 0x00, 0x00, 0x00, 0x01}
	req = append(req, "user"...)
	req = append(req, 0x00)
	req = append(req, "web-1.web.ns1.svc"...)
	req = append(req, 0x00)
	client.Write(req)

	buf := make([]byte, 8)
	if _, err := fullReadAtLeast(client, buf, 2); err != nil {
		t.Fatalf("read v4 response: %v", err)
	}

	if buf[0] != 0x00 || buf[1] != 0x5A {
		t.Fatalf("got %x, want GRANTED", buf[:2])
	}
}

func TestHandlerV4aResolveFailureRejects(t *testing.T) {
	h := &Handler{
		Resolver:  fakeResolver{err: &kube.ResolveError{Kind: kube.ErrServiceNotFound, Message: "not found"}},
		Forwarder: fakeForwarder{},
	}

	client, server := net.Pipe()
	go h.Serve(context.Background(), server)
	defer client.Close()

	req := []byte{0x04, 0x01, 0x00, 0x50, 0x00, 0x00, 0x00, 0x01}
	req = append(req, "user"...)
	req = append(req, 0x00)
	req = append(req, "missing.ns1.svc"...)
	req = append(req, 0x00)
	client.Write(req)

	buf := make([]byte, 8)
	if _, err := fullReadAtLeast(client, buf, 2); err != nil {
		t.Fatalf("read v4 response: %v", err)
	}

	if buf[0] != 0x00 || buf[1] != 0x5B {
		t.Fatalf("got %x, want REJECTED_OR_FAILED", buf[:2])
	}
}

func TestHandlerV4LiteralIPv4Rejected(t *testing.T) {
	h := &Handler{Resolver: fakeResolver{}, Forwarder: fakeForwarder{}}

	client, server := net.Pipe()
	go h.Serve(context.Background(), server)
	defer client.Close()

	req := []byte{0x04, 0x01, 0x00, 0x50, 0x01, 0x02, 0x03, 0x04}
	req = append(req, "user"...)
	req = append(req, 0x00)
	client.Write(req)

	buf := make([]byte, 8)
	if _, err := fullReadAtLeast(client, buf, 2); err != nil {
		t.Fatalf("read v4 response: %v", err)
	}

	if buf[0] != 0x00 || buf[1] != 0x5B {
		t.Fatalf("got %x, want REJECTED_OR_FAILED", buf[:2])
	}
}

func readExact(t *testing.T, r net.Conn, n int, want []byte) {
	t.Helper()

	buf := make([]byte, n)
	if _, err := fullReadAtLeast(r, buf, n); err != nil {
		t.Fatalf("read %d bytes: %v", n, err)
	}

	if !bytes.Equal(buf, want) {
		t.Fatalf("got %x, want %x", buf, want)
	}
}

func fullReadAtLeast(r net.Conn, buf []byte, min int) (int, error) {
	total := 0

	for total < min {
		n, err := r.Read(buf[total:])
		total += n

		if err != nil {
			return total, err
		}
	}

	return total, nil
}
