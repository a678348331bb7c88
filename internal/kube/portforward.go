package kube

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/transport/spdy"
)

const portForwardProtocolV1 = "portforward.k8s.io"

// PortForwarder opens port-forward sessions to pods via the cluster API's
// SPDY port-forward subresource.
type PortForwarder struct {
	Config    *rest.Config
	Clientset kubernetes.Interface
}

// Forward opens a port-forward session to (namespace, pod, port). The
// session is exclusively owned by the caller for its lifetime: TakeStream
// gives out the duplex stream at most once, and Close/Join must both be
// called before the caller is done with it.
func (f *PortForwarder) Forward(namespace, pod string, port uint16) (*Session, error) {
	reqURL := f.Clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Namespace(namespace).
		Name(pod).
		SubResource("portforward").
		URL()

	transport, upgrader, err := spdy.RoundTripperFor(f.Config)
	if err != nil {
		return nil, fmt.Errorf("creating SPDY round tripper: %w", err)
	}

	dialer := spdy.NewDialer(upgrader, &http.Client{Transport: transport}, http.MethodPost, reqURL)

	spdyConn, _, err := dialer.Dial(portForwardProtocolV1)
	if err != nil {
		return nil, fmt.Errorf("SPDY dial to %s/%s: %w", namespace, pod, err)
	}

	// both streams share the same requestID and port.
	requestID := "0"
	headers := http.Header{}
	headers.Set("Streamtype", "error")
	headers.Set("Port", strconv.Itoa(int(port)))
	headers.Set("Requestid", requestID)

	// error stream must be created first (Kubernetes protocol requirement).
	errorStream, err := spdyConn.CreateStream(headers)
	if err != nil {
		spdyConn.Close()
		return nil, fmt.Errorf("creating error stream: %w", err)
	}

	headers.Set("Streamtype", "data")

	dataStream, err := spdyConn.CreateStream(headers)
	if err != nil {
		errorStream.Close()
		spdyConn.Close()

		return nil, fmt.Errorf("creating data stream: %w", err)
	}

	target := fmt.Sprintf("%s/%s:%d", namespace, pod, port)
	conn := NewStreamConn(dataStream, errorStream, spdyConn, target)

	return NewSession(conn, port), nil
}

// NewSession wraps an already-opened StreamConn as a Session for the given
// port. Exported so callers that build a StreamConn directly (tests, or
// alternative transports) can hand it to the same Session contract.
func NewSession(conn *StreamConn, port uint16) *Session {
	return &Session{conn: conn, port: port}
}

// Session is a port-forward session for a single pod port, held open for
// the lifetime of one SOCKS connection.
type Session struct {
	conn *StreamConn
	port uint16

	mu     sync.Mutex
	taken  bool
	closed bool
}

// TakeStream returns the session's duplex byte-stream. It fails if called
// twice, or for any port other than the one the session was opened for.
func (s *Session) TakeStream(port uint16) (*StreamConn, error) {
	if port != s.port {
		return nil, fmt.Errorf("port-forward session was opened for port %d, not %d", s.port, port)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.taken {
		return nil, fmt.Errorf("stream for port %d already taken", port)
	}

	s.taken = true

	return s.conn, nil
}

// Close tears down the underlying SPDY connection and streams. It does not
// itself join background tasks — the caller should call Join afterward to
// surface any async error. Close is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	return s.conn.Close()
}

// Join blocks until the session's background error-stream monitor has
// finished and returns any remote-side error it observed. Every accepted
// connection that opens a session must Join it exactly once before its
// task exits.
func (s *Session) Join() error {
	return s.conn.join()
}
