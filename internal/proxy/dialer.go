package proxy

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/entwico/clustersocks/internal/kube"
)

// ClusterDialer resolves cluster DNS names and opens a port-forwarded
// connection to the backing pod. It implements the DialContext signature
// used by net/http.Transport (and by HTTPProxy), so the HTTP CONNECT proxy
// reuses the identical resolve+forward path the SOCKS Handler uses.
type ClusterDialer struct {
	Resolver  ClusterResolver
	Forwarder ClusterForwarder
}

// DialContext parses addr's host as a cluster DNS name and returns a
// net.Conn backed by a pod port-forward stream. Closing the returned
// connection closes and joins the underlying port-forward session.
func (d *ClusterDialer) DialContext(ctx context.Context, _, addr string) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}

	portNum, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q: %w", portStr, err)
	}

	query, err := kube.ParseDNSQuery(host)
	if err != nil {
		return nil, fmt.Errorf("parsing cluster dns name %q: %w", host, err)
	}

	target, err := d.Resolver.Resolve(ctx, query, uint16(portNum))
	if err != nil {
		return nil, fmt.Errorf("resolving %q: %w", host, err)
	}

	session, err := d.Forwarder.Forward(target.Namespace, target.PodName, target.ContainerPort)
	if err != nil {
		return nil, fmt.Errorf("opening port-forward to %s/%s:%d: %w", target.Namespace, target.PodName, target.ContainerPort,
			&kube.ResolveError{Kind: kube.ErrForwardFailed, Message: err.Error()})
	}

	stream, err := session.TakeStream(target.ContainerPort)
	if err != nil {
		session.Close()
		session.Join()

		return nil, fmt.Errorf("taking port-forward stream: %w", err)
	}

	return &sessionConn{Conn: stream, session: session}, nil
}

// sessionConn wraps a port-forward stream so that closing it also closes
// and joins the owning session, matching the invariant that every opened
// session is joined exactly once.
type sessionConn struct {
	net.Conn
	session *kube.Session
}

func (c *sessionConn) Close() error {
	err := c.Conn.Close()
	c.session.Close()
	c.session.Join()

	return err
}
