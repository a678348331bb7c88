package proxy

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"

	"github.com/entwico/clustersocks/internal/kube"
	"github.com/entwico/clustersocks/internal/socks"
)

// ClusterResolver looks up a parsed cluster DNS query against the cluster API.
type ClusterResolver interface {
	Resolve(ctx context.Context, query kube.DNSQuery, port uint16) (kube.ResolvedTarget, error)
}

// ClusterForwarder opens a port-forward session to a resolved pod.
type ClusterForwarder interface {
	Forward(namespace, pod string, port uint16) (*kube.Session, error)
}

// Handler is the per-connection SOCKS4/4a/5 state machine: version detect →
// handshake → command → resolve → forward → relay. One Handler is shared
// across all accepted connections; it carries no per-connection state.
type Handler struct {
	Resolver  ClusterResolver
	Forwarder ClusterForwarder
	Logger    *slog.Logger
}

// Serve runs the state machine for one accepted connection. It always
// closes conn before returning.
func (h *Handler) Serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	br := bufio.NewReader(conn)

	version, err := socks.PeekVersion(br)
	if err != nil {
		h.logger().Debug("version peek failed", "remote", conn.RemoteAddr(), "error", err)
		return
	}

	switch version {
	case socks.Version4:
		h.serveV4(ctx, conn, br)
	case socks.Version5:
		h.serveV5(ctx, conn, br)
	default:
		h.logger().Warn("unsupported socks version", "version", version, "remote", conn.RemoteAddr())
	}
}

func (h *Handler) serveV4(ctx context.Context, conn net.Conn, r io.Reader) {
	req, err := socks.ParseV4Request(r)
	if err != nil {
		h.logger().Debug("v4 parse failed", "remote", conn.RemoteAddr(), "error", err)
		return
	}

	if req.Method != socks.Cmd4Connect {
		h.writeV4(conn, socks.Reply4RejectedOrFailed, req)
		return
	}

	if !req.IsSocks4a {
		h.logger().Warn("rejecting socks4 connect to literal ipv4", "remote", conn.RemoteAddr())
		h.writeV4(conn, socks.Reply4RejectedOrFailed, req)
		return
	}

	query, err := kube.ParseDNSQuery(req.Hostname)
	if err != nil {
		h.logger().Warn("v4a hostname is not a cluster dns name", "hostname", req.Hostname, "error", err)
		h.writeV4(conn, socks.Reply4RejectedOrFailed, req)
		return
	}

	target, session, err := h.resolve(ctx, query, req.DestPort)
	if err != nil {
		h.logger().Warn("v4a resolve/forward failed", "hostname", req.Hostname, "error", err)
		h.writeV4(conn, socks.Reply4RejectedOrFailed, req)
		return
	}
	defer h.closeAndJoin(session)

	stream, err := session.TakeStream(target.ContainerPort)
	if err != nil {
		h.logger().Warn("taking port-forward stream failed", "error", err)
		h.writeV4(conn, socks.Reply4RejectedOrFailed, req)
		return
	}

	if !h.writeV4(conn, socks.Reply4Granted, req) {
		return
	}

	h.logger().Info("relaying v4a connection", "remote", conn.RemoteAddr(), "hostname", req.Hostname, "pod", target.PodName)
	relay(conn, stream)
}

func (h *Handler) writeV4(conn net.Conn, code byte, req socks.V4Request) bool {
	_, err := conn.Write(socks.EncodeV4Response(code, req.DestPort, req.DestIP))
	if err != nil {
		h.logger().Debug("writing v4 response failed", "error", err)
		return false
	}

	return true
}

func (h *Handler) serveV5(ctx context.Context, conn net.Conn, r io.Reader) {
	authReq, err := socks.ParseV5AuthRequest(r)
	if err != nil {
		h.logger().Debug("v5 auth parse failed", "remote", conn.RemoteAddr(), "error", err)
		return
	}

	if !authReq.Has(socks.AuthNotRequired) {
		conn.Write(socks.EncodeV5AuthResponse(socks.AuthNone))
		return
	}

	if _, err := conn.Write(socks.EncodeV5AuthResponse(socks.AuthNotRequired)); err != nil {
		return
	}

	cmdReq, err := socks.ParseV5CommandRequest(r)
	if err != nil {
		h.replyV5Fail(conn, socks.ReplyForError(err))
		return
	}

	if cmdReq.Command != socks.CmdConnect {
		h.replyV5Fail(conn, socks.ReplyCommandNotSupported)
		return
	}

	if cmdReq.Addr.Type != socks.AtypDomain {
		h.replyV5Fail(conn, socks.ReplyAddressNotSupported)
		return
	}

	query, err := kube.ParseDNSQuery(cmdReq.Addr.Name)
	if err != nil {
		h.replyV5Fail(conn, socks.ReplyAddressNotSupported)
		return
	}

	target, session, err := h.resolve(ctx, query, cmdReq.Port)
	if err != nil {
		h.replyV5Fail(conn, replyForResolveError(err))
		return
	}
	defer h.closeAndJoin(session)

	stream, err := session.TakeStream(target.ContainerPort)
	if err != nil {
		h.logger().Warn("taking port-forward stream failed", "error", err)
		h.replyV5Fail(conn, socks.ReplyGeneralFailure)
		return
	}

	if _, err := conn.Write(socks.EncodeV5Response(socks.ReplySucceeded, cmdReq.Addr, cmdReq.Port)); err != nil {
		return
	}

	h.logger().Info("relaying v5 connection", "remote", conn.RemoteAddr(), "hostname", cmdReq.Addr.Name, "pod", target.PodName)
	relay(conn, stream)
}

func (h *Handler) replyV5Fail(conn net.Conn, reply byte) {
	conn.Write(socks.EncodeV5Response(reply, socks.ZeroAddress, 0))
}

// resolve looks up query via the resolver and, on success, opens a
// port-forward session. The returned session is non-nil iff err is nil.
func (h *Handler) resolve(ctx context.Context, query kube.DNSQuery, port uint16) (kube.ResolvedTarget, *kube.Session, error) {
	target, err := h.Resolver.Resolve(ctx, query, port)
	if err != nil {
		return kube.ResolvedTarget{}, nil, err
	}

	session, err := h.Forwarder.Forward(target.Namespace, target.PodName, target.ContainerPort)
	if err != nil {
		return kube.ResolvedTarget{}, nil, &kube.ResolveError{Kind: kube.ErrForwardFailed, Message: err.Error()}
	}

	return target, session, nil
}

// closeAndJoin tears down the session and joins its background error
// monitor, per the invariant that every accepted connection with an open
// session joins it exactly once before its task exits.
func (h *Handler) closeAndJoin(session *kube.Session) {
	if session == nil {
		return
	}

	session.Close()

	if err := session.Join(); err != nil {
		h.logger().Warn("port-forward session ended with error", "error", err)
	}
}

// replyForResolveError maps a resolver error to the SOCKS5 reply byte it
// corresponds to.
func replyForResolveError(err error) byte {
	var re *kube.ResolveError
	if errors.As(err, &re) {
		switch re.Kind {
		case kube.ErrPodNotFound, kube.ErrServiceNotFound, kube.ErrNamedServicePodsNotFound:
			return socks.ReplyHostUnreachable
		case kube.ErrServiceNoReadyPods, kube.ErrPortNotFound:
			return socks.ReplyConnectionRefused
		case kube.ErrUnsupportedAddress:
			return socks.ReplyAddressNotSupported
		}
	}

	return socks.ReplyGeneralFailure
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}

	return slog.Default()
}
