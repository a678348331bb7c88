package kube

// ResolveErrorKind classifies a resolution failure. The connection handler
// maps these to SOCKS5 reply bytes; see replyForResolveError in
// internal/proxy/handler.go.
type ResolveErrorKind int

const (
	ErrPodNotFound ResolveErrorKind = iota
	ErrServiceNotFound
	ErrNamedServicePodsNotFound
	ErrServiceNoReadyPods
	ErrPortNotFound
	ErrUnsupportedAddress
	ErrServiceInvalid
	ErrForwardFailed
	ErrLookupFailed
)

// ResolveError is returned by Resolver.Resolve and ParseDNSQuery.
// PortForwarder.Forward returns plain errors; its callers in internal/proxy
// wrap them as ErrForwardFailed.
type ResolveError struct {
	Kind    ResolveErrorKind
	Message string
}

func (e *ResolveError) Error() string {
	return e.Message
}
