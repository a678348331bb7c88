package kube

import "strings"

// Kind is the trailing DNS label that selects between service and pod
// resolution: "svc" or "pod".
type Kind string

const (
	KindService Kind = "svc"
	KindPod     Kind = "pod"
)

// DNSQuery is a parsed cluster DNS name, derived from a SOCKS5 DNS address
// by stripping the optional "cluster.local" suffix and splitting on ".".
type DNSQuery struct {
	Kind Kind
	// Sub is the leading sub-hostname component. For Kind == KindService it
	// selects a specific pod within the service by spec.hostname or
	// metadata.name; empty means "any ready pod". Kind == KindPod never sets
	// Sub.
	Sub string
	Name string // service name (KindService) or pod name (KindPod)
	Namespace string
}

// ParseDNSQuery parses a name of the form "<sub>.<name>.<kind>[.cluster.local]".
// The optional "cluster.local" suffix is stripped before matching. After
// stripping, the remainder must end in "svc" or "pod".
func ParseDNSQuery(name string) (DNSQuery, error) {
	segments := strings.Split(name, ".")

	if len(segments) >= 2 &&
		strings.EqualFold(segments[len(segments)-2], "cluster") &&
		strings.EqualFold(segments[len(segments)-1], "local") {
		segments = segments[:len(segments)-2]
	}

	if len(segments) == 0 {
		return DNSQuery{}, &ResolveError{Kind: ErrUnsupportedAddress, Message: "empty cluster DNS name"}
	}

	kind := Kind(strings.ToLower(segments[len(segments)-1]))
	if kind != KindService && kind != KindPod {
		return DNSQuery{}, &ResolveError{Kind: ErrUnsupportedAddress, Message: "name does not end in svc or pod: " + name}
	}

	parts := segments[:len(segments)-1]

	switch kind {
	case KindService:
		switch len(parts) {
		case 2:
			// <service>.<namespace>.svc — any ready pod.
			return DNSQuery{Kind: KindService, Name: parts[0], Namespace: parts[1]}, nil
		case 3:
			// <sub>.<service>.<namespace>.svc — pod matching sub-hostname.
			return DNSQuery{Kind: KindService, Sub: parts[0], Name: parts[1], Namespace: parts[2]}, nil
		default:
			return DNSQuery{}, &ResolveError{Kind: ErrUnsupportedAddress, Message: "unsupported svc name shape: " + name}
		}
	case KindPod:
		if len(parts) != 2 {
			return DNSQuery{}, &ResolveError{Kind: ErrUnsupportedAddress, Message: "unsupported pod name shape: " + name}
		}

		// <pod>.<namespace>.pod
		return DNSQuery{Kind: KindPod, Name: parts[0], Namespace: parts[1]}, nil
	}

	// unreachable: kind was already validated above.
	return DNSQuery{}, &ResolveError{Kind: ErrUnsupportedAddress, Message: "unsupported name: " + name}
}
