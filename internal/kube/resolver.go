package kube

import (
	"context"
	"fmt"
	"sort"
	"strings"

	corev1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
)

// ResolvedTarget is the output of Resolver.Resolve: an existing pod, ready
// at resolution time, and the container port to forward to. A TOCTOU race
// between resolution and port-forward open is accepted and surfaced as a
// transport error by the caller.
type ResolvedTarget struct {
	Namespace     string
	PodName       string
	ContainerPort uint16
}

// Resolver translates a parsed cluster DNS query plus the client-requested
// port into a concrete pod and container port.
type Resolver struct {
	Clientset kubernetes.Interface
}

// Resolve dispatches on query.Kind, a tagged-variant, not inheritance.
func (r Resolver) Resolve(ctx context.Context, query DNSQuery, port uint16) (ResolvedTarget, error) {
	switch query.Kind {
	case KindService:
		return r.resolveService(ctx, query, port)
	case KindPod:
		return r.resolvePod(ctx, query, port)
	default:
		return ResolvedTarget{}, &ResolveError{Kind: ErrUnsupportedAddress, Message: "unknown dns query kind"}
	}
}

func (r Resolver) resolveService(ctx context.Context, query DNSQuery, port uint16) (ResolvedTarget, error) {
	svc, err := r.Clientset.CoreV1().Services(query.Namespace).Get(ctx, query.Name, metav1.GetOptions{})
	if err != nil {
		if k8serrors.IsNotFound(err) {
			return ResolvedTarget{}, &ResolveError{Kind: ErrServiceNotFound, Message: fmt.Sprintf("service %s/%s not found", query.Namespace, query.Name)}
		}

		return ResolvedTarget{}, &ResolveError{Kind: ErrLookupFailed, Message: fmt.Sprintf("getting service %s/%s: %v", query.Namespace, query.Name, err)}
	}

	if len(svc.Spec.Selector) == 0 {
		return ResolvedTarget{}, &ResolveError{Kind: ErrServiceInvalid, Message: "spec.selectors is not set"}
	}

	podList, err := r.Clientset.CoreV1().Pods(query.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labelSelectorString(svc.Spec.Selector),
	})
	if err != nil {
		return ResolvedTarget{}, &ResolveError{Kind: ErrLookupFailed, Message: fmt.Sprintf("listing pods for service %s/%s: %v", query.Namespace, query.Name, err)}
	}

	pod, err := selectPod(podList.Items, query.Sub)
	if err != nil {
		return ResolvedTarget{}, err
	}

	containerPort, err := mapServicePort(svc, pod, port)
	if err != nil {
		return ResolvedTarget{}, err
	}

	return ResolvedTarget{Namespace: query.Namespace, PodName: pod.Name, ContainerPort: containerPort}, nil
}

func selectPod(pods []corev1.Pod, sub string) (corev1.Pod, error) {
	if sub != "" {
		for _, p := range pods {
			hostname := p.Spec.Hostname
			if hostname == "" {
				hostname = p.Name
			}

			if hostname == sub {
				return p, nil
			}
		}

		return corev1.Pod{}, &ResolveError{Kind: ErrNamedServicePodsNotFound, Message: fmt.Sprintf("no pod named %q in service", sub)}
	}

	for _, p := range pods {
		if isPodReady(p) {
			return p, nil
		}
	}

	return corev1.Pod{}, &ResolveError{Kind: ErrServiceNoReadyPods, Message: "service has no ready pods"}
}

func isPodReady(p corev1.Pod) bool {
	for _, c := range p.Status.Conditions {
		if c.Type == corev1.PodReady && c.Status == corev1.ConditionTrue {
			return true
		}
	}

	return false
}

// mapServicePort maps a service-facing port through svc.Spec.Ports to the
// pod's container port. A service port with a named targetPort is resolved
// against the chosen pod's declared container ports; an integer targetPort
// is used directly; when the requested port matches no service-port entry
// at all, it passes through unchanged.
func mapServicePort(svc *corev1.Service, pod corev1.Pod, port uint16) (uint16, error) {
	for _, sp := range svc.Spec.Ports {
		if sp.Port != int32(port) {
			continue
		}

		if sp.TargetPort.Type == intstr.Int {
			v := sp.TargetPort.IntValue()
			if v <= 0 || v > 65535 {
				return 0, &ResolveError{Kind: ErrServiceInvalid, Message: fmt.Sprintf("targetPort %d out of range", v)}
			}

			return uint16(v), nil
		}

		name := sp.TargetPort.StrVal

		for _, c := range pod.Spec.Containers {
			for _, cp := range c.Ports {
				if cp.Name == name {
					return uint16(cp.ContainerPort), nil
				}
			}
		}

		return 0, &ResolveError{Kind: ErrPortNotFound, Message: fmt.Sprintf("no container port named %q on pod %s", name, pod.Name)}
	}

	return port, nil
}

func (r Resolver) resolvePod(ctx context.Context, query DNSQuery, port uint16) (ResolvedTarget, error) {
	pod, err := r.Clientset.CoreV1().Pods(query.Namespace).Get(ctx, query.Name, metav1.GetOptions{})
	if err != nil {
		if k8serrors.IsNotFound(err) {
			return ResolvedTarget{}, &ResolveError{Kind: ErrPodNotFound, Message: fmt.Sprintf("pod %s/%s not found", query.Namespace, query.Name)}
		}

		return ResolvedTarget{}, &ResolveError{Kind: ErrLookupFailed, Message: fmt.Sprintf("getting pod %s/%s: %v", query.Namespace, query.Name, err)}
	}

	if err := validatePodPort(*pod, port); err != nil {
		return ResolvedTarget{}, err
	}

	return ResolvedTarget{Namespace: query.Namespace, PodName: pod.Name, ContainerPort: port}, nil
}

// validatePodPort checks the requested port against the pod's declared
// container ports, fixing the TODO left in the original resolve_pod: a pod
// that declares no ports at all passes any port through unchanged, but a pod
// that does declare ports must have the requested one among them.
func validatePodPort(pod corev1.Pod, port uint16) error {
	var declared []uint16

	for _, c := range pod.Spec.Containers {
		for _, cp := range c.Ports {
			declared = append(declared, uint16(cp.ContainerPort))
		}
	}

	if len(declared) == 0 {
		return nil
	}

	for _, p := range declared {
		if p == port {
			return nil
		}
	}

	return &ResolveError{Kind: ErrPortNotFound, Message: fmt.Sprintf("pod %s does not declare container port %d", pod.Name, port)}
}

func labelSelectorString(selector map[string]string) string {
	keys := make([]string, 0, len(selector))
	for k := range selector {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+selector[k])
	}

	return strings.Join(pairs, ",")
}
