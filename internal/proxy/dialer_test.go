package proxy

import (
	"context"
	"testing"

	"github.com/entwico/clustersocks/internal/kube"
)

func TestClusterDialerHappyPath(t *testing.T) {
	session, podSide := newPodSession(80)
	defer podSide.Close()

	d := &ClusterDialer{
		Resolver:  fakeResolver{target: kube.ResolvedTarget{Namespace: "ns1", PodName: "api-1", ContainerPort: 80}},
		Forwarder: fakeForwarder{session: session},
	}

	conn, err := d.DialContext(context.Background(), "tcp", "api.ns1.svc:80")
	if err != nil {
		t.Fatalf("DialContext: %v", err)
	}

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}

	buf := make([]byte, 4)
	if _, err := podSide.Read(buf); err != nil {
		t.Fatalf("pod read: %v", err)
	}

	if string(buf) != "ping" {
		t.Fatalf("pod received %q, want ping", buf)
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestClusterDialerInvalidAddr(t *testing.T) {
	d := &ClusterDialer{Resolver: fakeResolver{}, Forwarder: fakeForwarder{}}

	if _, err := d.DialContext(context.Background(), "tcp", "no-port-here"); err == nil {
		t.Fatal("DialContext with no port should fail")
	}
}

func TestClusterDialerResolveFailure(t *testing.T) {
	d := &ClusterDialer{
		Resolver:  fakeResolver{err: &kube.ResolveError{Kind: kube.ErrServiceNotFound, Message: "not found"}},
		Forwarder: fakeForwarder{},
	}

	if _, err := d.DialContext(context.Background(), "tcp", "api.ns1.svc:80"); err == nil {
		t.Fatal("DialContext should fail when the resolver fails")
	}
}
