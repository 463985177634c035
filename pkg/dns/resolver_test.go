package dns

import (
	"errors"
	"net"
	"testing"
)

func TestResolverRegisterAndResolveByNameAndID(t *testing.T) {
	r := NewResolver(nil, "quilt.local", nil)

	ip := net.IPv4(10, 42, 0, 5)
	r.Register("c1", "web", ip)

	answers, err := r.Resolve("web.quilt.local.")
	if err != nil {
		t.Fatalf("Resolve(name) error = %v", err)
	}
	if len(answers) != 1 {
		t.Fatalf("Resolve(name) returned %d answers, want 1", len(answers))
	}

	answers2, err := r.Resolve("c1.quilt.local.")
	if err != nil {
		t.Fatalf("Resolve(id) error = %v", err)
	}
	if len(answers2) != 1 {
		t.Fatalf("Resolve(id) returned %d answers, want 1", len(answers2))
	}
}

func TestResolverUnknownNameIsNXDomain(t *testing.T) {
	r := NewResolver(nil, "quilt.local", nil)

	_, err := r.Resolve("ghost.quilt.local.")
	if !errors.Is(err, ErrNXDomain) {
		t.Fatalf("Resolve() error = %v, want ErrNXDomain", err)
	}
}

func TestResolverOutsideZoneForwards(t *testing.T) {
	r := NewResolver(nil, "quilt.local", nil)

	_, err := r.Resolve("example.com.")
	if !errors.Is(err, ErrNotLocalZone) {
		t.Fatalf("Resolve() error = %v, want ErrNotLocalZone", err)
	}
}

func TestResolverDeregisterRemovesBothNames(t *testing.T) {
	r := NewResolver(nil, "quilt.local", nil)

	r.Register("c1", "web", net.IPv4(10, 42, 0, 5))
	r.Deregister("c1")

	if _, err := r.Resolve("web.quilt.local."); !errors.Is(err, ErrNXDomain) {
		t.Fatalf("expected name record removed, got err=%v", err)
	}
	if _, err := r.Resolve("c1.quilt.local."); !errors.Is(err, ErrNXDomain) {
		t.Fatalf("expected id record removed, got err=%v", err)
	}
}
