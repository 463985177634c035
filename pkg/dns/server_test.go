package dns

import (
	"testing"
)

func TestNewServerAppliesDefaults(t *testing.T) {
	s := NewServer(nil, nil)

	if s.listenAddr != DefaultListenAddr {
		t.Errorf("listenAddr = %q, want %q", s.listenAddr, DefaultListenAddr)
	}
	if s.resolver.domain != DefaultDomain {
		t.Errorf("domain = %q, want %q", s.resolver.domain, DefaultDomain)
	}
	if len(s.upstream) != 1 || s.upstream[0] != DefaultUpstream {
		t.Errorf("upstream = %v, want [%s]", s.upstream, DefaultUpstream)
	}
}

func TestServerIsRunningBeforeStart(t *testing.T) {
	s := NewServer(nil, nil)
	if s.IsRunning() {
		t.Error("IsRunning() = true before Start()")
	}
}

func TestServerStopWithoutStartIsNoop(t *testing.T) {
	s := NewServer(nil, nil)
	if err := s.Stop(); err != nil {
		t.Errorf("Stop() on unstarted server returned error: %v", err)
	}
}
