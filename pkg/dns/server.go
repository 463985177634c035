package dns

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cuemby/quilt/pkg/log"
	"github.com/cuemby/quilt/pkg/storage"
	"github.com/miekg/dns"
)

const (
	// DefaultListenAddr is where the embedded server actually binds;
	// iptables redirects the gateway's :53 here (fabric.EnsureBridge).
	DefaultListenAddr = "10.42.0.1:1053"

	// DefaultDomain is the zone this server is authoritative for.
	DefaultDomain = "quilt.local"

	DefaultUpstream = "8.8.8.8:53"
)

// Server is Quilt's embedded authoritative DNS server for *.quilt.local.
type Server struct {
	resolver   *Resolver
	dnsServer  *dns.Server
	listenAddr string
	upstream   []string
	mu         sync.RWMutex
	running    bool
}

// Config holds DNS server configuration.
type Config struct {
	ListenAddr string
	Domain     string
	Upstream   []string
}

// NewServer creates a Server backed by store for record rebuilds.
func NewServer(store storage.Store, config *Config) *Server {
	if config == nil {
		config = &Config{}
	}
	if config.ListenAddr == "" {
		config.ListenAddr = DefaultListenAddr
	}
	if config.Domain == "" {
		config.Domain = DefaultDomain
	}
	if len(config.Upstream) == 0 {
		config.Upstream = []string{DefaultUpstream}
	}

	return &Server{
		resolver:   NewResolver(store, config.Domain, config.Upstream),
		listenAddr: config.ListenAddr,
		upstream:   config.Upstream,
	}
}

// Resolver exposes the server's resolver so the lifecycle engine can
// Register/Deregister records on container state transitions.
func (s *Server) Resolver() *Resolver { return s.resolver }

// Start rebuilds the record table from the store and begins serving.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("dns server already running")
	}
	s.running = true
	s.mu.Unlock()

	if err := s.resolver.Rebuild(ctx); err != nil {
		log.WithComponent("dns").Error().Err(err).Msg("failed to rebuild dns table from store")
	}

	mux := dns.NewServeMux()
	mux.HandleFunc(".", s.handleQuery)

	s.dnsServer = &dns.Server{Addr: s.listenAddr, Net: "udp", Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := s.dnsServer.ListenAndServe(); err != nil {
			log.WithComponent("dns").Error().Err(err).Msg("dns server error")
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	case <-ctx.Done():
		return s.Stop()
	default:
		log.WithComponent("dns").Info().Str("address", s.listenAddr).Msg("dns server started")
		return nil
	}
}

// Stop shuts down the server. Idempotent.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	if s.dnsServer != nil {
		if err := s.dnsServer.Shutdown(); err != nil {
			return err
		}
	}
	s.running = false
	log.WithComponent("dns").Info().Msg("dns server stopped")
	return nil
}

func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Server) handleQuery(w dns.ResponseWriter, r *dns.Msg) {
	msg := &dns.Msg{}
	msg.SetReply(r)
	msg.Authoritative = true

	for _, q := range r.Question {
		if q.Qtype != dns.TypeA {
			s.forward(w, r)
			return
		}

		answers, err := s.resolver.Resolve(q.Name)
		switch {
		case err == nil:
			msg.Answer = append(msg.Answer, answers...)
		case errors.Is(err, ErrNXDomain):
			msg.Rcode = dns.RcodeNameError
		case errors.Is(err, ErrNotLocalZone):
			s.forward(w, r)
			return
		default:
			log.WithComponent("dns").Error().Err(err).Str("query", q.Name).Msg("resolve failed")
			msg.Rcode = dns.RcodeServerFailure
		}
	}

	if err := w.WriteMsg(msg); err != nil {
		log.WithComponent("dns").Error().Err(err).Msg("failed to write dns response")
	}
}

func (s *Server) forward(w dns.ResponseWriter, r *dns.Msg) {
	client := &dns.Client{Net: "udp"}

	for _, upstream := range s.upstream {
		resp, _, err := client.Exchange(r, upstream)
		if err != nil {
			log.WithComponent("dns").Debug().Err(err).Str("upstream", upstream).Msg("upstream forward failed")
			continue
		}
		if err := w.WriteMsg(resp); err != nil {
			log.WithComponent("dns").Error().Err(err).Msg("failed to write forwarded dns response")
		}
		return
	}

	msg := &dns.Msg{}
	msg.SetReply(r)
	msg.Rcode = dns.RcodeServerFailure
	if err := w.WriteMsg(msg); err != nil {
		log.WithComponent("dns").Error().Err(err).Msg("failed to write dns error response")
	}
}
