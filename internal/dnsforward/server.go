package dnsforward

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/log"
	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"

	"github.com/robotnikz/sentinel-dns/internal/cache"
	"github.com/robotnikz/sentinel-dns/internal/policy"
	"github.com/robotnikz/sentinel-dns/internal/telemetry"
	"github.com/robotnikz/sentinel-dns/internal/upstream"
)

// BindMode selects which address families the transport listeners bind to.
type BindMode string

// Recognized bind modes.
const (
	BindIPv4 BindMode = "ipv4"
	BindIPv6 BindMode = "ipv6"
	BindDual BindMode = "dual"
)

// Timeouts bundles the per-transport upstream deadlines.
type Timeouts struct {
	UDP time.Duration
	TCP time.Duration
	DoT time.Duration
	DoH time.Duration
}

// DefaultTimeouts returns the §4.3 defaults.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		UDP: upstream.DefaultUDPTimeout,
		TCP: upstream.DefaultTCPTimeout,
		DoT: upstream.DefaultDoTTimeout,
		DoH: upstream.DefaultDoHTimeout,
	}
}

// Config is everything Server.Prepare needs to (re)build its listeners and
// dispatcher.
type Config struct {
	Host     string
	Port     int
	Bind     BindMode
	Upstream policy.UpstreamConfig
	Settings policy.DNSSettings
	Timeouts Timeouts
}

// Server is the transport-listener + query-pipeline lifecycle, grounded on
// dnsforward.Server's Start/Stop/Prepare/Reconfigure pattern: Prepare builds
// the configuration-derived pieces (dispatcher, addresses) without binding
// anything; Start binds listeners; Stop unbinds them; Reconfigure does
// Stop, a short grace pause, Prepare, Start.
type Server struct {
	cache     *cache.Cache
	telemetry *telemetry.Sink

	serverLock sync.RWMutex
	conf       Config
	dispatcher *upstream.Dispatcher
	upstreamCfg policy.UpstreamConfig
	timeouts   Timeouts

	udpServers []*dns.Server
	tcpServers []*dns.Server
	group      *errgroup.Group
	groupCtx   context.Context
	cancel     context.CancelFunc

	isRunning bool
}

// NewServer constructs a Server bound to c (the policy cache) and t
// (telemetry sink, may be nil to disable telemetry, useful in tests).
func NewServer(c *cache.Cache, t *telemetry.Sink) *Server {
	return &Server{cache: c, telemetry: t}
}

// Prepare validates and stores conf, rebuilding the upstream dispatcher.
// It does not bind any sockets.
func (s *Server) Prepare(conf Config) error {
	s.serverLock.Lock()
	defer s.serverLock.Unlock()

	if conf.Port == 0 {
		conf.Port = 53
	}

	if conf.Timeouts == (Timeouts{}) {
		conf.Timeouts = DefaultTimeouts()
	}

	s.conf = conf
	s.upstreamCfg = conf.Upstream
	s.timeouts = conf.Timeouts
	s.dispatcher = upstream.New(conf.Upstream, conf.Settings)

	return nil
}

// Start binds the UDP and TCP listeners and begins serving. Prepare must
// have been called first.
func (s *Server) Start(ctx context.Context) error {
	s.serverLock.Lock()
	defer s.serverLock.Unlock()

	if s.isRunning {
		return fmt.Errorf("dnsforward: already running")
	}

	s.groupCtx, s.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(s.groupCtx)
	s.group = g

	targets := s.bindAddrs()

	for _, t := range targets {
		t := t

		udpSrv := &dns.Server{Addr: t.addr, Net: "udp", Handler: dns.HandlerFunc(s.serveDNSUDP)}
		tcpSrv := &dns.Server{Addr: t.addr, Net: "tcp", Handler: dns.HandlerFunc(s.serveDNSTCP)}

		if t.v6Only {
			lc := net.ListenConfig{Control: v6OnlyCtrl}

			pc, err := lc.ListenPacket(gctx, "udp", t.addr)
			if err != nil {
				return fmt.Errorf("dnsforward: binding v6-only udp %s: %w", t.addr, err)
			}
			udpSrv.PacketConn = pc

			l, err := lc.Listen(gctx, "tcp", t.addr)
			if err != nil {
				return fmt.Errorf("dnsforward: binding v6-only tcp %s: %w", t.addr, err)
			}
			tcpSrv.Listener = l
		}

		s.udpServers = append(s.udpServers, udpSrv)
		g.Go(func() error { return s.runServer(gctx, udpSrv) })

		s.tcpServers = append(s.tcpServers, tcpSrv)
		g.Go(func() error { return s.runServer(gctx, tcpSrv) })
	}

	s.isRunning = true
	log.Info("dnsforward: listening on %v", targets)

	return nil
}

// bindTarget is one address to bind, with whether it must be restricted to
// the IPv6 family via the IPV6_V6ONLY socket option. Dual mode binds an
// IPv4-any socket and an IPv6-any socket side by side; without v6Only the
// latter accepts IPv4-mapped connections on most Linux hosts and collides
// with the former.
type bindTarget struct {
	addr   string
	v6Only bool
}

// String lets bindTarget slices print sensibly in log.Info's %v.
func (t bindTarget) String() string {
	return t.addr
}

// bindAddrs returns the targets to bind, per BindMode.
func (s *Server) bindAddrs() []bindTarget {
	port := s.conf.Port
	host := s.conf.Host

	switch s.conf.Bind {
	case BindIPv6:
		if host == "" {
			host = "::"
		}

		return []bindTarget{{addr: net.JoinHostPort(host, fmt.Sprint(port))}}
	case BindDual:
		return []bindTarget{
			{addr: net.JoinHostPort("0.0.0.0", fmt.Sprint(port))},
			{addr: net.JoinHostPort("::", fmt.Sprint(port)), v6Only: true},
		}
	default:
		if host == "" {
			host = "0.0.0.0"
		}

		return []bindTarget{{addr: net.JoinHostPort(host, fmt.Sprint(port))}}
	}
}

// runServer starts srv and blocks until ctx is cancelled, then shuts it
// down. Mirrors ctrld's serveDNS: spawn ListenAndServe (or ActivateAndServe
// when the listener/packet conn was already bound by the caller), select on
// ctx.Done() to Shutdown.
func (s *Server) runServer(ctx context.Context, srv *dns.Server) error {
	errCh := make(chan error, 1)

	go func() {
		if srv.Listener != nil || srv.PacketConn != nil {
			errCh <- srv.ActivateAndServe()
		} else {
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		return srv.ShutdownContext(context.Background())
	case err := <-errCh:
		return err
	}
}

// Stop shuts down all listeners and waits for them to finish.
func (s *Server) Stop() error {
	s.serverLock.Lock()
	running := s.isRunning
	cancel := s.cancel
	group := s.group
	s.isRunning = false
	s.udpServers = nil
	s.tcpServers = nil
	s.serverLock.Unlock()

	if !running {
		return nil
	}

	cancel()

	return group.Wait()
}

// Reconfigure stops the server, waits briefly for in-flight sockets to
// release, re-Prepares with conf, and starts again. Modeled on
// dnsforward.Server.Reconfigure.
func (s *Server) Reconfigure(ctx context.Context, conf Config) error {
	if err := s.Stop(); err != nil {
		log.Error("dnsforward: stop during reconfigure: %s", err)
	}

	time.Sleep(100 * time.Millisecond)

	if err := s.Prepare(conf); err != nil {
		return err
	}

	return s.Start(ctx)
}

func (s *Server) serveDNSUDP(w dns.ResponseWriter, req *dns.Msg) {
	s.serve(w, req, "udp")
}

func (s *Server) serveDNSTCP(w dns.ResponseWriter, req *dns.Msg) {
	s.serve(w, req, "tcp")
}

func (s *Server) serve(w dns.ResponseWriter, req *dns.Msg, transport string) {
	defer w.Close()

	addrPort, err := netip.ParseAddrPort(w.RemoteAddr().String())
	if err != nil {
		log.Debug("dnsforward: parsing remote addr %s: %s", w.RemoteAddr(), err)

		return
	}

	ctx := s.groupCtx
	if ctx == nil {
		ctx = context.Background()
	}

	resp := s.handleQuery(ctx, req, addrPort.Addr(), transport)
	if resp == nil {
		return
	}

	if err := w.WriteMsg(resp); err != nil {
		log.Debug("dnsforward: writing response: %s", err)
	}
}
