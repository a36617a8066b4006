// Command sentinel-dns runs the filtering recursive/forwarding DNS engine:
// it loads configuration and a policy fixture, starts the policy cache
// refresher, and binds the UDP/TCP transport listeners.
package main

import (
	"context"
	"flag"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/AdguardTeam/golibs/log"

	"github.com/robotnikz/sentinel-dns/internal/cache"
	"github.com/robotnikz/sentinel-dns/internal/config"
	"github.com/robotnikz/sentinel-dns/internal/dnsforward"
	"github.com/robotnikz/sentinel-dns/internal/policy"
	"github.com/robotnikz/sentinel-dns/internal/policystore"
	"github.com/robotnikz/sentinel-dns/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "sentinel-dns.yaml", "path to the YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Error("sentinel-dns: %s", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if !cfg.Enabled {
		log.Info("sentinel-dns: disabled via configuration, exiting")

		return nil
	}

	st, err := policystore.Load(cfg.PolicyFixture)
	if err != nil {
		return err
	}

	sink, err := telemetry.Open(cfg.TelemetryDBPath, cfg.RetentionHours)
	if err != nil {
		return err
	}
	defer sink.Close()

	c := cache.New(st, nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.Start(ctx); err != nil {
		return err
	}
	defer c.Stop()

	upstreamCfg, err := config.ParseUpstream(cfg.UpstreamDNS)
	if err != nil {
		return err
	}

	bootstrap := parseBootstrap(cfg.BootstrapAddrs())

	srv := dnsforward.NewServer(c, sink)
	if err := srv.Prepare(dnsforward.Config{
		Host: cfg.Host,
		Port: cfg.Port,
		Bind: cfg.Bind,
		Upstream: upstreamCfg,
		Settings: policy.DNSSettings{
			Upstream:             upstreamCfg,
			Bootstrap:            bootstrap,
			PreferIPv4:           cfg.DoHPreferIPv4,
			ShadowResolveBlocked: cfg.ShadowResolve,
		},
		Timeouts: dnsforward.Timeouts{
			UDP: cfg.TimeoutUDP.Duration,
			TCP: cfg.TimeoutTCP.Duration,
			DoT: cfg.TimeoutDoT.Duration,
			DoH: cfg.TimeoutDoH.Duration,
		},
	}); err != nil {
		return err
	}

	if err := srv.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("sentinel-dns: shutting down")

	return srv.Stop()
}

func parseBootstrap(fields []string) []netip.Addr {
	var out []netip.Addr

	for _, f := range fields {
		if addr, err := netip.ParseAddr(f); err == nil {
			out = append(out, addr)
		}
	}

	return out
}
