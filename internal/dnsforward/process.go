package dnsforward

import (
	"context"
	"net/netip"
	"time"

	"github.com/AdguardTeam/golibs/log"
	"github.com/google/uuid"
	"github.com/miekg/dns"

	"github.com/robotnikz/sentinel-dns/internal/aghalg"
	"github.com/robotnikz/sentinel-dns/internal/cache"
	"github.com/robotnikz/sentinel-dns/internal/engine"
	"github.com/robotnikz/sentinel-dns/internal/policy"
	"github.com/robotnikz/sentinel-dns/internal/telemetry"
)

// handleQuery is the single pipeline entry point (§4.4): decode, normalize
// the client IP, evaluate the decision engine against the current
// snapshot, act on the decision, and emit a telemetry record. It never
// blocks the caller on telemetry persistence.
func (s *Server) handleQuery(ctx context.Context, req *dns.Msg, clientAddr netip.Addr, transport string) *dns.Msg {
	start := time.Now()

	clientAddr = normalizeClientIP(clientAddr)

	if len(req.Question) == 0 {
		return nil
	}

	q := req.Question[0]
	snap := s.cache.Snapshot()

	decision := engine.Evaluate(snap, q.Name, q.Qtype, clientAddr, start)

	var (
		resp         *dns.Msg
		status       telemetry.QueryStatus
		forwardError string
		answerIPs    []string
		recordID     string
	)

	switch decision.Kind {
	case engine.KindRewrite:
		resp = synthesizeRewrite(req, decision.RewriteTarget)
		if resp == nil {
			resp, forwardError = s.forward(ctx, req)
			if resp == nil {
				resp = genSERVFAIL(req)
			}
			status = telemetry.Permitted
		} else {
			status = telemetry.Permitted
		}

	case engine.KindBlockedInternetPause,
		engine.KindBlockedBlockAll,
		engine.KindBlockedByApp,
		engine.KindBlockedByRule,
		engine.KindBlockedByList:

		resp = genNXDOMAIN(req)
		status = telemetry.Blocked

		shadowResolveOn := s.conf.Settings.ShadowResolveBlocked || (snap != nil && snap.Settings.ShadowResolveBlocked)
		if shadowResolveOn && s.telemetry != nil {
			recordID = uuid.NewString()
			go s.shadowResolve(req, recordID)
		}

	case engine.KindShadowBlocked:
		fwd, ferr := s.forward(ctx, req)
		if fwd == nil {
			resp = genSERVFAIL(req)
		} else {
			resp = fwd
		}
		forwardError = ferr
		status = telemetry.ShadowBlocked

	default: // Allowed, PassThrough
		fwd, ferr := s.forward(ctx, req)
		if fwd == nil {
			resp = genSERVFAIL(req)
		} else {
			resp = fwd
		}
		forwardError = ferr
		status = telemetry.Permitted
	}

	if resp != nil {
		answerIPs = extractAnswerIPs(resp)
	}

	if s.telemetry != nil {
		s.telemetry.RecordQuery(telemetry.Record{
			ID:               recordID,
			Timestamp:        start,
			Domain:           q.Name,
			Client:           clientLabel(snap, clientAddr),
			ClientIP:         clientAddr.String(),
			Transport:        transport,
			Status:           status,
			Type:             dns.TypeToString[q.Qtype],
			DurationMs:       time.Since(start).Milliseconds(),
			BlocklistID:      decision.Reason,
			AnswerIPs:        answerIPs,
			ProtectionPaused: decision.ProtectionPaused,
			ForwardError:     forwardError,
		}, clientAddr)
	}

	return resp
}

// forward dispatches req upstream and returns the decoded response. On
// failure it returns (nil, transportErrorLabel).
func (s *Server) forward(ctx context.Context, req *dns.Msg) (*dns.Msg, string) {
	wire, err := req.Pack()
	if err != nil {
		return nil, "encode: " + err.Error()
	}

	timeout := s.timeoutFor(s.upstreamCfg.Kind)
	raw, err := s.dispatcher.Forward(ctx, wire, time.Now().Add(timeout))
	if err != nil {
		log.Debug("dnsforward: upstream forward failed: %s", err)

		return nil, string(s.upstreamCfg.Kind) + ": " + err.Error()
	}

	resp := new(dns.Msg)
	if err := resp.Unpack(raw); err != nil {
		return nil, "decode: " + err.Error()
	}

	return resp, ""
}

// shadowResolve fires a best-effort forward for a blocked query solely to
// capture answer IPs for telemetry. The response was already sent to the
// client as NXDOMAIN before this runs, so the resolved IPs are recorded
// asynchronously onto recordID rather than returned anywhere; failures are
// ignored per the "ignores upstream forward failures during shadow-resolve"
// design note.
func (s *Server) shadowResolve(req *dns.Msg, recordID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeoutFor(s.upstreamCfg.Kind))
	defer cancel()

	resp, _ := s.forward(ctx, req)
	if resp == nil {
		return
	}

	if ips := extractAnswerIPs(resp); len(ips) > 0 {
		s.telemetry.UpdateAnswerIPs(recordID, ips)
	}
}

func (s *Server) timeoutFor(kind policy.UpstreamKind) time.Duration {
	switch kind {
	case policy.UpstreamTCP:
		return s.timeouts.TCP
	case policy.UpstreamDoT:
		return s.timeouts.DoT
	case policy.UpstreamDoH:
		return s.timeouts.DoH
	default:
		return s.timeouts.UDP
	}
}

// clientLabel resolves the configured name for addr, falling back to its
// bare address when no client/subnet profile names it.
func clientLabel(snap *cache.Snapshot, addr netip.Addr) string {
	var name string

	if snap != nil && snap.Clients != nil {
		if exact, subnet, ok := snap.Clients.Resolve(addr); ok {
			if exact != nil {
				name = exact.Name
			} else if subnet != nil {
				name = subnet.Name
			}
		}
	}

	return aghalg.Coalesce(name, addr.String())
}

// normalizeClientIP strips a zone id and unmaps an IPv4-mapped IPv6
// address.
func normalizeClientIP(ip netip.Addr) netip.Addr {
	if ip.Zone() != "" {
		ip = netip.AddrFrom16(ip.As16())
	}

	return ip.Unmap()
}

// extractAnswerIPs returns up to 8 unique A/AAAA answer addresses, used to
// enrich telemetry.
func extractAnswerIPs(resp *dns.Msg) []string {
	const maxAnswerIPs = 8

	seen := make(map[string]bool, maxAnswerIPs)
	var out []string

	for _, rr := range resp.Answer {
		var ip string

		switch v := rr.(type) {
		case *dns.A:
			ip = v.A.String()
		case *dns.AAAA:
			ip = v.AAAA.String()
		default:
			continue
		}

		if seen[ip] {
			continue
		}

		seen[ip] = true
		out = append(out, ip)

		if len(out) >= maxAnswerIPs {
			break
		}
	}

	return out
}
