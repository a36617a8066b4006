// Package dnsforward is the query pipeline and transport listeners: it
// decodes incoming packets, consults the decision engine, synthesizes or
// forwards a response, and emits telemetry. It is grounded on
// AdGuardHome's internal/dnsforward package (Server lifecycle, msg.go
// response synthesis) and ctrld's serveDNS pattern for the miekg/dns
// transport listeners.
package dnsforward

import (
	"net"
	"net/netip"

	"github.com/miekg/dns"
)

// rewriteTTL is the TTL applied to every locally synthesized rewrite
// answer.
const rewriteTTL = 60

// synthesizeRewrite builds the local answer for a rewrite hit, per
// §4.4.1: A target parsing as an IPv4 address answers A, AAAA parsing as
// IPv6 answers AAAA, everything else (and CNAME/ANY fallbacks) answers
// CNAME. Other qtypes return nil so the caller falls through to forwarding.
func synthesizeRewrite(req *dns.Msg, target string) *dns.Msg {
	if len(req.Question) == 0 {
		return nil
	}

	q := req.Question[0]
	name := q.Name

	var rr dns.RR

	switch q.Qtype {
	case dns.TypeA:
		if ip, err := netip.ParseAddr(target); err == nil && ip.Is4() {
			rr = &dns.A{Hdr: header(name, dns.TypeA), A: net.IP(ip.AsSlice())}
		} else {
			rr = cname(name, target)
		}
	case dns.TypeAAAA:
		if ip, err := netip.ParseAddr(target); err == nil && ip.Is6() && !ip.Is4In6() {
			rr = &dns.AAAA{Hdr: header(name, dns.TypeAAAA), AAAA: net.IP(ip.AsSlice())}
		} else {
			rr = cname(name, target)
		}
	case dns.TypeCNAME:
		rr = cname(name, target)
	case dns.TypeANY:
		if ip, err := netip.ParseAddr(target); err == nil {
			if ip.Is4() {
				rr = &dns.A{Hdr: header(name, dns.TypeA), A: net.IP(ip.AsSlice())}
			} else {
				rr = &dns.AAAA{Hdr: header(name, dns.TypeAAAA), AAAA: net.IP(ip.AsSlice())}
			}
		} else {
			rr = cname(name, target)
		}
	default:
		return nil
	}

	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.Answer = []dns.RR{rr}

	return resp
}

func header(name string, qtype uint16) dns.RR_Header {
	return dns.RR_Header{Name: name, Rrtype: qtype, Class: dns.ClassINET, Ttl: rewriteTTL}
}

func cname(name, target string) dns.RR {
	return &dns.CNAME{Hdr: header(name, dns.TypeCNAME), Target: dns.Fqdn(target)}
}

// genNegative builds a negative response (NXDOMAIN rcode=3 or SERVFAIL
// rcode=2) preserving the request's transaction id, flag bits (other than
// the QR bit, which is set to mark a response, and the low 4 rcode bits),
// and question section, per §4.4.2.
func genNegative(req *dns.Msg, rcode int) *dns.Msg {
	resp := new(dns.Msg)
	resp.MsgHdr = req.MsgHdr
	resp.Response = true
	resp.Rcode = rcode
	resp.Question = req.Question

	return resp
}

func genNXDOMAIN(req *dns.Msg) *dns.Msg {
	return genNegative(req, dns.RcodeNameError)
}

func genSERVFAIL(req *dns.Msg) *dns.Msg {
	return genNegative(req, dns.RcodeServerFailure)
}
