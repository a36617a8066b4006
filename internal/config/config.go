// Package config is the typed startup configuration, loaded once from YAML
// and then overridden by environment variables, mirroring the style of
// AdGuardHome's ServerConfig/FilteringConfig tagged structs.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/robotnikz/sentinel-dns/internal/aghtime"
	"github.com/robotnikz/sentinel-dns/internal/dnsforward"
	"github.com/robotnikz/sentinel-dns/internal/policy"
)

// Config is the full process configuration.
type Config struct {
	Host    string          `yaml:"host"`
	Port    int             `yaml:"port"`
	Bind    dnsforward.BindMode `yaml:"bind"`
	Enabled bool            `yaml:"enable_dns"`

	UpstreamDNS      string   `yaml:"upstream_dns"`
	BootstrapDNS     string   `yaml:"bootstrap_dns"`
	DoHPreferIPv4    bool     `yaml:"doh_prefer_ipv4"`
	ShadowResolve    bool     `yaml:"shadow_resolve_blocked"`

	TimeoutUDP aghtime.Duration `yaml:"forward_udp_timeout"`
	TimeoutTCP aghtime.Duration `yaml:"forward_tcp_timeout"`
	TimeoutDoT aghtime.Duration `yaml:"forward_dot_timeout"`
	TimeoutDoH aghtime.Duration `yaml:"forward_doh_timeout"`

	PolicyFixture  string `yaml:"policy_fixture"`
	TelemetryDBPath string `yaml:"telemetry_db_path"`
	RetentionHours int    `yaml:"retention_hours"`
}

// Default returns the zero-config starting point before YAML/env are
// applied.
func Default() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            53,
		Bind:            dnsforward.BindIPv4,
		Enabled:         true,
		UpstreamDNS:     "9.9.9.9:53",
		TimeoutUDP:      aghtime.Duration{Duration: dnsforward.DefaultTimeouts().UDP},
		TimeoutTCP:      aghtime.Duration{Duration: dnsforward.DefaultTimeouts().TCP},
		TimeoutDoT:      aghtime.Duration{Duration: dnsforward.DefaultTimeouts().DoT},
		TimeoutDoH:      aghtime.Duration{Duration: dnsforward.DefaultTimeouts().DoH},
		PolicyFixture:   "policy.yaml",
		TelemetryDBPath: "telemetry.db",
		RetentionHours:  48,
	}
}

// Load reads path (if it exists) over the defaults, then applies
// environment overrides, per §6.6 and §10.3.
func Load(path string) (Config, error) {
	c := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &c); err != nil {
			return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	c.applyEnv()

	return c, nil
}

func (c *Config) applyEnv() {
	if v, ok := os.LookupEnv("HOST"); ok {
		c.Host = v
	}
	if v, ok := envInt("PORT"); ok {
		c.Port = v
	}
	if v, ok := os.LookupEnv("DNS_HOST"); ok {
		c.Host = v
	}
	if v, ok := envInt("DNS_PORT"); ok {
		c.Port = v
	}
	if v, ok := envBool("ENABLE_DNS"); ok {
		c.Enabled = v
	}
	if v, ok := os.LookupEnv("UPSTREAM_DNS"); ok {
		c.UpstreamDNS = v
	}
	if v, ok := os.LookupEnv("DNS_FORWARD_BOOTSTRAP_DNS"); ok {
		c.BootstrapDNS = v
	}
	if v, ok := envBool("DNS_FORWARD_DOH_PREFER_IPV4"); ok {
		c.DoHPreferIPv4 = v
	}
	if v, ok := envBool("SHADOW_RESOLVE_BLOCKED"); ok {
		c.ShadowResolve = v
	}

	applyTimeoutMsEnv("DNS_FORWARD_UDP_TIMEOUT_MS", &c.TimeoutUDP)
	applyTimeoutMsEnv("DNS_FORWARD_TCP_TIMEOUT_MS", &c.TimeoutTCP)
	applyTimeoutMsEnv("DNS_FORWARD_DOT_TIMEOUT_MS", &c.TimeoutDoT)
	applyTimeoutMsEnv("DNS_FORWARD_DOH_TIMEOUT_MS", &c.TimeoutDoH)
}

// minForwardTimeout is the floor every per-transport override is clamped to.
const minForwardTimeout = 250 * time.Millisecond

func applyTimeoutMsEnv(key string, dst *aghtime.Duration) {
	ms, ok := envInt(key)
	if !ok {
		return
	}

	d := time.Duration(ms) * time.Millisecond
	if d < minForwardTimeout {
		d = minForwardTimeout
	}

	dst.Duration = d
}

// BootstrapAddrs splits BootstrapDNS on commas/whitespace; non-IP-literal
// entries are the caller's problem to filter, per §6.2 ("non-literals are
// ignored").
func (c Config) BootstrapAddrs() []string {
	fields := strings.FieldsFunc(c.BootstrapDNS, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})

	return fields
}

// ParseUpstream interprets one of the {udp|tcp|dot, host, port} or
// {doh, url} forms of §6.2's upstream configuration from a single spec
// string: "udp://host:port", "tcp://host:port", "tls://host:port" (DoT),
// "https://host/path" (DoH), or a bare "host[:port]" (defaults to udp/53).
func ParseUpstream(spec string) (policy.UpstreamConfig, error) {
	switch {
	case strings.HasPrefix(spec, "https://"):
		return policy.UpstreamConfig{Kind: policy.UpstreamDoH, URL: spec}, nil
	case strings.HasPrefix(spec, "tls://"):
		host, port, err := splitHostPort(strings.TrimPrefix(spec, "tls://"), 853)
		return policy.UpstreamConfig{Kind: policy.UpstreamDoT, Host: host, Port: port}, err
	case strings.HasPrefix(spec, "tcp://"):
		host, port, err := splitHostPort(strings.TrimPrefix(spec, "tcp://"), 53)
		return policy.UpstreamConfig{Kind: policy.UpstreamTCP, Host: host, Port: port}, err
	case strings.HasPrefix(spec, "udp://"):
		host, port, err := splitHostPort(strings.TrimPrefix(spec, "udp://"), 53)
		return policy.UpstreamConfig{Kind: policy.UpstreamUDP, Host: host, Port: port}, err
	default:
		host, port, err := splitHostPort(spec, 53)
		return policy.UpstreamConfig{Kind: policy.UpstreamUDP, Host: host, Port: port}, err
	}
}

func splitHostPort(spec string, defaultPort uint16) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(spec)
	if err != nil {
		return spec, defaultPort, nil
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("config: bad port in %q: %w", spec, err)
	}

	return host, uint16(port), nil
}

func envInt(key string) (int, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}

	return n, true
}

func envBool(key string) (bool, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return false, false
	}

	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}

	return b, true
}
