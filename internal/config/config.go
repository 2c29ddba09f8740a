// Package config defines the tunnel's configuration surface and loads it
// from YAML.
//
// Grounded on gopkg.in/yaml.v3, used the same way by
// Psiphon-Labs/psiphon-tunnel-core and maskedeken/Matsuri for their own
// tunnel-facing configuration structs: plain exported fields with `yaml`
// tags, loaded with yaml.Unmarshal, validated by hand afterward rather
// than via struct tags.
package config

import (
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/robin/gotun2socks/internal/session"
)

// Config is the full set of tunable parameters an embedder supplies to the
// tunnel controller at Init time.
type Config struct {
	// TUNFd is the already-open TUN device's file descriptor, adopted as-is:
	// opening/configuring the device is the embedder's job.
	TUNFd int `yaml:"tun_fd"`
	// MTU bounds a single TUN read/write and the embedded stack's link MTU.
	MTU int `yaml:"mtu"`

	// SocksAddress is the upstream SOCKS5 proxy's address, host:port.
	SocksAddress string `yaml:"socks_address"`
	// SocksUsername/SocksPassword, if both non-empty, select RFC 1929
	// username/password SOCKS5 authentication instead of the anonymous
	// method; either left empty keeps the anonymous method.
	SocksUsername string `yaml:"socks_username"`
	SocksPassword string `yaml:"socks_password"`

	// IPv4Address/IPv6Address are the addresses the embedded stack answers
	// to on its sole network interface.
	IPv4Address string `yaml:"ipv4_address"`
	IPv6Address string `yaml:"ipv6_address"`

	// DNSServers lists the upstream resolver addresses whose queries get
	// intercepted for mapped-DNS synthesis rather than forwarded untouched.
	DNSServers []string `yaml:"dns_servers"`
	// MappedDNSNetwork is the CIDR range synthesized addresses are drawn
	// from (e.g. 198.18.0.0/15).
	MappedDNSNetwork string `yaml:"mapped_dns_network"`
	// MappedDNSTTL bounds how long a hostname<->address mapping survives
	// without being re-resolved.
	MappedDNSTTL time.Duration `yaml:"mapped_dns_ttl"`
	// MappedDNSCacheSize bounds the number of cached real upstream DNS
	// answers kept at once (evicting the least-recently-stored one once
	// full); 0 means unbounded.
	MappedDNSCacheSize int `yaml:"mapped_dns_cache_size"`

	// UDPMode selects how a UDP Session relays its flow to the SOCKS5
	// proxy: "udp" (the default) issues a UDP ASSOCIATE, "tcp" encapsulates
	// datagrams as length-prefixed frames over a single CONNECT connection
	// for proxies or paths that can't carry arbitrary UDP.
	UDPMode string `yaml:"udp_mode"`

	// SessionMaxCount bounds the Session Index; 0 means unbounded.
	SessionMaxCount int `yaml:"session_max_count"`
	// ThreadPoolWorkers sizes the Thread Pool; 0 auto-sizes from CPU count.
	ThreadPoolWorkers int `yaml:"thread_pool_workers"`

	// LogLevel is a logrus level name ("debug", "info", "warn", ...).
	LogLevel string `yaml:"log_level"`

	// MultiQueue is accepted for compatibility with older config files
	// that configured a fixed reader/writer count directly; the engine
	// now always auto-sizes from CPU count (internal/tunio), so this has
	// no effect beyond a one-time warning.
	MultiQueue *int `yaml:"multi_queue"`
}

// Default returns a Config populated with sane defaults; sizing constants
// that aren't user-facing knobs live as package constants elsewhere.
func Default() Config {
	return Config{
		MTU:              1500,
		MappedDNSNetwork: "198.18.0.0/15",
		MappedDNSTTL:     time.Hour,
		SessionMaxCount:  0,
		LogLevel:         "info",
	}
}

// Load parses YAML configuration data into a Config seeded with Default.
func Load(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	if cfg.MultiQueue != nil {
		logrus.Warn("config: multi_queue is deprecated and ignored, the tun i/o engine auto-sizes itself")
	}
	return cfg, nil
}

// Validate checks field values the yaml decoder cannot enforce itself.
func (c Config) Validate() error {
	if c.TUNFd < 0 {
		return fmt.Errorf("config: tun_fd must be >= 0")
	}
	if c.MTU <= 0 {
		return fmt.Errorf("config: mtu must be > 0")
	}
	if c.SocksAddress == "" {
		return fmt.Errorf("config: socks_address is required")
	}
	if _, err := net.ResolveTCPAddr("tcp", c.SocksAddress); err != nil {
		return fmt.Errorf("config: invalid socks_address %q: %w", c.SocksAddress, err)
	}
	if c.MappedDNSNetwork != "" {
		if _, _, err := net.ParseCIDR(c.MappedDNSNetwork); err != nil {
			return fmt.Errorf("config: invalid mapped_dns_network %q: %w", c.MappedDNSNetwork, err)
		}
	}
	switch c.UDPMode {
	case "", session.UDPModeAssociate, session.UDPModeTCP:
	default:
		return fmt.Errorf("config: udp_mode must be %q or %q, got %q", session.UDPModeAssociate, session.UDPModeTCP, c.UDPMode)
	}
	return nil
}
