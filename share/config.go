package tnshare

import (
	"fmt"
	"net"
	"strconv"
)

// Endpoint parsing below is adapted from the teacher's ParseHostPort/
// PortNumber helpers (formerly share/endpoint_descriptor.go), generalized
// to the plain "host:port" pairs used throughout config records and the
// OpenSession/OpenConnection wire messages, instead of the teacher's
// richer multi-scheme endpoint syntax (tcp/unix/stdio/socks).

// ParseHostPort splits "host:port" into host and a validated 16-bit port.
// host may be empty (meaning "all interfaces") when addr starts with ":".
func ParseHostPort(addr string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, Errf(ErrKindConfiguration, "invalid host:port %q: %s", addr, err)
	}
	port, err := PortNumber(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}

// PortNumber validates a decimal TCP port string.
func PortNumber(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, Errf(ErrKindConfiguration, "invalid port %q: %s", s, err)
	}
	if n == 0 {
		return 0, Errf(ErrKindConfiguration, "port must be nonzero")
	}
	return uint16(n), nil
}

// ListenerConfig is one gateway-facing address to accept role connections
// on, optionally TLS-terminated.
type ListenerConfig struct {
	IP      string // empty = all interfaces
	Port    uint16
	TLSCert string // path to PEM certificate; empty disables TLS
	TLSKey  string // path to the certificate's PEM private key
}

func (l ListenerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.IP, l.Port)
}

// GatewayConfig configures the rendezvous role (spec §4.E, §6).
type GatewayConfig struct {
	Listeners   []ListenerConfig
	SessionFile string // JSON file of {id, client_password, server_password}, hot-reloaded
	LogLevel    LogLevel
}

// ClientConfig configures a proxy-client, which dials the gateway and
// serves OpenConnection requests against local targets.
type ClientConfig struct {
	GatewayHost string
	GatewayPort uint16
	UseTLS      bool
	SessionID   uint32
	Password    string
	Allowlist   []string // "host:port" entries; empty = allow all
	LogLevel    LogLevel
}

func (c ClientConfig) GatewayAddr() string {
	return fmt.Sprintf("%s:%d", c.GatewayHost, c.GatewayPort)
}

// BindingConfig is one proxy-server listener mapped to a remote target to
// be reached through the tunnel.
type BindingConfig struct {
	ListenIP   string
	ListenPort uint16
	TargetHost string
	TargetPort uint16
}

func (b BindingConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", b.ListenIP, b.ListenPort)
}

// ServerConfig configures a proxy-server, which dials the gateway and
// advertises local listeners whose accepted connections are proxied
// through the partner proxy-client.
type ServerConfig struct {
	GatewayHost string
	GatewayPort uint16
	UseTLS      bool
	SessionID   uint32
	Password    string
	Bindings    []BindingConfig
	LogLevel    LogLevel
}

func (c ServerConfig) GatewayAddr() string {
	return fmt.Sprintf("%s:%d", c.GatewayHost, c.GatewayPort)
}

func (c ServerConfig) OpenSessionListeners() []Endpoint {
	eps := make([]Endpoint, len(c.Bindings))
	for i, b := range c.Bindings {
		eps[i] = Endpoint{Host: b.TargetHost, Port: b.TargetPort}
	}
	return eps
}
