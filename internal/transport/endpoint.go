package transport

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultScheme is used when an address carries no scheme
const DefaultScheme = "tcp"

// Endpoint is one bindable network address and port pair,
// formatted as scheme://host:port
type Endpoint struct {
	Scheme string
	Host   string
	Port   int
}

// NewEndpoint builds an endpoint from an address such as "tcp://127.0.0.1"
// (or a bare host) and a port. A host of "*" means all interfaces.
func NewEndpoint(address string, port int) (Endpoint, error) {
	if port <= 0 || port > 65535 {
		return Endpoint{}, fmt.Errorf("invalid port %d", port)
	}

	scheme := DefaultScheme
	host := strings.TrimSpace(address)
	if i := strings.Index(host, "://"); i >= 0 {
		scheme = host[:i]
		host = host[i+3:]
	}
	host = strings.TrimSuffix(host, "/")
	if host == "" {
		return Endpoint{}, fmt.Errorf("invalid address %q: missing host", address)
	}
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		return Endpoint{}, fmt.Errorf("invalid address %q: port must be given separately", address)
	}

	return Endpoint{Scheme: scheme, Host: host, Port: port}, nil
}

// Address returns scheme://host without the port
func (e Endpoint) Address() string {
	return e.Scheme + "://" + e.Host
}

// String returns scheme://host:port
func (e Endpoint) String() string {
	return fmt.Sprintf("%s://%s:%d", e.Scheme, e.Host, e.Port)
}

// BindHost returns the host to listen on
func (e Endpoint) BindHost() string {
	if e.Host == "*" {
		return "0.0.0.0"
	}
	return e.Host
}

// DialURL returns the URL a client uses to reach this endpoint.
// Wildcard hosts are dialed on loopback.
func (e Endpoint) DialURL() string {
	host := e.Host
	if host == "*" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return "nats://" + net.JoinHostPort(strings.Trim(host, "[]"), strconv.Itoa(e.Port))
}

// IsZero reports whether the endpoint is unset
func (e Endpoint) IsZero() bool {
	return e.Host == "" && e.Port == 0
}
