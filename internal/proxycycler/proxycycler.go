// Package proxycycler is the ProxyCycler (spec §4.E): round-robin selection
// over the cartesian product of one configured host and its many ports.
package proxycycler

import (
	"sync"

	"spectra/internal/gateway"
)

// Cycler cycles through {host, user, pass} x ports, returning one
// gateway.ProxyConfig per call. A Cycler configured with no ports returns
// ok=false from Next, meaning "no proxy configured" (spec §4.E).
type Cycler struct {
	mu    sync.Mutex
	typ   string
	host  string
	user  string
	pass  string
	ports []int
	next  int
}

// New builds a Cycler. typ is one of "socks5", "socks4", "http". An empty
// ports slice means the cycler is disabled; Next will always report
// ok=false.
func New(typ, host, user, pass string, ports []int) *Cycler {
	cloned := make([]int, len(ports))
	copy(cloned, ports)
	return &Cycler{typ: typ, host: host, user: user, pass: pass, ports: cloned}
}

// Next returns the next proxy endpoint in the cycle, or ok=false if the
// cycler has no configured ports.
func (c *Cycler) Next() (cfg gateway.ProxyConfig, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.ports) == 0 {
		return gateway.ProxyConfig{}, false
	}

	port := c.ports[c.next%len(c.ports)]
	c.next++

	return gateway.ProxyConfig{
		Enabled: true,
		Type:    c.typ,
		Host:    c.host,
		Port:    port,
		User:    c.user,
		Pass:    c.pass,
	}, true
}

// Len reports how many ports are in the cycle.
func (c *Cycler) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ports)
}
