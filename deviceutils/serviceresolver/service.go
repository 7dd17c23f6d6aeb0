// Package serviceresolver locates provisioning service endpoints through
// DNS SRV records.
package serviceresolver

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/miekg/dns"
)

// DefaultResolverAddr is the systemd-resolved stub listener, the resolver
// available on most fleet hosts.
const DefaultResolverAddr = "127.0.0.53:53"

// HostPort is one resolved service endpoint.
type HostPort struct {
	Host string
	Port uint16
}

// String renders the endpoint as host:port for dialing.
func (hp HostPort) String() string {
	return net.JoinHostPort(hp.Host, strconv.Itoa(int(hp.Port)))
}

// Resolver looks up service endpoints against a single DNS server.
type Resolver struct {
	// ServerAddr is the DNS server to query, host:port. Empty means
	// DefaultResolverAddr.
	ServerAddr string
}

// ResolveService resolves a service name to endpoints through its SRV
// records. Targets that are not literal IP addresses are followed up with
// A lookups, one endpoint per address; targets that fail to resolve are
// skipped.
func (r *Resolver) ResolveService(name string) ([]HostPort, error) {
	records, err := r.querySRV(dns.Fqdn(name))
	if err != nil {
		return nil, err
	}

	endpoints := make([]HostPort, 0, len(records))
	for _, srv := range records {
		target := strings.TrimSuffix(srv.Target, ".")
		if ip := net.ParseIP(target); ip != nil {
			endpoints = append(endpoints, HostPort{Host: target, Port: srv.Port})
			continue
		}

		addrs, err := r.queryA(srv.Target)
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			endpoints = append(endpoints, HostPort{Host: addr, Port: srv.Port})
		}
	}

	if len(endpoints) == 0 {
		return nil, fmt.Errorf("no endpoints resolved for %s", name)
	}
	return endpoints, nil
}

func (r *Resolver) resolverAddr() string {
	if r.ServerAddr != "" {
		return r.ServerAddr
	}
	return DefaultResolverAddr
}

func (r *Resolver) querySRV(name string) ([]*dns.SRV, error) {
	m := new(dns.Msg)
	m.SetQuestion(name, dns.TypeSRV)
	m.RecursionDesired = true

	c := new(dns.Client)
	in, _, err := c.Exchange(m, r.resolverAddr())
	if err != nil {
		return nil, fmt.Errorf("SRV lookup for %s: %w", name, err)
	}

	records := make([]*dns.SRV, 0, len(in.Answer))
	for _, answer := range in.Answer {
		if srv, ok := answer.(*dns.SRV); ok {
			records = append(records, srv)
		}
	}
	return records, nil
}

func (r *Resolver) queryA(name string) ([]string, error) {
	m := new(dns.Msg)
	m.SetQuestion(name, dns.TypeA)
	m.RecursionDesired = true

	c := new(dns.Client)
	in, _, err := c.Exchange(m, r.resolverAddr())
	if err != nil {
		return nil, err
	}

	addrs := make([]string, 0, len(in.Answer))
	for _, answer := range in.Answer {
		if a, ok := answer.(*dns.A); ok {
			addrs = append(addrs, a.A.String())
		}
	}
	return addrs, nil
}
