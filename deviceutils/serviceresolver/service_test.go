package serviceresolver

import (
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startTestDNS runs a local DNS server answering from the given records
// and returns its address.
func startTestDNS(t *testing.T, records []dns.RR) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &dns.Server{
		PacketConn: pc,
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
			m := new(dns.Msg)
			m.SetReply(req)
			q := req.Question[0]
			for _, rr := range records {
				hdr := rr.Header()
				if hdr.Name == q.Name && hdr.Rrtype == q.Qtype {
					m.Answer = append(m.Answer, rr)
				}
			}
			_ = w.WriteMsg(m)
		}),
	}
	go func() { _ = srv.ActivateAndServe() }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	return pc.LocalAddr().String()
}

func srvRecord(name, target string, port uint16) *dns.SRV {
	return &dns.SRV{
		Hdr:      dns.RR_Header{Name: name, Rrtype: dns.TypeSRV, Class: dns.ClassINET, Ttl: 60},
		Priority: 10,
		Weight:   10,
		Port:     port,
		Target:   target,
	}
}

func aRecord(name string, ip net.IP) *dns.A {
	return &dns.A{
		Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
		A:   ip,
	}
}

func TestResolveService(t *testing.T) {
	addr := startTestDNS(t, []dns.RR{
		srvRecord("provisioning.fleet.example.", "node1.fleet.example.", 8080),
		srvRecord("provisioning.fleet.example.", "node2.fleet.example.", 8081),
		aRecord("node1.fleet.example.", net.IPv4(192, 0, 2, 10)),
		aRecord("node2.fleet.example.", net.IPv4(192, 0, 2, 11)),
		aRecord("node2.fleet.example.", net.IPv4(192, 0, 2, 12)),
	})

	r := &Resolver{ServerAddr: addr}
	endpoints, err := r.ResolveService("provisioning.fleet.example")
	require.NoError(t, err)

	assert.ElementsMatch(t, []HostPort{
		{Host: "192.0.2.10", Port: 8080},
		{Host: "192.0.2.11", Port: 8081},
		{Host: "192.0.2.12", Port: 8081},
	}, endpoints)
}

func TestResolveServiceLiteralTarget(t *testing.T) {
	addr := startTestDNS(t, []dns.RR{
		srvRecord("provisioning.fleet.example.", "192.0.2.20.", 9000),
	})

	r := &Resolver{ServerAddr: addr}
	endpoints, err := r.ResolveService("provisioning.fleet.example")
	require.NoError(t, err)
	require.Len(t, endpoints, 1)
	assert.Equal(t, "192.0.2.20:9000", endpoints[0].String())
}

func TestResolveServiceSkipsUnresolvableTargets(t *testing.T) {
	addr := startTestDNS(t, []dns.RR{
		srvRecord("provisioning.fleet.example.", "ghost.fleet.example.", 8080),
		srvRecord("provisioning.fleet.example.", "node1.fleet.example.", 8080),
		aRecord("node1.fleet.example.", net.IPv4(192, 0, 2, 10)),
	})

	r := &Resolver{ServerAddr: addr}
	endpoints, err := r.ResolveService("provisioning.fleet.example")
	require.NoError(t, err)
	assert.Equal(t, []HostPort{{Host: "192.0.2.10", Port: 8080}}, endpoints)
}

func TestResolveServiceNoRecords(t *testing.T) {
	addr := startTestDNS(t, nil)

	r := &Resolver{ServerAddr: addr}
	_, err := r.ResolveService("missing.fleet.example")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no endpoints resolved")
}
