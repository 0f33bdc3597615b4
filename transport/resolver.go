package transport

import (
	"fmt"
	"math/rand"
	"net"
	"sort"

	"github.com/miekg/dns"
)

// MXRecord is one entry of an MX lookup, grouped for the preference-tiered connect order.
type MXRecord struct {
	Preference uint16
	Host       string
}

// Resolver performs MX/A/AAAA lookups using a full DNS client rather than the standard library's
// resolver, so the transport can control EDNS0 buffer size and resolver selection.
type Resolver struct {
	Client *dns.Client
	Config *dns.ClientConfig
}

// NewResolver builds a Resolver from /etc/resolv.conf, or from the given server hosts if any are
// supplied. Every supplied server is queried on port 53; a host:port pair is not accepted.
func NewResolver(servers ...string) (*Resolver, error) {
	var cfg *dns.ClientConfig
	if len(servers) > 0 {
		cfg = &dns.ClientConfig{Servers: servers, Port: "53"}
	} else {
		var err error
		cfg, err = dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil {
			return nil, fmt.Errorf("transport: reading resolver config: %w", err)
		}
	}
	return &Resolver{Client: new(dns.Client), Config: cfg}, nil
}

func (r *Resolver) exchange(name string, qtype uint16) (*dns.Msg, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.SetEdns0(4096, false)
	var lastErr error
	for _, server := range r.Config.Servers {
		addr := net.JoinHostPort(server, r.Config.Port)
		resp, _, err := r.Client.Exchange(msg, addr)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Rcode != dns.RcodeSuccess && resp.Rcode != dns.RcodeNameError {
			lastErr = fmt.Errorf("transport: dns server %s returned rcode %d", addr, resp.Rcode)
			continue
		}
		return resp, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("transport: no DNS servers configured")
	}
	return nil, lastErr
}

// LookupMX returns the MX records for host, unsorted.
func (r *Resolver) LookupMX(host string) ([]MXRecord, error) {
	resp, err := r.exchange(host, dns.TypeMX)
	if err != nil {
		return nil, err
	}
	var out []MXRecord
	for _, rr := range resp.Answer {
		if mx, ok := rr.(*dns.MX); ok {
			out = append(out, MXRecord{Preference: mx.Preference, Host: mx.Mx})
		}
	}
	return out, nil
}

// LookupIPs returns the A and AAAA addresses for host, in DNS-returned order (A records first).
func (r *Resolver) LookupIPs(host string) ([]net.IP, error) {
	var out []net.IP
	respA, err := r.exchange(host, dns.TypeA)
	if err == nil {
		for _, rr := range respA.Answer {
			if a, ok := rr.(*dns.A); ok {
				out = append(out, a.A)
			}
		}
	}
	respAAAA, errAAAA := r.exchange(host, dns.TypeAAAA)
	if errAAAA == nil {
		for _, rr := range respAAAA.Answer {
			if aaaa, ok := rr.(*dns.AAAA); ok {
				out = append(out, aaaa.AAAA)
			}
		}
	}
	if len(out) == 0 && err != nil {
		return nil, err
	}
	return out, nil
}

// connectOrder groups MX records by ascending preference and uniformly shuffles within each
// tier, matching the spec's "prioritized, randomized-within-tier" connect order. When mxes is
// empty the caller falls back to A/AAAA of the host itself.
func connectOrder(mxes []MXRecord, rng *rand.Rand) []string {
	byPref := map[uint16][]string{}
	var prefs []uint16
	for _, mx := range mxes {
		if _, seen := byPref[mx.Preference]; !seen {
			prefs = append(prefs, mx.Preference)
		}
		byPref[mx.Preference] = append(byPref[mx.Preference], mx.Host)
	}
	sort.Slice(prefs, func(i, j int) bool { return prefs[i] < prefs[j] })
	var order []string
	for _, p := range prefs {
		hosts := byPref[p]
		rng.Shuffle(len(hosts), func(i, j int) { hosts[i], hosts[j] = hosts[j], hosts[i] })
		order = append(order, hosts...)
	}
	return order
}
