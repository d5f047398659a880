// Package simple decides which hosts a scrape may download documents from.
package simple

import (
	"net/url"
	"strings"
)

// Policy allows fetches to a fixed set of hosts. A nil or empty Policy
// allows everything.
type Policy struct {
	hosts map[string]bool
}

// New allows the host of baseURL plus any extra hosts. Hosts are compared
// without a leading "www.".
func New(baseURL string, extra ...string) *Policy {
	p := &Policy{hosts: map[string]bool{}}
	if h := hostOf(baseURL); h != "" {
		p.hosts[h] = true
	}
	for _, e := range extra {
		if h := hostOf(e); h != "" {
			p.hosts[h] = true
		}
	}
	return p
}

// AllowFetch reports whether rawURL points at an allowed host.
func (p *Policy) AllowFetch(rawURL string) bool {
	if p == nil || len(p.hosts) == 0 {
		return true
	}
	return p.hosts[hostOf(rawURL)]
}

func hostOf(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "//" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}
