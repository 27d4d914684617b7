// Package scope decides which URLs belong to the site being archived.
package scope

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// Config lists the scope rules.
type Config struct {
	Seeds          []string
	AllowedDomains []string
	PathPrefixes   []string
	BlockedDomains []string
}

// Checker validates URLs against the registrable domains of the seeds plus
// any allowed domains, an optional path-prefix allow-list, and a blocklist.
type Checker struct {
	domains  map[string]struct{}
	prefixes []string
	blocked  *blocklist
}

// New builds a Checker. Seeds must be absolute http(s) URLs.
func New(cfg Config) (*Checker, error) {
	c := &Checker{
		domains: make(map[string]struct{}),
		blocked: newBlocklist(cfg.BlockedDomains),
	}
	for _, seed := range cfg.Seeds {
		u, err := url.Parse(seed)
		if err != nil || u.Hostname() == "" {
			return nil, fmt.Errorf("scope seed %q: invalid url", seed)
		}
		c.domains[RegistrableDomain(u.Hostname())] = struct{}{}
	}
	for _, domain := range cfg.AllowedDomains {
		domain = strings.TrimSpace(strings.ToLower(domain))
		if domain != "" {
			c.domains[RegistrableDomain(domain)] = struct{}{}
		}
	}
	for _, prefix := range cfg.PathPrefixes {
		prefix = strings.TrimSpace(prefix)
		if prefix != "" {
			c.prefixes = append(c.prefixes, prefix)
		}
	}
	return c, nil
}

// OnSite reports whether rawURL is http(s), shares a registrable domain with
// the seeds, and is not blocked.
func (c *Checker) OnSite(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" || c.blocked.blocked(host) {
		return false
	}
	_, ok := c.domains[RegistrableDomain(host)]
	return ok
}

// InScope reports whether rawURL is on-site and matches the path allow-list.
func (c *Checker) InScope(rawURL string) bool {
	if !c.OnSite(rawURL) {
		return false
	}
	if len(c.prefixes) == 0 {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	for _, prefix := range c.prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// RegistrableDomain returns the eTLD+1 of host. IP addresses, single-label
// hosts, and public suffixes themselves are returned unchanged.
func RegistrableDomain(host string) string {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if net.ParseIP(host) != nil || !strings.Contains(host, ".") {
		return host
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return domain
}
