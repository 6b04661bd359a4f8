// Package geoip resolves source addresses to ISO country codes from a
// local MaxMind database, with a bounded lookup cache in front.
package geoip

import (
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/maypok86/otter"
	"github.com/oschwald/maxminddb-golang"
)

// LookupFunc maps an IP to an ISO country code, "" when unknown.
// Injectable so tests run without an mmdb file.
type LookupFunc func(ip netip.Addr) string

// Resolver caches country lookups per source IP. Safe for concurrent
// use.
type Resolver struct {
	lookup LookupFunc
	reader *maxminddb.Reader
	cache  otter.Cache[string, string]
}

type countryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// NewResolver opens the MaxMind database at mmdbPath with a cache of at
// most cacheEntries IPs.
func NewResolver(mmdbPath string, cacheEntries int) (*Resolver, error) {
	reader, err := maxminddb.Open(mmdbPath)
	if err != nil {
		return nil, fmt.Errorf("geoip open %s: %w", mmdbPath, err)
	}

	lookup := func(ip netip.Addr) string {
		var rec countryRecord
		if err := reader.Lookup(net.IP(ip.AsSlice()), &rec); err != nil {
			return ""
		}
		return rec.Country.ISOCode
	}

	r, err := newWithLookup(lookup, cacheEntries)
	if err != nil {
		reader.Close()
		return nil, err
	}
	r.reader = reader
	return r, nil
}

// NewResolverWithLookup builds a Resolver over a custom lookup.
func NewResolverWithLookup(lookup LookupFunc, cacheEntries int) (*Resolver, error) {
	return newWithLookup(lookup, cacheEntries)
}

func newWithLookup(lookup LookupFunc, cacheEntries int) (*Resolver, error) {
	if cacheEntries <= 0 {
		cacheEntries = 4096
	}
	cache, err := otter.MustBuilder[string, string](cacheEntries).
		Cost(func(_ string, _ string) uint32 { return 1 }).
		Build()
	if err != nil {
		return nil, fmt.Errorf("geoip cache: %w", err)
	}
	return &Resolver{lookup: lookup, cache: cache}, nil
}

// Country returns the ISO country code for addr, which may carry a
// port ("1.2.3.4:1000", "[::1]:443") or be a bare IP. Returns "" for
// hostnames, unparseable input and unknown IPs.
func (r *Resolver) Country(addr string) string {
	if r == nil {
		return ""
	}
	host := stripPort(addr)
	if host == "" {
		return ""
	}

	if v, ok := r.cache.Get(host); ok {
		return v
	}

	ip, err := netip.ParseAddr(host)
	if err != nil {
		return ""
	}
	country := r.lookup(ip)
	r.cache.Set(host, country)
	return country
}

// Close releases the cache and the underlying database reader.
func (r *Resolver) Close() error {
	if r == nil {
		return nil
	}
	r.cache.Close()
	if r.reader != nil {
		return r.reader.Close()
	}
	return nil
}

func stripPort(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return strings.Trim(addr, "[]")
}
