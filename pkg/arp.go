package protocol

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

const neighborTTL = 5 * time.Minute

// ArpCache resolves next-hop IPs to L2 addresses. The forwarding core only
// reads it. Entries loaded from the config file never expire; entries
// learned from RIP neighbors age out unless refreshed.
type ArpCache struct {
	cache *ttlcache.Cache[netip.Addr, MACAddr]
}

func NewArpCache() *ArpCache {
	cache := ttlcache.New[netip.Addr, MACAddr](
		ttlcache.WithTTL[netip.Addr, MACAddr](neighborTTL),
		ttlcache.WithDisableTouchOnHit[netip.Addr, MACAddr](),
	)
	go cache.Start()
	return &ArpCache{cache: cache}
}

// Static installs a permanent entry.
func (a *ArpCache) Static(ip netip.Addr, mac MACAddr) {
	a.cache.Set(ip, mac, ttlcache.NoTTL)
}

// Learn installs or refreshes an aging entry.
func (a *ArpCache) Learn(ip netip.Addr, mac MACAddr) {
	if item := a.cache.Get(ip); item != nil && item.TTL() == ttlcache.NoTTL {
		// static entries are authoritative
		return
	}
	a.cache.Set(ip, mac, ttlcache.DefaultTTL)
}

func (a *ArpCache) Lookup(ip netip.Addr) (MACAddr, bool) {
	item := a.cache.Get(ip)
	if item == nil {
		return MACAddr{}, false
	}
	return item.Value(), true
}

func (a *ArpCache) Stop() {
	a.cache.Stop()
}

func (a *ArpCache) String() string {
	var sb strings.Builder
	for _, item := range a.cache.Items() {
		fmt.Fprintf(&sb, "%s -> %s\n", item.Key(), item.Value())
	}
	return sb.String()
}
