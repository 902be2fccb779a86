package protocol

import (
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"time"
)

const (
	// Infinity is the RIP metric meaning unreachable.
	Infinity = 16

	// RouteTimeout retires learned routes that have not been refreshed.
	RouteTimeout = 30 * time.Second
)

// RouteEntry is one row of the forwarding table. Destination is always
// stored pre-masked (destination & mask == destination). Direct entries
// carry metric 0, a zero gateway, and never expire.
type RouteEntry struct {
	Destination netip.Addr
	Mask        netip.Addr
	Gateway     netip.Addr
	Iface       *Interface
	Metric      int
	LastUpdated time.Time
	Direct      bool
}

func (e *RouteEntry) touch() {
	e.LastUpdated = time.Now()
}

func (e *RouteEntry) set(gateway netip.Addr, iface *Interface, metric int, direct bool) {
	e.Gateway = gateway
	e.Iface = iface
	e.Metric = metric
	e.Direct = direct
	e.touch()
}

// RouteTable holds the routes under a single-writer discipline. Lookups
// return an entry snapshot so readers never observe a torn update.
type RouteTable struct {
	mu      sync.RWMutex
	entries []*RouteEntry
}

func NewRouteTable() *RouteTable {
	return &RouteTable{}
}

// Lookup returns the longest-prefix match for ip: among entries where
// (ip & mask) == destination, the one maximizing popcount(mask).
func (t *RouteTable) Lookup(ip netip.Addr) (RouteEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var best *RouteEntry
	bestLen := -1
	for _, e := range t.entries {
		if ApplyMask(ip, e.Mask) != e.Destination {
			continue
		}
		if maskLen := MaskBits(e.Mask); maskLen > bestLen {
			best = e
			bestLen = maskLen
		}
	}
	if best == nil {
		return RouteEntry{}, false
	}
	return *best, true
}

// Insert adds or updates the entry keyed by (destination, mask). An existing
// entry is rewritten when gateway, interface, metric or the direct flag
// differ; otherwise only its timestamp refreshes. Reports whether the table
// changed.
func (t *RouteTable) Insert(destination, mask, gateway netip.Addr, iface *Interface, metric int, direct bool) bool {
	destination = ApplyMask(destination, mask)
	if metric > Infinity {
		metric = Infinity
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		if e.Destination != destination || e.Mask != mask {
			continue
		}
		if e.Gateway != gateway || e.Iface != iface || e.Metric != metric || e.Direct != direct {
			e.set(gateway, iface, metric, direct)
			return true
		}
		e.touch()
		return false
	}
	entry := &RouteEntry{
		Destination: destination,
		Mask:        mask,
		Gateway:     gateway,
		Iface:       iface,
		Metric:      metric,
		Direct:      direct,
	}
	entry.touch()
	t.entries = append(t.entries, entry)
	return true
}

// UpdateFromAdvert applies a distance-vector update whose metric has already
// been incremented and clamped. A strictly lower metric replaces the entry;
// an equal metric only refreshes the timestamp; a higher metric is accepted
// only from the incumbent gateway (the topology got worse). Reports whether
// the table changed.
func (t *RouteTable) UpdateFromAdvert(destination, mask, gateway netip.Addr, iface *Interface, metric int) bool {
	destination = ApplyMask(destination, mask)

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		if e.Destination != destination || e.Mask != mask {
			continue
		}
		if e.Direct {
			return false
		}
		switch {
		case metric < e.Metric:
			e.set(gateway, iface, metric, false)
			return true
		case metric == e.Metric:
			e.touch()
			return false
		case e.Gateway == gateway:
			e.set(gateway, iface, metric, false)
			return true
		default:
			return false
		}
	}
	entry := &RouteEntry{
		Destination: destination,
		Mask:        mask,
		Gateway:     gateway,
		Iface:       iface,
		Metric:      metric,
	}
	entry.touch()
	t.entries = append(t.entries, entry)
	return true
}

// MarkUnreachable pins the matching non-direct entry's metric at Infinity
// and refreshes its timestamp; the expiry sweeper retires it later.
func (t *RouteTable) MarkUnreachable(destination, mask, gateway netip.Addr) bool {
	destination = ApplyMask(destination, mask)

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		if e.Destination != destination || e.Mask != mask || e.Direct {
			continue
		}
		if e.Gateway != gateway {
			continue
		}
		if e.Metric != Infinity {
			e.Metric = Infinity
			e.touch()
			return true
		}
		e.touch()
		return false
	}
	return false
}

// Expire removes non-direct entries not refreshed within timeout. Direct
// entries are immune. Returns the number removed.
func (t *RouteTable) Expire(timeout time.Duration) int {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.entries[:0]
	removed := 0
	for _, e := range t.entries {
		if !e.Direct && now.Sub(e.LastUpdated) > timeout {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	t.entries = kept
	return removed
}

// ExportRIP snapshots the table as advertisement tuples.
func (t *RouteTable) ExportRIP() []RIPEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]RIPEntry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, RIPEntry{
			Family:  addressFamilyInet,
			Address: ConvertAddrToUint32(e.Destination),
			Mask:    ConvertAddrToUint32(e.Mask),
			NextHop: ConvertAddrToUint32(e.Gateway),
			Metric:  uint32(e.Metric),
		})
	}
	return out
}

// Entries returns a snapshot of the table.
func (t *RouteTable) Entries() []RouteEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]RouteEntry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	return out
}

func (t *RouteTable) String() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var sb strings.Builder
	for _, e := range t.entries {
		ifaceName := "-"
		if e.Iface != nil {
			ifaceName = e.Iface.Name
		}
		gateway := formatAddr(e.Gateway)
		suffix := ""
		if e.Direct {
			suffix = " (direct)"
		}
		fmt.Fprintf(&sb, "%s/%d via %s dev %s metric %d%s\n",
			e.Destination, MaskBits(e.Mask), gateway, ifaceName, e.Metric, suffix)
	}
	return sb.String()
}
