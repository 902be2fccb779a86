package protocol

import (
	"log/slog"
	"net/netip"
	"time"

	ipv4header "github.com/brown-csci1680/iptcp-headers"
	"github.com/google/netstack/tcpip/header"
)

const (
	ripPeriod      = 10 * time.Second // unsolicited response interval
	ripExpirySweep = time.Second      // expiry sweep interval
	ripTTL         = 64
)

// StartRIP runs the distance-vector control plane: it seeds direct routes
// for every interface, requests tables from all neighbors, and starts the
// periodic advertisement and expiry timers. Only called when no static
// route table was provided.
func (router *Router) StartRIP() {
	for _, iface := range router.Interfaces {
		mask := iface.Mask()
		subnet := ApplyMask(iface.IP, mask)
		router.Table.Insert(subnet, mask, Uint32ToAddr(0), iface, 0, true)
		slog.Info("seeded direct route", "subnet", subnet, "iface", iface.Name)
	}

	for _, iface := range router.Interfaces {
		router.sendRIPRequest(iface)
	}

	router.wg.Add(1)
	go router.ripLoop()
}

func (router *Router) ripLoop() {
	defer router.wg.Done()
	advertise := time.NewTicker(ripPeriod)
	expire := time.NewTicker(ripExpirySweep)
	defer advertise.Stop()
	defer expire.Stop()
	for {
		select {
		case <-advertise.C:
			for _, iface := range router.Interfaces {
				router.sendRIPResponse(iface, RipMulticastIP, BroadcastMAC)
			}
		case <-expire.C:
			if removed := router.Table.Expire(RouteTimeout); removed > 0 {
				slog.Info("expired stale routes", "count", removed)
			}
		case <-router.stop:
			return
		}
	}
}

// handleRIP processes one RIP datagram arriving on inIface. Datagrams whose
// source IP matches a local interface are suppressed self-reception.
func (router *Router) handleRIP(frame *EthernetFrame, hdr *ipv4header.IPv4Header, payload []byte, inIface *Interface) {
	for _, iface := range router.Interfaces {
		if hdr.Src == iface.IP {
			return
		}
	}

	ripPacket, err := UnmarshalRIP(payload)
	if err != nil {
		slog.Debug("dropping malformed rip packet", "err", err)
		return
	}

	// remember the neighbor's L2 address
	router.Arp.Learn(hdr.Src, frame.Src)

	switch ripPacket.Command {
	case CommandRequest:
		// reply unicast to the requester on the ingress interface
		router.sendRIPResponse(inIface, hdr.Src, frame.Src)
	case CommandResponse:
		router.processResponse(ripPacket, hdr.Src, inIface)
	}
}

// processResponse folds a neighbor's advertisement into the table with the
// +1 hop update; any change triggers an immediate response on the ingress
// interface to accelerate convergence.
func (router *Router) processResponse(ripPacket *RIPPacket, sender netip.Addr, inIface *Interface) {
	changed := false
	for _, entry := range ripPacket.Entries {
		prefix := Uint32ToAddr(entry.Address)
		mask := Uint32ToAddr(entry.Mask)
		destination := ApplyMask(prefix, mask)

		metric := int(entry.Metric) + 1
		if metric >= Infinity {
			if router.Table.MarkUnreachable(destination, mask, sender) {
				changed = true
			}
			continue
		}
		if router.Table.UpdateFromAdvert(destination, mask, sender, inIface, metric) {
			changed = true
		}
	}

	if changed {
		router.sendRIPResponse(inIface, RipMulticastIP, BroadcastMAC)
	}
}

func (router *Router) sendRIPRequest(iface *Interface) {
	request := &RIPPacket{Command: CommandRequest, Version: ripVersion}
	if err := router.sendRIP(iface, request, RipMulticastIP, BroadcastMAC); err != nil {
		slog.Warn("rip request failed", "iface", iface.Name, "err", err)
	}
}

// sendRIPResponse advertises the full exported table on iface, chunked at
// the RIP entry-per-packet limit.
func (router *Router) sendRIPResponse(iface *Interface, dstIP netip.Addr, dstMAC MACAddr) {
	entries := router.Table.ExportRIP()
	for start := 0; start < len(entries) || start == 0; start += maxEntriesPerReply {
		end := start + maxEntriesPerReply
		if end > len(entries) {
			end = len(entries)
		}
		response := &RIPPacket{
			Command: CommandResponse,
			Version: ripVersion,
			Entries: entries[start:end],
		}
		if err := router.sendRIP(iface, response, dstIP, dstMAC); err != nil {
			slog.Warn("rip response failed", "iface", iface.Name, "err", err)
			return
		}
		if end == len(entries) {
			break
		}
	}
}

// sendRIP wraps a RIP packet in UDP/IPv4 and emits it on iface.
func (router *Router) sendRIP(iface *Interface, ripPacket *RIPPacket, dstIP netip.Addr, dstMAC MACAddr) error {
	ripBytes, err := MarshalRIP(ripPacket)
	if err != nil {
		return err
	}
	udp := header.UDP(make([]byte, header.UDPMinimumSize+len(ripBytes)))
	udp.Encode(&header.UDPFields{
		SrcPort: RipPort,
		DstPort: RipPort,
		Length:  uint16(len(udp)),
	})
	copy(udp[header.UDPMinimumSize:], ripBytes)

	return router.sendIPv4(iface, dstIP, dstMAC, int(header.UDPProtocolNumber), ripTTL, udp)
}
