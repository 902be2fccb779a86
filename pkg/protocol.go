package protocol

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	ipv4header "github.com/brown-csci1680/iptcp-headers"
	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"

	"vnet-pa/lnxconfig"
)

// Interface is one attachment point of the router. Frames travel to
// directly attached peers over the interface's UDP socket; Neighbors maps a
// peer's L2 address to the UDP endpoint of its end of the wire.
type Interface struct {
	Name      string
	IP        netip.Addr
	Prefix    netip.Prefix
	MAC       MACAddr
	Udp       netip.AddrPort
	Neighbors map[MACAddr]netip.AddrPort
	Conn      *net.UDPConn
}

// Mask is the interface's subnet mask.
func (i *Interface) Mask() netip.Addr {
	return MaskFromBits(i.Prefix.Bits())
}

// Router is the packet forwarding plane plus, in distance-vector mode, the
// RIP control plane that feeds its table.
type Router struct {
	RoutingMode lnxconfig.RoutingMode
	Interfaces  map[string]*Interface
	Table       *RouteTable
	Arp         *ArpCache

	// transmit emits a frame on an interface; swapped out in tests.
	transmit func(*Interface, *EthernetFrame) error

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Initialize populates the router from the injected configuration: it builds
// one interface per config entry, loads static ARP entries, and loads static
// routes when a static table is configured. Sockets are bound later by Run.
func (router *Router) Initialize(configInfo lnxconfig.IPConfig) error {
	router.RoutingMode = configInfo.RoutingMode
	router.Interfaces = make(map[string]*Interface)
	router.Table = NewRouteTable()
	router.Arp = NewArpCache()
	router.stop = make(chan struct{})
	if router.transmit == nil {
		router.transmit = sendFrameUDP
	}

	for _, lnxInterface := range configInfo.Interfaces {
		mac, err := ParseMAC(lnxInterface.MAC)
		if err != nil {
			return err
		}
		newInterface := &Interface{
			Name:      lnxInterface.Name,
			IP:        lnxInterface.AssignedPrefix.Addr(),
			Prefix:    lnxInterface.AssignedPrefix,
			MAC:       mac,
			Udp:       lnxInterface.UDPAddr,
			Neighbors: make(map[MACAddr]netip.AddrPort),
		}
		router.Interfaces[newInterface.Name] = newInterface
	}

	for _, neighbor := range configInfo.Neighbors {
		iface, exists := router.Interfaces[neighbor.InterfaceName]
		if !exists {
			return errors.Errorf("neighbor %s on unknown interface %q", neighbor.IP, neighbor.InterfaceName)
		}
		mac, err := ParseMAC(neighbor.MAC)
		if err != nil {
			return err
		}
		iface.Neighbors[mac] = neighbor.UDPAddr
		router.Arp.Static(neighbor.IP, mac)
	}

	for _, entry := range configInfo.ArpEntries {
		mac, err := ParseMAC(entry.MAC)
		if err != nil {
			return err
		}
		router.Arp.Static(entry.IP, mac)
	}

	if configInfo.RoutingMode == lnxconfig.RoutingStatic {
		for _, route := range configInfo.Routes {
			iface := router.Interfaces[route.InterfaceName]
			mask := MaskFromBits(route.Prefix.Bits())
			gateway := route.Gateway
			if !gateway.IsValid() {
				gateway = Uint32ToAddr(0)
			}
			direct := gateway == Uint32ToAddr(0)
			metric := 0
			if !direct {
				metric = 1
			}
			router.Table.Insert(route.Prefix.Addr(), mask, gateway, iface, metric, direct)
		}
	}
	return nil
}

// Run binds the per-interface sockets and starts one receive loop each.
func (router *Router) Run() error {
	for _, iface := range router.Interfaces {
		serverAddr, err := net.ResolveUDPAddr("udp4", iface.Udp.String())
		if err != nil {
			return errors.Wrapf(err, "resolve %s", iface.Udp)
		}
		conn, err := net.ListenUDP("udp4", serverAddr)
		if err != nil {
			return errors.Wrapf(err, "listen on %s", iface.Udp)
		}
		iface.Conn = conn

		router.wg.Add(1)
		go router.receiveLoop(iface)
	}
	if router.RoutingMode == lnxconfig.RoutingRIP {
		router.StartRIP()
	}
	return nil
}

func (router *Router) receiveLoop(iface *Interface) {
	defer router.wg.Done()
	buf := make([]byte, 65536)
	for {
		iface.Conn.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := iface.Conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				select {
				case <-router.stop:
					return
				default:
					continue
				}
			}
			select {
			case <-router.stop:
				return
			default:
				slog.Warn("receive failed", "iface", iface.Name, "err", err)
				continue
			}
		}
		frame, err := ParseEthernetFrame(buf[:n])
		if err != nil {
			continue
		}
		router.HandleFrame(frame, iface)
	}
}

// HandleFrame runs one ingress frame through the router: RIP datagrams go
// to the control plane, everything else through the forwarding pipeline.
func (router *Router) HandleFrame(frame *EthernetFrame, inIface *Interface) {
	if frame.EtherType != EtherTypeIPv4 {
		return
	}
	hdr, err := ipv4header.ParseHeader(frame.Payload)
	if err != nil {
		return
	}
	if hdr.Len < ipv4header.HeaderLen || hdr.TotalLen < hdr.Len || hdr.TotalLen > len(frame.Payload) {
		return
	}

	if router.RoutingMode == lnxconfig.RoutingRIP && hdr.Protocol == int(header.UDPProtocolNumber) {
		if hdr.TotalLen >= hdr.Len+header.UDPMinimumSize {
			udp := header.UDP(frame.Payload[hdr.Len:hdr.TotalLen])
			if udp.DestinationPort() == RipPort || udp.SourcePort() == RipPort {
				router.handleRIP(frame, hdr, udp.Payload(), inIface)
				return
			}
		}
	}

	router.forward(frame, hdr, inIface)
}

// forward is the per-datagram pipeline: checksum verify, TTL decrement,
// local-address filter, route lookup, next-hop resolution, L2 rewrite, send.
func (router *Router) forward(frame *EthernetFrame, hdr *ipv4header.IPv4Header, inIface *Interface) {
	if !verifyIPChecksum(hdr) {
		slog.Debug("bad IPv4 checksum", "src", hdr.Src, "dst", hdr.Dst)
		return
	}

	hdr.TTL--
	if hdr.TTL <= 0 {
		return
	}

	// packets addressed to the router itself terminate here
	for _, iface := range router.Interfaces {
		if hdr.Dst == iface.IP {
			return
		}
	}

	route, exists := router.Table.Lookup(hdr.Dst)
	if !exists || route.Iface == nil {
		return
	}
	if router.RoutingMode == lnxconfig.RoutingRIP && route.Iface == inIface {
		return
	}

	nextHop := route.Gateway
	if !nextHop.IsValid() || nextHop == Uint32ToAddr(0) {
		nextHop = hdr.Dst
	}
	nextHopMAC, resolved := router.Arp.Lookup(nextHop)
	if !resolved {
		slog.Debug("unresolved next hop", "nextHop", nextHop)
		return
	}

	hdr.Checksum = 0
	headerBytes, err := hdr.Marshal()
	if err != nil {
		return
	}
	hdr.Checksum = int(ComputeChecksum(headerBytes))
	headerBytes, err = hdr.Marshal()
	if err != nil {
		return
	}

	payload := frame.Payload[hdr.Len:hdr.TotalLen]
	out := &EthernetFrame{
		Dst:       nextHopMAC,
		Src:       route.Iface.MAC,
		EtherType: EtherTypeIPv4,
		Payload:   append(headerBytes, payload...),
	}
	if err := router.transmit(route.Iface, out); err != nil {
		slog.Warn("forward failed", "dst", hdr.Dst, "iface", route.Iface.Name, "err", err)
	}
}

// sendIPv4 wraps data in a checksummed IPv4 header and emits it on iface.
func (router *Router) sendIPv4(iface *Interface, dstIP netip.Addr, dstMAC MACAddr, proto int, ttl int, data []byte) error {
	hdr := &ipv4header.IPv4Header{
		Version:  4,
		Len:      ipv4header.HeaderLen,
		TOS:      0,
		TotalLen: ipv4header.HeaderLen + len(data),
		ID:       0,
		Flags:    0,
		FragOff:  0,
		TTL:      ttl,
		Protocol: proto,
		Checksum: 0,
		Src:      iface.IP,
		Dst:      dstIP,
		Options:  []byte{},
	}
	headerBytes, err := hdr.Marshal()
	if err != nil {
		return errors.Wrap(err, "marshal IPv4 header")
	}
	hdr.Checksum = int(ComputeChecksum(headerBytes))
	headerBytes, err = hdr.Marshal()
	if err != nil {
		return errors.Wrap(err, "marshal IPv4 header")
	}

	frame := &EthernetFrame{
		Dst:       dstMAC,
		Src:       iface.MAC,
		EtherType: EtherTypeIPv4,
		Payload:   append(headerBytes, data...),
	}
	return router.transmit(iface, frame)
}

// sendFrameUDP writes a frame onto the virtual wire: unicast goes to the
// neighbor owning the destination MAC, broadcast to every neighbor on the
// interface.
func sendFrameUDP(iface *Interface, frame *EthernetFrame) error {
	if iface.Conn == nil {
		return errors.Errorf("interface %s is not running", iface.Name)
	}
	raw := frame.Marshal()
	if frame.Dst == BroadcastMAC {
		for _, udpAddr := range iface.Neighbors {
			iface.Conn.WriteToUDPAddrPort(raw, udpAddr)
		}
		return nil
	}
	udpAddr, exists := iface.Neighbors[frame.Dst]
	if !exists {
		return errors.Errorf("no neighbor with MAC %s on %s", frame.Dst, iface.Name)
	}
	_, err := iface.Conn.WriteToUDPAddrPort(raw, udpAddr)
	return err
}

// verifyIPChecksum re-serializes the header with the checksum zeroed and
// compares against the stored value.
func verifyIPChecksum(hdr *ipv4header.IPv4Header) bool {
	stored := hdr.Checksum
	hdr.Checksum = 0
	headerBytes, err := hdr.Marshal()
	hdr.Checksum = stored
	if err != nil {
		return false
	}
	return int(ComputeChecksum(headerBytes)) == stored
}

// ComputeChecksum is the IPv4 header checksum: the one's complement of the
// one's-complement sum.
func ComputeChecksum(headerBytes []byte) uint16 {
	return header.Checksum(headerBytes, 0) ^ 0xffff
}

// Close stops the RIP timers and the receive loops and releases sockets.
func (router *Router) Close() {
	router.stopOnce.Do(func() {
		close(router.stop)
	})
	router.wg.Wait()
	for _, iface := range router.Interfaces {
		if iface.Conn != nil {
			iface.Conn.Close()
		}
	}
	router.Arp.Stop()
}

// Li lists interfaces for the REPL.
func (router *Router) Li() string {
	var sb strings.Builder
	for _, iface := range router.Interfaces {
		fmt.Fprintf(&sb, "%s %s %s %s\n", iface.Name, iface.Prefix, iface.MAC, iface.Udp)
	}
	return sb.String()
}

// Lr lists routes for the REPL.
func (router *Router) Lr() string {
	return router.Table.String()
}

// La lists the ARP cache for the REPL.
func (router *Router) La() string {
	return router.Arp.String()
}
