package protocol

import (
	"net/netip"
	"testing"

	ipv4header "github.com/brown-csci1680/iptcp-headers"
	"github.com/google/netstack/tcpip/header"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vnet-pa/lnxconfig"
)

func TestRIPCodecRoundTrip(t *testing.T) {
	packet := &RIPPacket{
		Command: CommandResponse,
		Version: ripVersion,
		Entries: []RIPEntry{
			{
				Family:  addressFamilyInet,
				Address: ConvertAddrToUint32(addr("10.2.0.0")),
				Mask:    ConvertAddrToUint32(addr("255.255.255.0")),
				NextHop: ConvertAddrToUint32(addr("10.0.0.2")),
				Metric:  2,
			},
			{
				Family:  addressFamilyInet,
				Address: ConvertAddrToUint32(addr("10.3.0.0")),
				Mask:    ConvertAddrToUint32(addr("255.255.0.0")),
				Metric:  Infinity,
			},
		},
	}
	raw, err := MarshalRIP(packet)
	require.NoError(t, err)
	assert.Len(t, raw, ripHeaderLen+2*ripEntryLen)

	decoded, err := UnmarshalRIP(raw)
	require.NoError(t, err)
	assert.Equal(t, packet, decoded)
}

func TestRIPCodecRejectsTruncated(t *testing.T) {
	_, err := UnmarshalRIP([]byte{2})
	assert.Error(t, err)

	packet := &RIPPacket{Command: CommandResponse, Version: ripVersion,
		Entries: []RIPEntry{{Family: addressFamilyInet, Metric: 1}}}
	raw, err := MarshalRIP(packet)
	require.NoError(t, err)
	_, err = UnmarshalRIP(raw[:len(raw)-3])
	assert.Error(t, err)
}

// buildRIPFrame wraps a RIP packet the way a neighbor would send it.
func buildRIPFrame(t *testing.T, srcMAC MACAddr, srcIP, dstIP netip.Addr, packet *RIPPacket) *EthernetFrame {
	t.Helper()
	ripBytes, err := MarshalRIP(packet)
	require.NoError(t, err)
	udp := header.UDP(make([]byte, header.UDPMinimumSize+len(ripBytes)))
	udp.Encode(&header.UDPFields{SrcPort: RipPort, DstPort: RipPort, Length: uint16(len(udp))})
	copy(udp[header.UDPMinimumSize:], ripBytes)
	return buildIPv4Frame(t, srcMAC, BroadcastMAC, srcIP, dstIP, ripTTL,
		int(header.UDPProtocolNumber), udp)
}

// parseRIPFrame unwraps an emitted advertisement.
func parseRIPFrame(t *testing.T, frame *EthernetFrame) (*ipv4header.IPv4Header, *RIPPacket) {
	t.Helper()
	hdr, err := ipv4header.ParseHeader(frame.Payload)
	require.NoError(t, err)
	udp := header.UDP(frame.Payload[hdr.Len:])
	require.Equal(t, uint16(RipPort), udp.DestinationPort())
	packet, err := UnmarshalRIP(udp.Payload())
	require.NoError(t, err)
	return hdr, packet
}

func TestStartRIPSeedsAndRequests(t *testing.T) {
	router, capture := captureRouter(t, lnxconfig.RoutingRIP)
	router.StartRIP()

	entries := router.Table.Entries()
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.True(t, e.Direct)
		assert.Equal(t, 0, e.Metric)
		assert.Equal(t, Uint32ToAddr(0), e.Gateway)
	}
	_, ok := router.Table.Lookup(addr("10.0.0.9"))
	assert.True(t, ok)

	sent := capture.take()
	require.Len(t, sent, 2) // one request per interface
	for _, s := range sent {
		assert.Equal(t, BroadcastMAC, s.frame.Dst)
		hdr, packet := parseRIPFrame(t, s.frame)
		assert.Equal(t, RipMulticastIP, hdr.Dst)
		assert.Equal(t, CommandRequest, packet.Command)
		assert.Empty(t, packet.Entries)
	}
}

func TestRIPResponseInstallsRoutesAndTriggersUpdate(t *testing.T) {
	router, capture := captureRouter(t, lnxconfig.RoutingRIP)
	router.StartRIP()
	capture.take()

	advert := &RIPPacket{Command: CommandResponse, Version: ripVersion, Entries: []RIPEntry{{
		Family:  addressFamilyInet,
		Address: ConvertAddrToUint32(addr("10.2.0.0")),
		Mask:    ConvertAddrToUint32(addr("255.255.255.0")),
		Metric:  1,
	}}}
	frame := buildRIPFrame(t, mustMAC(t, macPeer0), addr("10.0.0.2"), RipMulticastIP, advert)
	router.HandleFrame(frame, router.Interfaces["if0"])

	entry, ok := router.Table.Lookup(addr("10.2.0.9"))
	require.True(t, ok)
	assert.Equal(t, 2, entry.Metric) // advertised metric plus one hop
	assert.Equal(t, addr("10.0.0.2"), entry.Gateway)
	assert.Equal(t, "if0", entry.Iface.Name)
	assert.False(t, entry.Direct)

	// the change triggered an immediate response on the ingress interface
	sent := capture.take()
	require.Len(t, sent, 1)
	assert.Equal(t, "if0", sent[0].iface.Name)
	hdr, packet := parseRIPFrame(t, sent[0].frame)
	assert.Equal(t, RipMulticastIP, hdr.Dst)
	assert.Equal(t, CommandResponse, packet.Command)
	assert.Len(t, packet.Entries, 3)

	// replaying the same advertisement changes nothing and stays quiet
	frame = buildRIPFrame(t, mustMAC(t, macPeer0), addr("10.0.0.2"), RipMulticastIP, advert)
	router.HandleFrame(frame, router.Interfaces["if0"])
	assert.Empty(t, capture.take())
}

func TestRIPMetricClampsAtInfinity(t *testing.T) {
	router, capture := captureRouter(t, lnxconfig.RoutingRIP)
	router.StartRIP()
	capture.take()

	install := &RIPPacket{Command: CommandResponse, Version: ripVersion, Entries: []RIPEntry{{
		Family:  addressFamilyInet,
		Address: ConvertAddrToUint32(addr("10.2.0.0")),
		Mask:    ConvertAddrToUint32(addr("255.255.255.0")),
		Metric:  1,
	}}}
	router.HandleFrame(buildRIPFrame(t, mustMAC(t, macPeer0), addr("10.0.0.2"), RipMulticastIP, install), router.Interfaces["if0"])
	capture.take()

	// the neighbor now reports the prefix unreachable
	poison := &RIPPacket{Command: CommandResponse, Version: ripVersion, Entries: []RIPEntry{{
		Family:  addressFamilyInet,
		Address: ConvertAddrToUint32(addr("10.2.0.0")),
		Mask:    ConvertAddrToUint32(addr("255.255.255.0")),
		Metric:  Infinity - 1,
	}}}
	router.HandleFrame(buildRIPFrame(t, mustMAC(t, macPeer0), addr("10.0.0.2"), RipMulticastIP, poison), router.Interfaces["if0"])

	entry, ok := router.Table.Lookup(addr("10.2.0.9"))
	require.True(t, ok)
	assert.Equal(t, Infinity, entry.Metric)
	assert.False(t, entry.Direct)
}

func TestRIPRequestGetsUnicastReply(t *testing.T) {
	router, capture := captureRouter(t, lnxconfig.RoutingRIP)
	router.StartRIP()
	capture.take()

	request := &RIPPacket{Command: CommandRequest, Version: ripVersion}
	frame := buildRIPFrame(t, mustMAC(t, macPeer0), addr("10.0.0.2"), RipMulticastIP, request)
	router.HandleFrame(frame, router.Interfaces["if0"])

	sent := capture.take()
	require.Len(t, sent, 1)
	assert.Equal(t, "if0", sent[0].iface.Name)
	// unicast to the requester's L2/L3
	assert.Equal(t, mustMAC(t, macPeer0), sent[0].frame.Dst)
	hdr, packet := parseRIPFrame(t, sent[0].frame)
	assert.Equal(t, addr("10.0.0.2"), hdr.Dst)
	assert.Equal(t, CommandResponse, packet.Command)
	assert.Len(t, packet.Entries, 2) // the two direct routes
}

func TestRIPSuppressesSelfReception(t *testing.T) {
	router, capture := captureRouter(t, lnxconfig.RoutingRIP)
	router.StartRIP()
	capture.take()

	advert := &RIPPacket{Command: CommandResponse, Version: ripVersion, Entries: []RIPEntry{{
		Family:  addressFamilyInet,
		Address: ConvertAddrToUint32(addr("10.5.0.0")),
		Mask:    ConvertAddrToUint32(addr("255.255.255.0")),
		Metric:  1,
	}}}
	// source IP is one of our own interfaces: a looped-back advertisement
	frame := buildRIPFrame(t, mustMAC(t, macIf0), addr("10.0.0.1"), RipMulticastIP, advert)
	router.HandleFrame(frame, router.Interfaces["if0"])

	_, ok := router.Table.Lookup(addr("10.5.0.9"))
	assert.False(t, ok)
	assert.Empty(t, capture.take())
}

func TestRIPLearnsNeighborMAC(t *testing.T) {
	router, capture := captureRouter(t, lnxconfig.RoutingRIP)
	router.StartRIP()
	capture.take()

	// 10.0.0.7 is not in the static ARP cache
	unknownMAC := mustMAC(t, "02:00:00:00:00:77")
	advert := &RIPPacket{Command: CommandResponse, Version: ripVersion}
	frame := buildRIPFrame(t, unknownMAC, addr("10.0.0.7"), RipMulticastIP, advert)
	router.HandleFrame(frame, router.Interfaces["if0"])

	mac, ok := router.Arp.Lookup(addr("10.0.0.7"))
	require.True(t, ok)
	assert.Equal(t, unknownMAC, mac)

	// static entries stay authoritative
	frame = buildRIPFrame(t, unknownMAC, addr("10.1.0.5"), RipMulticastIP, advert)
	router.HandleFrame(frame, router.Interfaces["if1"])
	mac, ok = router.Arp.Lookup(addr("10.1.0.5"))
	require.True(t, ok)
	assert.Equal(t, mustMAC(t, macHost1), mac)
}

// Convergence semantics of scenario "break a link": a better path shows up
// with a lower metric and replaces the dead gateway.
func TestRIPReroutesAroundFailure(t *testing.T) {
	router, capture := captureRouter(t, lnxconfig.RoutingRIP)
	router.StartRIP()
	capture.take()

	prefix := RIPEntry{
		Family:  addressFamilyInet,
		Address: ConvertAddrToUint32(addr("10.2.0.0")),
		Mask:    ConvertAddrToUint32(addr("255.255.255.0")),
		Metric:  1,
	}
	direct := &RIPPacket{Command: CommandResponse, Version: ripVersion, Entries: []RIPEntry{prefix}}
	router.HandleFrame(buildRIPFrame(t, mustMAC(t, macPeer0), addr("10.0.0.2"), RipMulticastIP, direct), router.Interfaces["if0"])
	capture.take()

	// the incumbent path dies
	dead := prefix
	dead.Metric = Infinity
	poison := &RIPPacket{Command: CommandResponse, Version: ripVersion, Entries: []RIPEntry{dead}}
	router.HandleFrame(buildRIPFrame(t, mustMAC(t, macPeer0), addr("10.0.0.2"), RipMulticastIP, poison), router.Interfaces["if0"])

	entry, ok := router.Table.Lookup(addr("10.2.0.9"))
	require.True(t, ok)
	require.Equal(t, Infinity, entry.Metric)

	// a longer path via the other neighbor now wins
	detour := prefix
	detour.Metric = 2
	alt := &RIPPacket{Command: CommandResponse, Version: ripVersion, Entries: []RIPEntry{detour}}
	router.HandleFrame(buildRIPFrame(t, mustMAC(t, macPeer1), addr("10.1.0.2"), RipMulticastIP, alt), router.Interfaces["if1"])

	entry, ok = router.Table.Lookup(addr("10.2.0.9"))
	require.True(t, ok)
	assert.Equal(t, 3, entry.Metric)
	assert.Equal(t, addr("10.1.0.2"), entry.Gateway)
	assert.Equal(t, "if1", entry.Iface.Name)
}
