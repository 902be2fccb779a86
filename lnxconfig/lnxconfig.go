// Package lnxconfig parses the network-node configuration files consumed by
// vrouter and describes the injected interface/neighbor topology.
package lnxconfig

import (
	"net/netip"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/pkg/errors"
)

type RoutingMode string

const (
	RoutingStatic RoutingMode = "static"
	RoutingRIP    RoutingMode = "rip"
)

// InterfaceConfig describes one attachment point of the node. The UDP
// address is the socket this virtual link listens on.
type InterfaceConfig struct {
	Name           string         `yaml:"name"`
	AssignedPrefix netip.Prefix   `yaml:"prefix"` // interface IP with subnet length
	MAC            string         `yaml:"mac"`
	UDPAddr        netip.AddrPort `yaml:"udp"`
}

// NeighborConfig maps a directly attached peer to the UDP endpoint its
// virtual link listens on.
type NeighborConfig struct {
	IP            netip.Addr     `yaml:"ip"`
	MAC           string         `yaml:"mac"`
	UDPAddr       netip.AddrPort `yaml:"udp"`
	InterfaceName string         `yaml:"iface"`
}

// RouteConfig is one static route. A zero gateway means the destination is
// directly attached.
type RouteConfig struct {
	Prefix        netip.Prefix `yaml:"prefix"`
	Gateway       netip.Addr   `yaml:"gateway,omitempty"`
	InterfaceName string       `yaml:"iface"`
}

// ArpConfig is one static ARP cache entry.
type ArpConfig struct {
	IP  netip.Addr `yaml:"ip"`
	MAC string     `yaml:"mac"`
}

type IPConfig struct {
	RoutingMode RoutingMode       `yaml:"routing"`
	Interfaces  []InterfaceConfig `yaml:"interfaces"`
	Neighbors   []NeighborConfig  `yaml:"neighbors"`
	Routes      []RouteConfig     `yaml:"routes,omitempty"`
	ArpEntries  []ArpConfig       `yaml:"arp,omitempty"`
}

// ParseConfig reads and validates a node configuration file.
func ParseConfig(path string) (*IPConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config file")
	}
	return ParseConfigBytes(raw)
}

func ParseConfigBytes(raw []byte) (*IPConfig, error) {
	cfg := &IPConfig{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *IPConfig) error {
	switch cfg.RoutingMode {
	case RoutingStatic, RoutingRIP:
	case "":
		cfg.RoutingMode = RoutingRIP
	default:
		return errors.Errorf("unknown routing mode %q", cfg.RoutingMode)
	}
	if len(cfg.Interfaces) == 0 {
		return errors.New("config declares no interfaces")
	}

	names := make(map[string]bool)
	for _, iface := range cfg.Interfaces {
		if iface.Name == "" {
			return errors.New("interface with empty name")
		}
		if names[iface.Name] {
			return errors.Errorf("duplicate interface %q", iface.Name)
		}
		names[iface.Name] = true
		if !iface.AssignedPrefix.IsValid() || !iface.AssignedPrefix.Addr().Is4() {
			return errors.Errorf("interface %q needs an IPv4 prefix", iface.Name)
		}
		if iface.MAC == "" {
			return errors.Errorf("interface %q has no MAC address", iface.Name)
		}
		if !iface.UDPAddr.IsValid() {
			return errors.Errorf("interface %q has no UDP address", iface.Name)
		}
	}
	for _, n := range cfg.Neighbors {
		if !names[n.InterfaceName] {
			return errors.Errorf("neighbor %s references unknown interface %q", n.IP, n.InterfaceName)
		}
	}
	for _, route := range cfg.Routes {
		if !names[route.InterfaceName] {
			return errors.Errorf("route %s references unknown interface %q", route.Prefix, route.InterfaceName)
		}
	}
	if cfg.RoutingMode == RoutingStatic && len(cfg.Routes) == 0 {
		return errors.New("static routing mode requires at least one route")
	}
	return nil
}
