package network

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/opencontainers/go-digest"
)

// Containers always run in the host network namespace. Nothing here creates
// interfaces, allocates addresses or maps ports; the package answers the
// listing and inspection surface for the two networks that exist.

// ErrNotFound means no network matches the name or id.
var ErrNotFound = errors.New("network not found")

const (
	// HostNetwork is the network every container is attached to.
	HostNetwork = "host"
	// NoneNetwork exists for compatibility with tooling that expects it.
	NoneNetwork = "none"
)

// Summary is one row of the network listing.
type Summary struct {
	ID     string `json:"Id"`
	Name   string `json:"Name"`
	Driver string `json:"Driver"`
	Scope  string `json:"Scope"`
}

// Interface describes one host adapter as seen from the host network.
type Interface struct {
	Name         string   `json:"Name"`
	MTU          int      `json:"Mtu"`
	HardwareAddr string   `json:"MacAddress,omitempty"`
	Addresses    []string `json:"Addresses,omitempty"`
}

// Info is the full inspect document for a network.
type Info struct {
	Summary
	Interfaces []Interface `json:"Interfaces,omitempty"`
}

// The ids only need to be stable, so they derive from the name.
func networkID(name string) string {
	return digest.FromString("drydock-network-" + name).Encoded()
}

// List returns the available networks. There are exactly two.
func List() []Summary {
	return []Summary{
		{ID: networkID(HostNetwork), Name: HostNetwork, Driver: "host", Scope: "local"},
		{ID: networkID(NoneNetwork), Name: NoneNetwork, Driver: "null", Scope: "local"},
	}
}

// Inspect resolves a network by name or id prefix. The host network reports
// the host's interfaces; none reports nothing.
func Inspect(nameOrID string) (*Info, error) {
	var summary *Summary
	for _, s := range List() {
		if s.Name == nameOrID || strings.HasPrefix(s.ID, nameOrID) {
			s := s
			summary = &s
			break
		}
	}
	if summary == nil {
		return nil, fmt.Errorf("%s: %w", nameOrID, ErrNotFound)
	}

	info := &Info{Summary: *summary}
	if summary.Name != HostNetwork {
		return info, nil
	}

	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to list host interfaces: %w", err)
	}
	for _, iface := range interfaces {
		entry := Interface{
			Name:         iface.Name,
			MTU:          iface.MTU,
			HardwareAddr: iface.HardwareAddr.String(),
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			entry.Addresses = append(entry.Addresses, addr.String())
		}
		info.Interfaces = append(info.Interfaces, entry)
	}
	return info, nil
}
