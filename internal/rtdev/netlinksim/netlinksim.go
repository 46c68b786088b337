// Package netlinksim answers IFINFO-style introspection queries about
// an rtdev.Device's address and route configuration in the shape
// github.com/vishvananda/netlink's Handle would, without a real
// rtnetlink socket behind it: RTnet's devices (the loopback device and
// any simulated NICs) have no corresponding kernel interface to query,
// so this package builds the same netlink.Link/netlink.Addr/
// netlink.Route values directly from the in-process device registry
// and route table.
package netlinksim

import (
	"encoding/binary"
	"net"

	"github.com/vishvananda/netlink"

	"rtnet/internal/route"
	"rtnet/internal/rtdev"
)

// Handle is the read-only surface a caller would otherwise get from
// netlink.NewHandle(), backed by RTnet's own route table.
type Handle struct {
	routes *route.Table
}

// NewHandle returns a Handle that answers queries from routes.
func NewHandle(routes *route.Table) *Handle {
	return &Handle{routes: routes}
}

// LinkByName builds the netlink.Link view of dev that AddrList and
// RouteListFiltered's filter argument expect in a real netlink client.
func LinkByName(dev *rtdev.Device) netlink.Link {
	return &netlink.Device{
		LinkAttrs: netlink.LinkAttrs{
			Index:        dev.Ifindex,
			Name:         dev.Name,
			MTU:          dev.MTU,
			HardwareAddr: net.HardwareAddr(dev.HWAddr[:]),
			Flags:        linkFlags(dev),
		},
	}
}

func linkFlags(dev *rtdev.Device) net.Flags {
	var f net.Flags
	if dev.HasFlag(rtdev.FlagUp) {
		f |= net.FlagUp
	}
	if dev.HasFlag(rtdev.FlagBroadcast) {
		f |= net.FlagBroadcast
	}
	if dev.HasFlag(rtdev.FlagRunning) {
		f |= net.FlagRunning
	}
	return f
}

// AddrList mirrors nlHandle.AddrList(link, netlink.FAMILY_ALL): dev's
// configured IPv4 address, if any, with the device's broadcast address
// attached.
func (h *Handle) AddrList(dev *rtdev.Device) []netlink.Addr {
	if dev.LocalIP == 0 {
		return nil
	}
	addr := netlink.Addr{
		IPNet: &net.IPNet{IP: uint32ToIP(dev.LocalIP), Mask: net.CIDRMask(32, 32)},
		Scope: int(netlink.SCOPE_UNIVERSE),
	}
	if dev.BroadcastIP != 0 {
		addr.Broadcast = uint32ToIP(dev.BroadcastIP)
	}
	return []netlink.Addr{addr}
}

// RouteListFiltered mirrors
// nlHandle.RouteListFiltered(netlink.FAMILY_ALL, &netlink.Route{LinkIndex: ...}, netlink.RT_FILTER_OIF):
// every host and net route that resolves through dev.
func (h *Handle) RouteListFiltered(dev *rtdev.Device) []netlink.Route {
	var out []netlink.Route
	for _, hr := range h.routes.HostsFor(dev) {
		out = append(out, netlink.Route{
			LinkIndex: dev.Ifindex,
			Dst:       &net.IPNet{IP: uint32ToIP(hr.IP), Mask: net.CIDRMask(32, 32)},
			Scope:     netlink.SCOPE_LINK,
		})
	}
	for _, nr := range h.routes.NetsFor(dev) {
		out = append(out, netlink.Route{
			LinkIndex: dev.Ifindex,
			Dst:       &net.IPNet{IP: uint32ToIP(nr.Net), Mask: net.IPMask(uint32ToIP(nr.Mask).To4())},
			Gw:        uint32ToIP(nr.Gateway),
			Scope:     netlink.SCOPE_UNIVERSE,
		})
	}
	return out
}

// Snapshot is the payload an IFINFO-style query returns: a link plus
// every address and route reachable through it.
type Snapshot struct {
	Link   netlink.Link
	Addrs  []netlink.Addr
	Routes []netlink.Route
}

// Query builds a Snapshot for dev.
func (h *Handle) Query(dev *rtdev.Device) Snapshot {
	return Snapshot{
		Link:   LinkByName(dev),
		Addrs:  h.AddrList(dev),
		Routes: h.RouteListFiltered(dev),
	}
}

func uint32ToIP(v uint32) net.IP {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, v)
	return ip
}
