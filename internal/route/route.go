// Package route implements RTnet's host and net route tables:
// a read-mostly lookup structure updated under a write lock,
// with deletion lazy with respect to in-flight packets through the
// target device's own reference counting rather than through the
// route table itself.
package route

import (
	"sync"

	"rtnet/internal/errcode"
	"rtnet/internal/rtdev"
)

// HostRoute maps one IPv4 address to a device and the hardware address
// to reach it at (the result of a prior ARP resolution, or a static
// configuration for a point-to-point/TDMA link).
type HostRoute struct {
	IP     uint32
	Dev    *rtdev.Device
	HWAddr rtdev.HWAddr
}

// NetRoute maps a network (addr, mask) to a gateway IP, itself resolved
// through a host route before a packet can actually be sent.
type NetRoute struct {
	Net     uint32
	Mask    uint32
	Gateway uint32
}

// Table holds both the host and net route sets for the whole process.
// The read side is the transmit hot path, so lookups only ever take
// the RWMutex's read half.
type Table struct {
	mu    sync.RWMutex
	hosts map[uint32]HostRoute
	nets  []NetRoute // walked longest-prefix-first; small tables in practice
}

// New returns an empty route table.
func New() *Table {
	return &Table{hosts: make(map[uint32]HostRoute)}
}

// AddHost inserts or replaces a host route.
func (t *Table) AddHost(r HostRoute) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hosts[r.IP] = r
}

// DelHost removes a host route. After it returns, a subsequent lookup
// for addr returns errcode.NoRoute. It does not touch the device's
// refcount: any packet already in flight still holds its own reference
// to the device from when it resolved the route.
func (t *Table) DelHost(addr uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.hosts, addr)
}

// LookupHost returns the cached host route for addr, if any.
func (t *Table) LookupHost(addr uint32) (HostRoute, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.hosts[addr]
	if !ok {
		return HostRoute{}, errcode.Wrap("route.LookupHost", errcode.NoRoute, nil)
	}
	return r, nil
}

// AddNet inserts or replaces a net route. Longer prefixes (larger
// masks) are kept ahead of shorter ones so LookupNet finds the most
// specific match first.
func (t *Table) AddNet(r NetRoute) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, existing := range t.nets {
		if existing.Net == r.Net && existing.Mask == r.Mask {
			t.nets[i] = r
			return
		}
	}
	t.nets = append(t.nets, r)
	sortNetsByMaskDesc(t.nets)
}

// DelNet removes a net route matching (net, mask) exactly.
func (t *Table) DelNet(net, mask uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, r := range t.nets {
		if r.Net == net && r.Mask == mask {
			t.nets = append(t.nets[:i], t.nets[i+1:]...)
			return
		}
	}
}

// LookupNet returns the most specific net route whose (net, mask)
// contains addr, then resolves the gateway through a host route.
func (t *Table) LookupNet(addr uint32) (NetRoute, HostRoute, error) {
	t.mu.RLock()
	nets := t.nets
	t.mu.RUnlock()

	for _, r := range nets {
		if addr&r.Mask == r.Net&r.Mask {
			hop, err := t.LookupHost(r.Gateway)
			if err != nil {
				return NetRoute{}, HostRoute{}, errcode.Wrap("route.LookupNet", errcode.NoRoute, err)
			}
			return r, hop, nil
		}
	}
	return NetRoute{}, HostRoute{}, errcode.Wrap("route.LookupNet", errcode.NoRoute, nil)
}

// Resolve performs the full route lookup ip_build_xmit needs: try the
// host route first, fall back to a net route plus its gateway's host
// route. Returns errcode.HostUnreach if neither matches, which the
// caller surfaces to the sender.
func (t *Table) Resolve(addr uint32) (HostRoute, error) {
	if hr, err := t.LookupHost(addr); err == nil {
		return hr, nil
	}
	_, hop, err := t.LookupNet(addr)
	if err != nil {
		return HostRoute{}, errcode.Wrap("route.Resolve", errcode.HostUnreach, err)
	}
	return hop, nil
}

// HostsFor returns a snapshot of every host route through dev, for
// diagnostics (netlinksim's IFINFO introspection reads the table this
// way rather than reaching into its internals).
func (t *Table) HostsFor(dev *rtdev.Device) []HostRoute {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []HostRoute
	for _, r := range t.hosts {
		if r.Dev == dev {
			out = append(out, r)
		}
	}
	return out
}

// NetsFor returns a snapshot of every net route whose gateway resolves
// through dev.
func (t *Table) NetsFor(dev *rtdev.Device) []NetRoute {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []NetRoute
	for _, r := range t.nets {
		if hr, ok := t.hosts[r.Gateway]; ok && hr.Dev == dev {
			out = append(out, r)
		}
	}
	return out
}

func sortNetsByMaskDesc(nets []NetRoute) {
	for i := 1; i < len(nets); i++ {
		for j := i; j > 0 && nets[j].Mask > nets[j-1].Mask; j-- {
			nets[j], nets[j-1] = nets[j-1], nets[j]
		}
	}
}
