package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"

	"github.com/grandcat/zeroconf"

	"tarun-kavipurapu/p2p-rendezvous/pkg/logger"
)

const (
	// ServiceType is the mDNS service type of the tracker's control channel.
	ServiceType = "_p2p-rendezvous._udp"
	Domain      = "local."

	// RoleKey is the TXT record that tells trackers apart from other instances.
	RoleKey     = "role"
	RoleTracker = "tracker"
)

var ErrNoTracker = errors.New("no tracker found on the local network")

// ServiceInfo is one resolved mDNS instance.
type ServiceInfo struct {
	InstanceName string
	HostName     string
	Port         uint16
	Addrs        []netip.Addr
	Meta         map[string]string
}

// AddrPort returns the first IPv4 address of the service, else the first one.
func (s *ServiceInfo) AddrPort() (netip.AddrPort, bool) {
	if len(s.Addrs) == 0 {
		return netip.AddrPort{}, false
	}
	pick := s.Addrs[0]
	for _, a := range s.Addrs {
		if a.Is4() {
			pick = a
			break
		}
	}
	return netip.AddrPortFrom(pick, s.Port), true
}

func serviceInfoFrom(entry *zeroconf.ServiceEntry) *ServiceInfo {
	info := &ServiceInfo{
		InstanceName: entry.Instance,
		HostName:     entry.HostName,
		Port:         uint16(entry.Port),
		Meta:         make(map[string]string, len(entry.Text)),
	}
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if a, ok := netip.AddrFromSlice(ip); ok {
			info.Addrs = append(info.Addrs, a.Unmap())
		}
	}
	for _, record := range entry.Text {
		if k, v, ok := strings.Cut(record, "="); ok {
			info.Meta[k] = v
		}
	}
	return info
}

// Advertiser publishes the tracker on the local network.
type Advertiser struct {
	server *zeroconf.Server
}

func NewAdvertiser() *Advertiser {
	return &Advertiser{}
}

// Start registers the service on every interface. An empty instance name is
// derived from the hostname.
func (a *Advertiser) Start(instanceName string, port int, meta map[string]string) error {
	if instanceName == "" {
		instanceName = "p2p-tracker"
		if hostname, err := os.Hostname(); err == nil {
			instanceName += "-" + hostname
		}
	}

	txt := make([]string, 0, len(meta))
	for k, v := range meta {
		txt = append(txt, k+"="+v)
	}

	server, err := zeroconf.Register(instanceName, ServiceType, Domain, port, txt, nil)
	if err != nil {
		return fmt.Errorf("failed to register mDNS service: %w", err)
	}
	a.server = server
	logger.Sugar.Infof("[Discovery] advertising: instance=%s port=%d", instanceName, port)
	return nil
}

func (a *Advertiser) Stop() {
	if a.server == nil {
		return
	}
	a.server.Shutdown()
	a.server = nil
}

// Resolver browses the local network for advertised services.
type Resolver struct {
	resolver *zeroconf.Resolver
}

func NewResolver() (*Resolver, error) {
	r, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS resolver: %w", err)
	}
	return &Resolver{resolver: r}, nil
}

// Browse streams resolved services until ctx is cancelled. Entries without
// an address are skipped.
func (r *Resolver) Browse(ctx context.Context) (<-chan *ServiceInfo, error) {
	entries := make(chan *zeroconf.ServiceEntry)
	if err := r.resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse services: %w", err)
	}

	results := make(chan *ServiceInfo, 10)
	go func() {
		defer close(results)
		for {
			var entry *zeroconf.ServiceEntry
			var ok bool
			select {
			case <-ctx.Done():
				return
			case entry, ok = <-entries:
				if !ok {
					return
				}
			}

			info := serviceInfoFrom(entry)
			if len(info.Addrs) == 0 {
				continue
			}
			logger.Sugar.Infof("[Discovery] discovered service: instance=%s addrs=%v port=%d", info.InstanceName, info.Addrs, info.Port)
			select {
			case results <- info:
			case <-ctx.Done():
				return
			}
		}
	}()
	return results, nil
}

// ResolveTracker browses until it sees a tracker or ctx expires.
func ResolveTracker(ctx context.Context) (netip.AddrPort, error) {
	resolver, err := NewResolver()
	if err != nil {
		return netip.AddrPort{}, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := resolver.Browse(ctx)
	if err != nil {
		return netip.AddrPort{}, err
	}
	for info := range ch {
		if info.Meta[RoleKey] != RoleTracker {
			continue
		}
		if addr, ok := info.AddrPort(); ok {
			return addr, nil
		}
	}
	return netip.AddrPort{}, ErrNoTracker
}
