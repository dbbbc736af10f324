// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package discovery resolves the network addresses of miIO devices via mDNS.
//
// miIO devices advertise the "_miio._udp" service. The advertised host name
// encodes the model (with dots replaced by dashes) and the numeric device id:
//
//	zhimi-airpurifier-m1_miio12345678.local.
//
// The scanner only resolves addresses. It never pairs devices or adds them
// to management; callers match resolved device ids against their own
// configuration and re-address devices whose IP changed.
//
// # Thread Safety
//
// All scanner operations are safe for concurrent use. The resolved device
// map is protected by a read-write lock.
//
// # Example Usage
//
//	scanner := discovery.NewScanner(discovery.DefaultServiceType, "local.")
//	devices, err := scanner.Discover(ctx, 5*time.Second)
//	if err != nil {
//	    return err
//	}
//	for _, d := range devices {
//	    fmt.Printf("%s (%d) at %s\n", d.Model, d.DeviceID, d.Address)
//	}
package discovery

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/soothill/miio-bridge/pkg/errors"
	"github.com/soothill/miio-bridge/pkg/logger"
	"github.com/soothill/miio-bridge/pkg/metrics"
)

// DefaultServiceType is the mDNS service miIO devices advertise.
const DefaultServiceType = "_miio._udp"

var hostnamePattern = regexp.MustCompile(`^(?P<model>.+)_mi(?:io|bt)(?P<did>\d+)$`)

// Device is a resolved miIO advertisement.
type Device struct {
	Name     string
	Model    string
	DeviceID uint32
	Address  net.IP
	Port     int
	Hostname string
}

// Host returns the address as a string suitable for dialing.
func (d *Device) Host() string {
	if d.Address == nil {
		return ""
	}
	return d.Address.String()
}

// ParseHostname extracts the model and device id from an advertised host
// name. The ".local." suffix is optional.
func ParseHostname(hostname string) (model string, deviceID uint32, err error) {
	name := strings.TrimSuffix(hostname, ".")
	name = strings.TrimSuffix(name, ".local")
	m := hostnamePattern.FindStringSubmatch(name)
	if m == nil {
		return "", 0, errors.NewDiscoveryError("parse hostname", fmt.Errorf("%q is not a miIO host name", hostname))
	}
	did, err := strconv.ParseUint(m[hostnamePattern.SubexpIndex("did")], 10, 32)
	if err != nil {
		return "", 0, errors.NewDiscoveryError("parse hostname", fmt.Errorf("device id in %q: %w", hostname, err))
	}
	model = strings.ReplaceAll(m[hostnamePattern.SubexpIndex("model")], "-", ".")
	return model, uint32(did), nil
}

// Scanner resolves miIO devices via mDNS.
type Scanner struct {
	serviceType string
	domain      string
	devices     map[uint32]*Device
	mu          sync.RWMutex // Protects devices map
}

// NewScanner creates a new scanner.
func NewScanner(serviceType, domain string) *Scanner {
	if serviceType == "" {
		serviceType = DefaultServiceType
	}
	if domain == "" {
		domain = "local."
	}
	return &Scanner{
		serviceType: serviceType,
		domain:      domain,
		devices:     make(map[uint32]*Device),
	}
}

// Discover browses for the given duration and returns the devices seen.
//
// A single consumer goroutine drains the resolver's entry channel, which is
// buffered so bursts of advertisements do not block the resolver. The
// scanner-wide map persists across calls; the returned slice holds only what
// this pass saw.
func (s *Scanner) Discover(ctx context.Context, timeout time.Duration) ([]*Device, error) {
	start := time.Now()
	defer func() {
		metrics.ResolutionDuration.Observe(time.Since(start).Seconds())
	}()

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, errors.NewDiscoveryError("create resolver", err)
	}

	entries := make(chan *zeroconf.ServiceEntry, 10)
	discovered := make([]*Device, 0)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			device := s.parseServiceEntry(entry)
			if device == nil {
				continue
			}

			s.mu.Lock()
			s.devices[device.DeviceID] = device
			s.mu.Unlock()
			discovered = append(discovered, device)

			logger.Debug().
				Uint32("device_id", device.DeviceID).
				Str("model", device.Model).
				Str("address", device.Host()).
				Msg("Resolved miIO device")
		}
	}()

	discoverCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := resolver.Browse(discoverCtx, s.serviceType, s.domain, entries); err != nil {
		return nil, errors.NewDiscoveryError("mDNS browse", err)
	}

	<-discoverCtx.Done()
	wg.Wait()

	metrics.DevicesResolved.Set(float64(len(discovered)))
	return discovered, nil
}

// parseServiceEntry converts a zeroconf service entry to a Device.
func (s *Scanner) parseServiceEntry(entry *zeroconf.ServiceEntry) *Device {
	if entry == nil {
		return nil
	}
	if len(entry.AddrIPv4) == 0 && len(entry.AddrIPv6) == 0 {
		return nil
	}

	hostname := entry.HostName
	if hostname == "" {
		hostname = entry.Instance
	}
	model, did, err := ParseHostname(hostname)
	if err != nil {
		// try the instance name, some firmware advertises a generic host
		if model, did, err = ParseHostname(entry.Instance); err != nil {
			logger.Debug().Err(err).Str("hostname", entry.HostName).Msg("Ignoring advertisement")
			return nil
		}
	}

	// miIO speaks IPv4 only in practice; fall back to IPv6 regardless
	var addr net.IP
	if len(entry.AddrIPv4) > 0 {
		addr = entry.AddrIPv4[0]
	} else {
		addr = entry.AddrIPv6[0]
	}

	return &Device{
		Name:     entry.Instance,
		Model:    model,
		DeviceID: did,
		Address:  addr,
		Port:     entry.Port,
		Hostname: entry.HostName,
	}
}

// GetDevices returns all devices resolved so far.
func (s *Scanner) GetDevices() []*Device {
	s.mu.RLock()
	defer s.mu.RUnlock()

	devices := make([]*Device, 0, len(s.devices))
	for _, device := range s.devices {
		devices = append(devices, device)
	}
	return devices
}

// GetDeviceByID returns a device by its id, or nil if not resolved.
func (s *Scanner) GetDeviceByID(deviceID uint32) *Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.devices[deviceID]
}

// Forget drops a resolved device, e.g. after it has been removed from configuration.
func (s *Scanner) Forget(deviceID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, deviceID)
}
