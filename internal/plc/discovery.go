// Package plc implements the PLC Communicator (spec §4.B): the single
// point of Modbus/TCP contact for Terminal 1.
package plc

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// DiscoveryCache is the on-disk record of the last successfully contacted
// PLC endpoint, keyed by nothing but its own TTL — one machine, one cache
// file (spec §4.B: "cached discovery results live in a local JSON file
// with a TTL"). Grounded on the original Python implementation's
// PLCDiscovery cache entry shape (ip + timestamp), simplified to the
// single-endpoint case since this process ever talks to one PLC.
type DiscoveryCache struct {
	Endpoint     string    `json:"endpoint"`
	DiscoveredAt time.Time `json:"discovered_at"`
	Method       string    `json:"method"` // "hostname", "auto_discover", or "cached_discovery"
}

// Valid reports whether the cache entry is still within ttl of now.
func (c DiscoveryCache) Valid(ttl time.Duration) bool {
	if c.Endpoint == "" || c.DiscoveredAt.IsZero() {
		return false
	}
	return time.Since(c.DiscoveredAt) < ttl
}

// loadDiscoveryCache reads the cache file at path. A missing or corrupt
// file is not an error: discovery simply proceeds as if there were no
// cache.
func loadDiscoveryCache(path string) DiscoveryCache {
	data, err := os.ReadFile(path)
	if err != nil {
		return DiscoveryCache{}
	}
	var c DiscoveryCache
	if err := json.Unmarshal(data, &c); err != nil {
		return DiscoveryCache{}
	}
	return c
}

// saveDiscoveryCache writes c to path, creating parent directories as
// needed. Failure to persist the cache is non-fatal: discovery just runs
// again next time.
func saveDiscoveryCache(path string, c DiscoveryCache) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("plc: discovery cache mkdir: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("plc: discovery cache marshal: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// probeModbus attempts a plain TCP dial to host:port within timeout. It
// does not speak Modbus — establishing the TCP connection is sufficient
// confirmation that something is listening on the Modbus port, matching
// the "connection success indicates Modbus capability" shortcut taken by
// the original discovery implementation.
func probeModbus(host string, port int, timeout time.Duration) bool {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// resolveHostname resolves hostname to an IP and confirms it accepts TCP
// connections on port.
func resolveHostname(hostname string, port int, timeout time.Duration) (string, bool) {
	ips, err := net.LookupHost(hostname)
	if err != nil || len(ips) == 0 {
		return "", false
	}
	for _, ip := range ips {
		if probeModbus(ip, port, timeout) {
			return ip, true
		}
	}
	return "", false
}

// scanSubnet sweeps every host address in the /24 containing localIP for
// something listening on port, up to maxWorkers concurrent dials. Returns
// the first responder found; spec §4.B only requires a usable endpoint
// for a single-PLC deployment, not an exhaustive inventory.
func scanSubnet(localIP net.IP, port int, timeout time.Duration, maxWorkers int) (string, bool) {
	ip4 := localIP.To4()
	if ip4 == nil {
		return "", false
	}
	base := net.IPv4(ip4[0], ip4[1], ip4[2], 0).To4()

	type result struct {
		ip string
		ok bool
	}
	candidates := make(chan string, 254)
	results := make(chan result, 254)

	for i := 1; i < 255; i++ {
		ip := net.IPv4(base[0], base[1], base[2], byte(i)).String()
		candidates <- ip
	}
	close(candidates)

	workers := maxWorkers
	if workers <= 0 {
		workers = 20
	}
	for w := 0; w < workers; w++ {
		go func() {
			for ip := range candidates {
				results <- result{ip: ip, ok: probeModbus(ip, port, timeout)}
			}
		}()
	}

	for i := 0; i < 254; i++ {
		r := <-results
		if r.ok {
			return r.ip, true
		}
	}
	return "", false
}

// localIPv4 returns the IP address of the interface that would be used to
// reach the public internet, mirroring the original discovery module's
// "connect a UDP socket, read back the local address" trick for
// auto-detecting the local subnet to scan.
func localIPv4() (net.IP, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	localAddr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil, fmt.Errorf("plc: unexpected local address type %T", conn.LocalAddr())
	}
	return localAddr.IP, nil
}
