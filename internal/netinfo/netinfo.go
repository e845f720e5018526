// Package netinfo classifies the network interface the default route uses.
// The classification is cached so callers never block on it.
package netinfo

import (
	"net"
	"os"
	"strings"
	"sync"
	"time"
)

// Type is the coarse network classification sampled once at run start.
type Type string

const (
	TypeWifi     Type = "wifi"
	TypeCellular Type = "cellular"
	TypeUnknown  Type = "unknown"
)

// Provider reports the current network type without blocking.
type Provider interface {
	CurrentType() Type
}

// Static always returns a fixed type; used in tests and as a fallback.
type Static struct {
	Type Type
}

func (s Static) CurrentType() Type { return s.Type }

const cacheTTL = 30 * time.Second

// Detector classifies the outbound interface by name and sysfs wireless
// entry, caching the result for a short TTL.
type Detector struct {
	mu       sync.Mutex
	cached   Type
	cachedAt time.Time
}

func NewDetector() *Detector {
	return &Detector{cached: TypeUnknown}
}

func (d *Detector) CurrentType() Type {
	d.mu.Lock()
	defer d.mu.Unlock()

	if time.Since(d.cachedAt) < cacheTTL && !d.cachedAt.IsZero() {
		return d.cached
	}
	d.cached = classify(outboundInterface())
	d.cachedAt = time.Now()
	return d.cached
}

// outboundInterface resolves the interface a UDP "connection" to a public
// address would use. No packet is sent.
func outboundInterface() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()
	localIP := conn.LocalAddr().(*net.UDPAddr).IP

	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		addrs, _ := iface.Addrs()
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.Equal(localIP) {
				return iface.Name
			}
		}
	}
	return ""
}

func classify(iface string) Type {
	if iface == "" {
		return TypeUnknown
	}
	name := strings.ToLower(iface)
	for _, p := range []string{"wl", "wlan", "wifi", "ath"} {
		if strings.HasPrefix(name, p) {
			return TypeWifi
		}
	}
	// A wireless sysfs entry marks wifi even with an unusual name.
	if _, err := os.Stat("/sys/class/net/" + iface + "/wireless"); err == nil {
		return TypeWifi
	}
	for _, p := range []string{"wwan", "ppp", "rmnet", "usb"} {
		if strings.HasPrefix(name, p) {
			return TypeCellular
		}
	}
	return TypeUnknown
}
