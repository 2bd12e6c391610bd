package coordinator

import (
	"log/slog"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/hashicorp/mdns"

	"github.com/izzyreal/edgeagent/internal/config"
	"github.com/izzyreal/edgeagent/internal/version"
)

// startMDNSAdvertiser announces the coordinator as _edgecoord._tcp so agents
// configured for discovery can find it. Failures only disable advertising.
func startMDNSAdvertiser(listenAddr, instance string) func() {
	port, err := listenPort(listenAddr)
	if err != nil {
		slog.Warn("mdns advertise disabled", "addr", listenAddr, "error", err)
		return func() {}
	}

	if strings.TrimSpace(instance) == "" {
		host, _ := os.Hostname()
		if strings.TrimSpace(host) == "" {
			host = "local"
		}
		instance = "edgecoord-" + host
	}
	meta := []string{
		"name=edgecoord",
		"api_version=1",
		"scheme=http",
		"version=" + version.Current(),
	}
	service, err := mdns.NewMDNSService(instance, config.DefaultDiscoveryService, "", "", port, discoverAdvertiseIPs(), meta)
	if err != nil {
		slog.Error("mdns advertise service setup failed", "error", err)
		return func() {}
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		slog.Error("mdns advertise start failed", "error", err)
		return func() {}
	}
	slog.Info("mdns advertising enabled", "service", config.DefaultDiscoveryService, "instance", instance, "port", port)

	return func() {
		_ = server.Shutdown()
	}
}

func discoverAdvertiseIPs() []net.IP {
	ifAddrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	return filterAdvertiseIPs(ifAddrs)
}

// filterAdvertiseIPs keeps routable unicast addresses, IPv4 first.
func filterAdvertiseIPs(addrs []net.Addr) []net.IP {
	seen := map[string]struct{}{}
	out := make([]net.IP, 0, len(addrs))
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet == nil || ipNet.IP == nil {
			continue
		}
		ip := ipNet.IP
		if ip.IsLoopback() || ip.IsUnspecified() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			continue
		}
		normalized := ip.To16()
		if normalized == nil {
			continue
		}
		key := normalized.String()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, normalized)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Slice(out, func(i, j int) bool {
		ai := out[i].To4() != nil
		aj := out[j].To4() != nil
		if ai != aj {
			return ai
		}
		return out[i].String() < out[j].String()
	})
	return out
}

func listenPort(addr string) (int, error) {
	_, p, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(p)
}
