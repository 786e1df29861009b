package config

import (
	"net"
	"os"
	"slices"
)

// LocalHosts returns the names and addresses a client might use to reach this
// system: the hostname, every non-loopback IPv4 address on an interface that
// is up, then "localhost" and "127.0.0.1". Duplicates are removed.
func LocalHosts() []string {
	hosts := make([]string, 0, 4)
	if name, err := os.Hostname(); err == nil && name != "" {
		hosts = append(hosts, name)
	}
	hosts = append(hosts, localIPv4()...)
	hosts = append(hosts, "localhost", "127.0.0.1")

	out := hosts[:0]
	for _, h := range hosts {
		if !slices.Contains(out, h) {
			out = append(out, h)
		}
	}
	return out
}

// AdvertisedIP returns the first non-loopback IPv4 address on the system, or
// "127.0.0.1" when there is none.
func AdvertisedIP() string {
	if ips := localIPv4(); len(ips) > 0 {
		return ips[0]
	}
	return "127.0.0.1"
}

func localIPv4() []string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	var ips []string
	for _, i := range interfaces {
		if i.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := i.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if n, ok := addr.(*net.IPNet); ok && !n.IP.IsLoopback() && n.IP.To4() != nil {
				ips = append(ips, n.IP.String())
			}
		}
	}
	return ips
}
