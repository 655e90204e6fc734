package connectivity

import (
	"net"
	"strings"
)

var transportPrefixes = []struct {
	prefix    string
	transport Transport
}{
	{"wlan", TransportWiFi},
	{"wl", TransportWiFi},
	{"wwan", TransportCellular},
	{"rmnet", TransportCellular},
	{"ppp", TransportCellular},
	{"eth", TransportWired},
	{"en", TransportWired},
}

// ClassifyInterface maps an interface name to a transport.
func ClassifyInterface(name string) Transport {
	name = strings.ToLower(name)
	for _, p := range transportPrefixes {
		if strings.HasPrefix(name, p.prefix) {
			return p.transport
		}
	}
	return TransportUnknown
}

// ClassifyInterfaces picks the best link among active interface names:
// wired, then wifi, then cellular.
func ClassifyInterfaces(names []string) Transport {
	found := make(map[Transport]bool)
	for _, name := range names {
		found[ClassifyInterface(name)] = true
	}

	for _, t := range []Transport{TransportWired, TransportWiFi, TransportCellular} {
		if found[t] {
			return t
		}
	}
	return TransportUnknown
}

// InterfaceTransport classifies the host's up, non-loopback interfaces.
func InterfaceTransport() Transport {
	ifaces, err := net.Interfaces()
	if err != nil {
		return TransportUnknown
	}

	var names []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		names = append(names, iface.Name)
	}
	return ClassifyInterfaces(names)
}
