package transport

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/pkg/errors"
)

// Endpoint is a bridge found on the local network.
type Endpoint struct {
	Instance string
	Host     string
	Port     int
	Addrs    []net.IP
	Path     string
}

// URL returns the websocket URL of the bridge, preferring an IPv4 address.
func (e Endpoint) URL() string {
	host := strings.TrimSuffix(e.Host, ".")
	if len(e.Addrs) > 0 {
		host = e.Addrs[0].String()
	}
	path := e.Path
	if path == "" {
		path = BridgePath
	}
	return fmt.Sprintf("ws://%s%s", net.JoinHostPort(host, fmt.Sprint(e.Port)), path)
}

func endpointFrom(entry *zeroconf.ServiceEntry) Endpoint {
	ep := Endpoint{
		Instance: entry.Instance,
		Host:     entry.HostName,
		Port:     entry.Port,
		Addrs:    append(append([]net.IP(nil), entry.AddrIPv4...), entry.AddrIPv6...),
	}
	for _, t := range entry.Text {
		if v, ok := strings.CutPrefix(t, "path="); ok {
			ep.Path = v
		}
	}
	return ep
}

// Discover browses mDNS for bridges until timeout elapses or ctx is done.
func Discover(ctx context.Context, timeout time.Duration) ([]Endpoint, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, errors.Wrap(err, "mdns resolver")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, ServiceType, mdnsDomain, entries); err != nil {
		return nil, errors.Wrap(err, "mdns browse")
	}

	var found []Endpoint
	seen := make(map[string]bool)
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return found, nil
			}
			if entry == nil || seen[entry.Instance] {
				continue
			}
			seen[entry.Instance] = true
			found = append(found, endpointFrom(entry))
		case <-ctx.Done():
			return found, nil
		}
	}
}
