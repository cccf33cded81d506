// Package discovery advertises and browses bridge servers on the
// local network over mDNS. It is advisory only: connecting to a
// discovered peer goes through the same session machinery as a
// manually entered address, and a discovery failure degrades to an
// empty peer set without touching the data path.
package discovery

import (
	"fmt"
	"strings"

	"github.com/hashicorp/mdns"

	"github.com/usblink/usblink/proto"
)

const (
	// ServiceType identifies this application's protocol family.
	ServiceType = "_usb-share._tcp"

	// ProtocolVersion is advertised in the service record's TXT data.
	ProtocolVersion = "3.0"
)

// Peer is one discovered server. Entries are keyed by name and
// removed only on departure or TTL expiry.
type Peer struct {
	Name       string `json:"name"`
	Address    string `json:"address"`
	Port       int    `json:"port"`
	Version    string `json:"version"`
	TLSEnabled bool   `json:"tls_enabled"`
}

// Addr returns the dial target for the peer.
func (p Peer) Addr() string {
	return fmt.Sprintf("%s:%d", p.Address, p.Port)
}

// Announcer is a registered service record. Shutdown withdraws it
// explicitly so browsing peers see prompt removal.
type Announcer struct {
	server *mdns.Server
}

// Announce registers a service record naming the server and
// advertising its port, protocol version, and TLS mode.
func Announce(name string, port int, tlsEnabled bool) (*Announcer, error) {
	txt := []string{
		"version=" + ProtocolVersion,
		"tls=" + fmt.Sprintf("%t", tlsEnabled),
	}
	service, err := mdns.NewMDNSService(name, ServiceType, "", "", port, nil, txt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", proto.ErrDiscoveryUnavailable, err)
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", proto.ErrDiscoveryUnavailable, err)
	}
	return &Announcer{server: server}, nil
}

// Shutdown deregisters the service record.
func (a *Announcer) Shutdown() error {
	return a.server.Shutdown()
}

// parseEntry converts an mDNS answer into a Peer. Entries without a
// usable address are skipped.
func parseEntry(entry *mdns.ServiceEntry) (Peer, bool) {
	var address string
	if entry.AddrV4 != nil {
		address = entry.AddrV4.String()
	} else if entry.AddrV6 != nil {
		address = fmt.Sprintf("[%s]", entry.AddrV6.String())
	} else {
		return Peer{}, false
	}

	p := Peer{
		Name:    instanceName(entry.Name),
		Address: address,
		Port:    entry.Port,
	}
	for _, field := range entry.InfoFields {
		if v, ok := strings.CutPrefix(field, "version="); ok {
			p.Version = v
		}
		if v, ok := strings.CutPrefix(field, "tls="); ok {
			p.TLSEnabled = v == "true"
		}
	}
	return p, true
}

// instanceName strips the service type and domain suffix from a full
// entry name ("Shop._usb-share._tcp.local."), leaving the
// operator-chosen server name.
func instanceName(full string) string {
	name := full
	if i := strings.Index(name, "."+ServiceType); i >= 0 {
		name = name[:i]
	} else if i := strings.IndexByte(name, '.'); i >= 0 {
		name = name[:i]
	}
	return strings.ReplaceAll(name, "\\ ", " ")
}
