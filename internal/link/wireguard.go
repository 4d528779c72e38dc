package link

import (
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/corelink-dev/corelink/internal/server"
)

const wireGuardDefaultPort = 51820

// ParseWireGuard consumes INI-style WireGuard config text (not a URI) and
// returns the canonical record, or nil when sections or required values are
// missing or malformed.
func ParseWireGuard(text string, name string) *server.Record {
	cfg, err := ini.Load([]byte(text))
	if err != nil {
		return nil
	}

	iface, err := cfg.GetSection("Interface")
	if err != nil {
		return nil
	}
	peer, err := cfg.GetSection("Peer")
	if err != nil {
		return nil
	}

	privateKey := iface.Key("PrivateKey").String()
	publicKey := peer.Key("PublicKey").String()
	endpoint := peer.Key("Endpoint").String()
	if privateKey == "" || publicKey == "" || endpoint == "" {
		return nil
	}

	host := endpoint
	port := wireGuardDefaultPort
	if idx := strings.LastIndex(endpoint, ":"); idx > 0 {
		var ok bool
		if port, ok = parsePort(endpoint[idx+1:]); !ok {
			return nil
		}
		host = endpoint[:idx]
	}
	if host == "" {
		return nil
	}

	rec := &server.Record{
		ID:           server.NewID(),
		Protocol:     server.ProtocolWireGuard,
		Server:       host,
		Port:         port,
		PrivateKey:   privateKey,
		PublicKey:    publicKey,
		PresharedKey: peer.Key("PresharedKey").String(),
		AllowedIPs:   peer.Key("AllowedIPs").String(),
	}

	// First address entry only; the rest are extra tunnel-local routes.
	if address := iface.Key("Address").String(); address != "" {
		rec.LocalAddress = strings.TrimSpace(strings.Split(address, ",")[0])
	}

	rec.Name, rec.Group = deriveNameGroup(name)
	return rec
}

// GenerateWireGuard renders a record back into WireGuard config text.
func GenerateWireGuard(rec *server.Record) string {
	if rec == nil || rec.Protocol != server.ProtocolWireGuard {
		return ""
	}

	var b strings.Builder
	b.WriteString("[Interface]\n")
	b.WriteString("PrivateKey = " + rec.PrivateKey + "\n")
	if rec.LocalAddress != "" {
		b.WriteString("Address = " + rec.LocalAddress + "\n")
	}
	b.WriteString("\n[Peer]\n")
	b.WriteString("PublicKey = " + rec.PublicKey + "\n")
	if rec.PresharedKey != "" {
		b.WriteString("PresharedKey = " + rec.PresharedKey + "\n")
	}
	if rec.AllowedIPs != "" {
		b.WriteString("AllowedIPs = " + rec.AllowedIPs + "\n")
	}
	b.WriteString("Endpoint = " + rec.Server + ":" + strconv.Itoa(rec.Port) + "\n")
	return b.String()
}
