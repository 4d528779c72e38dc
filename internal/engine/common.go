package engine

import (
	"strconv"
	"strings"

	"github.com/corelink-dev/corelink/internal/server"
	"github.com/corelink-dev/corelink/internal/settings"
)

const (
	directTag = "direct"
	blockTag  = "block"
	proxyTag  = "proxy"

	fallbackDirectDNS = "8.8.8.8"
	fallbackRemoteDNS = "1.1.1.1"

	defaultFragmentSize  = "10-100"
	defaultFragmentSleep = "2-8"
)

// Remote rule-set URL templates. Iranian lists live in a community repo with
// far better coverage than the upstream one, so codes ir/tld-ir are special
// cased.
const (
	geositeRuleSetURL     = "https://raw.githubusercontent.com/SagerNet/sing-geosite/rule-set/geosite-%s.srs"
	geoipRuleSetURL       = "https://raw.githubusercontent.com/SagerNet/sing-geoip/rule-set/geoip-%s.srs"
	iranGeositeRuleSetURL = "https://raw.githubusercontent.com/Chocolate4U/Iran-sing-box-rules/rule-set/geosite-%s.srs"
	iranGeoipRuleSetURL   = "https://raw.githubusercontent.com/Chocolate4U/Iran-sing-box-rules/rule-set/geoip-%s.srs"
)

func isIranCode(code string) bool {
	return code == "ir" || code == "tld-ir"
}

// splitCSV splits a comma-separated setting into trimmed non-empty entries.
func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// dnsPair picks the proxied and direct resolvers from the dns_servers
// setting: first entry is the proxied resolver, second (or a hardcoded
// fallback) the direct one.
func dnsPair(st settings.Settings) (remote, direct string) {
	servers := splitCSV(st.DNSServers)
	remote = fallbackRemoteDNS
	direct = fallbackDirectDNS
	if len(servers) > 0 {
		remote = servers[0]
	}
	if len(servers) > 1 {
		direct = servers[1]
	}
	return remote, direct
}

// validRange reports whether s parses as "min-max" with numeric bounds.
// Malformed ranges fail soft: callers substitute a default.
func validRange(s string) bool {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return false
	}
	lo, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	hi, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	return err1 == nil && err2 == nil && lo > 0 && hi >= lo
}

func fragmentRanges(st settings.Settings) (size, sleep string) {
	size = st.TLSFragmentSize
	if !validRange(size) {
		size = defaultFragmentSize
	}
	sleep = st.TLSFragmentSleep
	if !validRange(sleep) {
		sleep = defaultFragmentSleep
	}
	return size, sleep
}

// serverName picks the TLS server name: explicit SNI or the server host.
func serverName(rec *server.Record) string {
	if rec.SNI != "" {
		return rec.SNI
	}
	return rec.Server
}

// supportsMux reports whether multiplexing applies: equal treatment across
// protocols except those that structurally cannot multiplex.
func supportsMux(p server.Protocol) bool {
	switch p {
	case server.ProtocolWireGuard, server.ProtocolSSH:
		return false
	}
	return true
}

// bypassEntry is one classified entry of the bypass lists.
type bypassEntry struct {
	kind  string // domain, ip, geosite, geoip
	value string
}

// classifyBypass splits bypass_domains / bypass_ips entries into plain values
// and geosite:/geoip: tagged ones.
func classifyBypass(domains, ips string) []bypassEntry {
	var out []bypassEntry
	for _, entry := range splitCSV(domains) {
		if code, ok := strings.CutPrefix(entry, "domain:geosite:"); ok {
			out = append(out, bypassEntry{kind: "geosite", value: code})
		} else if code, ok := strings.CutPrefix(entry, "geosite:"); ok {
			out = append(out, bypassEntry{kind: "geosite", value: code})
		} else {
			out = append(out, bypassEntry{kind: "domain", value: entry})
		}
	}
	for _, entry := range splitCSV(ips) {
		if code, ok := strings.CutPrefix(entry, "geoip:"); ok {
			out = append(out, bypassEntry{kind: "geoip", value: code})
		} else {
			out = append(out, bypassEntry{kind: "ip", value: entry})
		}
	}
	return out
}

// plainBypassDomains returns the non-tagged domain entries of the bypass
// list, the ones the direct DNS resolver must answer.
func plainBypassDomains(st settings.Settings) []string {
	var out []string
	for _, entry := range classifyBypass(st.BypassDomains, "") {
		if entry.kind == "domain" {
			out = append(out, entry.value)
		}
	}
	return out
}

// resolveChain maps a chain record's member ids to records, skipping members
// that no longer exist in the registry.
func resolveChain(rec *server.Record, resolve Resolver) []*server.Record {
	if !rec.IsChain {
		return []*server.Record{rec}
	}
	var members []*server.Record
	for _, id := range rec.ChainIDs {
		if resolve == nil {
			break
		}
		if member := resolve(id); member != nil {
			members = append(members, member)
		}
	}
	return members
}
