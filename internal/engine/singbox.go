package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/corelink-dev/corelink/internal/server"
	"github.com/corelink-dev/corelink/internal/settings"
)

// SingBoxGenerator renders sing-box configuration documents.
type SingBoxGenerator struct{}

func (g *SingBoxGenerator) Name() string {
	return CoreSingBox
}

const singBoxLocalPort = 2080

// GenerateConfig renders the full runtime configuration for one record or
// chain, including DNS, routing and inbounds.
func (g *SingBoxGenerator) GenerateConfig(rec *server.Record, resolve Resolver, st settings.Settings) ([]byte, error) {
	members := resolveChain(rec, resolve)

	outbounds := g.buildProxyOutbounds(members, st)
	outbounds = append(outbounds,
		map[string]any{"type": "direct", "tag": directTag},
		map[string]any{"type": "block", "tag": blockTag},
	)

	inbounds := []map[string]any{{
		"type":        "mixed",
		"tag":         "mixed-in",
		"listen":      "127.0.0.1",
		"listen_port": singBoxLocalPort,
	}}
	if st.TunEnabled {
		inbounds = append(inbounds, map[string]any{
			"type":                     "tun",
			"tag":                      "tun-in",
			"address":                  []string{"172.19.0.1/30"},
			"auto_route":               true,
			"strict_route":             true,
			"endpoint_independent_nat": true,
		})
	}

	rules, ruleSets := g.buildRouteRules(st)

	doc := map[string]any{
		"log":       map[string]any{"level": "warn"},
		"dns":       g.buildDNS(st, false),
		"inbounds":  inbounds,
		"outbounds": outbounds,
		"route": map[string]any{
			"rules":                 rules,
			"rule_set":              ruleSets,
			"final":                 proxyTag,
			"auto_detect_interface": true,
		},
	}
	return json.Marshal(doc)
}

// GenerateTestConfig renders one inbound/outbound pair per server, wired 1:1
// by index at deterministic local ports, with the final route direct so DNS
// resolves outside the tunnels.
func (g *SingBoxGenerator) GenerateTestConfig(servers []*server.Record, st settings.Settings) ([]byte, error) {
	inbounds := make([]map[string]any, 0, len(servers))
	outbounds := make([]map[string]any, 0, len(servers)+1)
	rules := make([]map[string]any, 0, len(servers))

	for i, rec := range servers {
		inTag := fmt.Sprintf("in-%d", i)
		outTag := fmt.Sprintf("out-%d", i)

		inbounds = append(inbounds, map[string]any{
			"type":        "mixed",
			"tag":         inTag,
			"listen":      "127.0.0.1",
			"listen_port": TestBasePort + i,
		})
		outbounds = append(outbounds, g.buildOutbound(rec, outTag, st, false))
		rules = append(rules, map[string]any{
			"inbound":  []string{inTag},
			"outbound": outTag,
		})
	}
	outbounds = append(outbounds, map[string]any{"type": "direct", "tag": directTag})

	doc := map[string]any{
		"log":       map[string]any{"level": "warn"},
		"dns":       g.buildDNS(st, true),
		"inbounds":  inbounds,
		"outbounds": outbounds,
		"route": map[string]any{
			"rules": rules,
			"final": directTag,
		},
	}
	return json.Marshal(doc)
}

// buildProxyOutbounds renders a single record as "proxy", or a chain as
// uniquely tagged members linked in order plus a synthetic selector that
// carries the chain's final tag.
func (g *SingBoxGenerator) buildProxyOutbounds(members []*server.Record, st settings.Settings) []map[string]any {
	if len(members) == 0 {
		// Every chain member was deleted. Render a direct stand-in under the
		// proxy tag so the config stays loadable until the chain is repaired.
		return []map[string]any{{"type": "direct", "tag": proxyTag}}
	}
	if len(members) == 1 {
		return []map[string]any{g.buildOutbound(members[0], proxyTag, st, true)}
	}

	outbounds := make([]map[string]any, 0, len(members)+1)
	for i, member := range members {
		tag := fmt.Sprintf("%s-%d", proxyTag, i)
		outbound := g.buildOutbound(member, tag, st, true)
		if i > 0 {
			// The exit dials through the previous hop, down to the entry.
			outbound["detour"] = fmt.Sprintf("%s-%d", proxyTag, i-1)
		}
		outbounds = append(outbounds, outbound)
	}

	exitTag := fmt.Sprintf("%s-%d", proxyTag, len(members)-1)
	outbounds = append(outbounds, map[string]any{
		"type":      "selector",
		"tag":       proxyTag,
		"outbounds": []string{exitTag},
		"default":   exitTag,
	})
	return outbounds
}

func (g *SingBoxGenerator) buildOutbound(rec *server.Record, tag string, st settings.Settings, full bool) map[string]any {
	outbound := map[string]any{
		"tag":         tag,
		"server":      rec.Server,
		"server_port": rec.Port,
	}

	switch rec.Protocol {
	case server.ProtocolVLESS:
		outbound["type"] = "vless"
		outbound["uuid"] = rec.UUID
		if rec.Flow != "" {
			outbound["flow"] = rec.Flow
		}
	case server.ProtocolVMess:
		outbound["type"] = "vmess"
		outbound["uuid"] = rec.UUID
		outbound["alter_id"] = rec.AlterID
		security := rec.Security
		if security == "" {
			security = "auto"
		}
		outbound["security"] = security
	case server.ProtocolShadowsocks:
		outbound["type"] = "shadowsocks"
		outbound["method"] = rec.Method
		outbound["password"] = rec.Password
	case server.ProtocolTrojan:
		outbound["type"] = "trojan"
		outbound["password"] = rec.Password
	case server.ProtocolTUIC:
		outbound["type"] = "tuic"
		outbound["uuid"] = rec.UUID
		outbound["password"] = rec.Password
		outbound["congestion_control"] = rec.CongestionControl
		outbound["udp_relay_mode"] = rec.UDPRelayMode
	case server.ProtocolHysteria2:
		outbound["type"] = "hysteria2"
		outbound["password"] = rec.Password
		if rec.Obfs != "" {
			outbound["obfs"] = map[string]any{
				"type":     rec.Obfs,
				"password": rec.ObfsPassword,
			}
		}
		if st.Hy2UpMbps > 0 {
			outbound["up_mbps"] = st.Hy2UpMbps
		}
		if st.Hy2DownMbps > 0 {
			outbound["down_mbps"] = st.Hy2DownMbps
		}
	case server.ProtocolSSH:
		outbound["type"] = "ssh"
		outbound["user"] = rec.User
		if rec.Password != "" {
			outbound["password"] = rec.Password
		}
	case server.ProtocolWireGuard:
		outbound["type"] = "wireguard"
		outbound["private_key"] = rec.PrivateKey
		outbound["peer_public_key"] = rec.PublicKey
		if rec.PresharedKey != "" {
			outbound["pre_shared_key"] = rec.PresharedKey
		}
		if rec.LocalAddress != "" {
			outbound["local_address"] = []string{rec.LocalAddress}
		}
	}

	if tls := g.buildTLS(rec, st); tls != nil {
		outbound["tls"] = tls
	}
	if transport := g.buildTransport(rec); transport != nil {
		outbound["transport"] = transport
	}
	if full && st.MuxEnabled && supportsMux(rec.Protocol) {
		outbound["multiplex"] = map[string]any{
			"enabled":     true,
			"protocol":    st.MuxProtocol,
			"max_streams": st.MuxMaxStreams,
			"padding":     st.MuxPadding,
		}
	}

	return outbound
}

func (g *SingBoxGenerator) buildTLS(rec *server.Record, st settings.Settings) map[string]any {
	switch rec.Protocol {
	case server.ProtocolWireGuard, server.ProtocolSSH, server.ProtocolShadowsocks:
		return nil
	}
	if !rec.TLSEnabled {
		return nil
	}

	tls := map[string]any{
		"enabled":     true,
		"server_name": serverName(rec),
	}
	if rec.Insecure || rec.AllowInsecure {
		tls["insecure"] = true
	}
	if alpn := splitCSV(rec.ALPN); len(alpn) > 0 {
		tls["alpn"] = alpn
	}
	if rec.FP != "" {
		tls["utls"] = map[string]any{
			"enabled":     true,
			"fingerprint": rec.FP,
		}
	}
	if rec.TLSType == "reality" {
		tls["reality"] = map[string]any{
			"enabled":    true,
			"public_key": rec.PublicKey,
			"short_id":   rec.ShortID,
		}
	}
	if st.TLSFragmentEnabled {
		size, sleep := fragmentRanges(st)
		tls["fragment"] = map[string]any{
			"enabled": true,
			"size":    size,
			"sleep":   sleep,
		}
	}
	return tls
}

func (g *SingBoxGenerator) buildTransport(rec *server.Record) map[string]any {
	if rec.Transport != "ws" {
		return nil
	}
	transport := map[string]any{"type": "ws"}
	if rec.WSPath != "" {
		transport["path"] = rec.WSPath
	}
	if rec.WSHost != "" {
		transport["headers"] = map[string]string{"Host": rec.WSHost}
	}
	return transport
}

// buildDNS renders the resolver pair: first configured entry answers through
// the proxy, the second (or fallback) answers bypassed domains directly. In
// test mode the final resolver is forced direct.
func (g *SingBoxGenerator) buildDNS(st settings.Settings, testMode bool) map[string]any {
	remote, direct := dnsPair(st)

	servers := []map[string]any{
		{"tag": "dns-remote", "address": remote, "detour": proxyTag},
		{"tag": "dns-direct", "address": direct, "detour": directTag},
	}
	final := "dns-remote"
	if testMode {
		servers = []map[string]any{
			{"tag": "dns-direct", "address": direct, "detour": directTag},
		}
		final = "dns-direct"
	}

	dns := map[string]any{
		"servers": servers,
		"final":   final,
	}
	if !testMode {
		if bypass := plainBypassDomains(st); len(bypass) > 0 {
			dns["rules"] = []map[string]any{
				{"domain_suffix": bypass, "server": "dns-direct"},
			}
		}
	}
	return dns
}

// buildRouteRules renders the bypass lists, the tagged rule-set references
// and the user-defined rules.
func (g *SingBoxGenerator) buildRouteRules(st settings.Settings) ([]map[string]any, []map[string]any) {
	var rules []map[string]any
	var ruleSets []map[string]any
	seenRuleSets := map[string]bool{}

	addRuleSet := func(kind, code string) string {
		tag := kind + "-" + code
		if seenRuleSets[tag] {
			return tag
		}
		seenRuleSets[tag] = true

		url := fmt.Sprintf(geositeRuleSetURL, code)
		if kind == "geoip" {
			url = fmt.Sprintf(geoipRuleSetURL, code)
		}
		if isIranCode(code) {
			url = fmt.Sprintf(iranGeositeRuleSetURL, code)
			if kind == "geoip" {
				url = fmt.Sprintf(iranGeoipRuleSetURL, code)
			}
		}
		ruleSets = append(ruleSets, map[string]any{
			"tag":             tag,
			"type":            "remote",
			"format":          "binary",
			"url":             url,
			"download_detour": directTag,
		})
		return tag
	}

	var bypassDomains, bypassIPs, bypassRuleSets []string
	for _, entry := range classifyBypass(st.BypassDomains, st.BypassIPs) {
		switch entry.kind {
		case "domain":
			bypassDomains = append(bypassDomains, entry.value)
		case "ip":
			bypassIPs = append(bypassIPs, entry.value)
		case "geosite":
			bypassRuleSets = append(bypassRuleSets, addRuleSet("geosite", entry.value))
		case "geoip":
			bypassRuleSets = append(bypassRuleSets, addRuleSet("geoip", entry.value))
		}
	}
	if len(bypassDomains) > 0 {
		rules = append(rules, map[string]any{"domain_suffix": bypassDomains, "outbound": directTag})
	}
	if len(bypassIPs) > 0 {
		rules = append(rules, map[string]any{"ip_cidr": bypassIPs, "outbound": directTag})
	}
	if len(bypassRuleSets) > 0 {
		rules = append(rules, map[string]any{"rule_set": bypassRuleSets, "outbound": directTag})
	}

	for _, rule := range st.CustomRoutingRules {
		outbound := ruleAction(rule.Action)
		entry := map[string]any{"outbound": outbound}
		switch rule.Type {
		case "domain":
			entry["domain_suffix"] = []string{rule.Value}
		case "ip":
			entry["ip_cidr"] = []string{rule.Value}
		case "process":
			entry["process_name"] = []string{rule.Value}
		case "geosite":
			entry["rule_set"] = []string{addRuleSet("geosite", rule.Value)}
		case "geoip":
			entry["rule_set"] = []string{addRuleSet("geoip", rule.Value)}
		default:
			continue
		}
		rules = append(rules, entry)
	}

	return rules, ruleSets
}

// ruleAction maps a rule action onto an outbound tag; unknown actions are
// treated as named outbounds.
func ruleAction(action string) string {
	switch strings.ToLower(action) {
	case "proxy", "":
		return proxyTag
	case "direct":
		return directTag
	case "block":
		return blockTag
	}
	return action
}
