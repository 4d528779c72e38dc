package engine

import (
	"encoding/json"
	"fmt"

	"github.com/corelink-dev/corelink/internal/server"
	"github.com/corelink-dev/corelink/internal/settings"
)

// XrayGenerator renders Xray configuration documents. Same capability
// contract as the sing-box renderer, entirely different schema: outbounds
// carry settings/streamSettings objects, routing uses field rules, and
// geosite/geoip lists are native tags instead of remote rule-sets.
type XrayGenerator struct{}

func (g *XrayGenerator) Name() string {
	return CoreXray
}

const (
	xrayLocalPort  = 2080
	fragmentOutTag = "fragment"
)

func (g *XrayGenerator) GenerateConfig(rec *server.Record, resolve Resolver, st settings.Settings) ([]byte, error) {
	members := resolveChain(rec, resolve)

	outbounds := g.buildProxyOutbounds(members, st)
	outbounds = append(outbounds,
		map[string]any{"protocol": "freedom", "tag": directTag},
		map[string]any{"protocol": "blackhole", "tag": blockTag},
	)
	if st.TLSFragmentEnabled {
		outbounds = append(outbounds, g.buildFragmentOutbound(st))
	}

	doc := map[string]any{
		"log": map[string]any{"loglevel": "warning"},
		"dns": g.buildDNS(st, false),
		"inbounds": []map[string]any{{
			"tag":      "mixed-in",
			"protocol": "socks",
			"listen":   "127.0.0.1",
			"port":     xrayLocalPort,
			"settings": map[string]any{"udp": true},
		}},
		"outbounds": outbounds,
		"routing": map[string]any{
			"domainStrategy": "AsIs",
			"rules":          g.buildRouteRules(st),
		},
	}
	return json.Marshal(doc)
}

func (g *XrayGenerator) GenerateTestConfig(servers []*server.Record, st settings.Settings) ([]byte, error) {
	inbounds := make([]map[string]any, 0, len(servers))
	outbounds := make([]map[string]any, 0, len(servers)+1)
	rules := make([]map[string]any, 0, len(servers))

	for i, rec := range servers {
		inTag := fmt.Sprintf("in-%d", i)
		outTag := fmt.Sprintf("out-%d", i)

		inbounds = append(inbounds, map[string]any{
			"tag":      inTag,
			"protocol": "socks",
			"listen":   "127.0.0.1",
			"port":     TestBasePort + i,
			"settings": map[string]any{"udp": false},
		})
		outbounds = append(outbounds, g.buildOutbound(rec, outTag, st, false))
		rules = append(rules, map[string]any{
			"type":        "field",
			"inboundTag":  []string{inTag},
			"outboundTag": outTag,
		})
	}
	outbounds = append(outbounds, map[string]any{"protocol": "freedom", "tag": directTag})

	doc := map[string]any{
		"log":      map[string]any{"loglevel": "warning"},
		"dns":      g.buildDNS(st, true),
		"inbounds": inbounds,
		"outbounds": outbounds,
		"routing": map[string]any{
			"domainStrategy": "AsIs",
			"rules":          rules,
		},
	}
	return json.Marshal(doc)
}

// buildProxyOutbounds renders a single record as "proxy", or a chain linked
// through sockopt dialer proxies. Xray picks the first outbound as the
// default target, so the exit hop comes first and carries the proxy tag.
func (g *XrayGenerator) buildProxyOutbounds(members []*server.Record, st settings.Settings) []map[string]any {
	if len(members) == 0 {
		// Every chain member was deleted. Render a freedom stand-in under the
		// proxy tag so the config stays loadable until the chain is repaired.
		return []map[string]any{{"protocol": "freedom", "tag": proxyTag}}
	}
	if len(members) == 1 {
		return []map[string]any{g.buildOutbound(members[0], proxyTag, st, true)}
	}

	tags := make([]string, len(members))
	for i := range members {
		tags[i] = fmt.Sprintf("%s-%d", proxyTag, i)
	}
	tags[len(members)-1] = proxyTag

	outbounds := make([]map[string]any, 0, len(members))
	for i := len(members) - 1; i >= 0; i-- {
		outbound := g.buildOutbound(members[i], tags[i], st, true)
		if i > 0 {
			setDialerProxy(outbound, tags[i-1])
		}
		outbounds = append(outbounds, outbound)
	}
	return outbounds
}

func (g *XrayGenerator) buildOutbound(rec *server.Record, tag string, st settings.Settings, full bool) map[string]any {
	outbound := map[string]any{
		"tag":      tag,
		"protocol": string(rec.Protocol),
	}

	switch rec.Protocol {
	case server.ProtocolVLESS:
		user := map[string]any{
			"id":         rec.UUID,
			"encryption": "none",
			"level":      0,
		}
		if rec.Flow != "" {
			user["flow"] = rec.Flow
		}
		outbound["settings"] = map[string]any{
			"vnext": []map[string]any{{
				"address": rec.Server,
				"port":    rec.Port,
				"users":   []map[string]any{user},
			}},
		}
	case server.ProtocolVMess:
		security := rec.Security
		if security == "" {
			security = "auto"
		}
		outbound["settings"] = map[string]any{
			"vnext": []map[string]any{{
				"address": rec.Server,
				"port":    rec.Port,
				"users": []map[string]any{{
					"id":       rec.UUID,
					"alterId":  rec.AlterID,
					"security": security,
					"level":    0,
				}},
			}},
		}
	case server.ProtocolShadowsocks:
		outbound["settings"] = map[string]any{
			"servers": []map[string]any{{
				"address":  rec.Server,
				"port":     rec.Port,
				"method":   rec.Method,
				"password": rec.Password,
			}},
		}
	case server.ProtocolTrojan:
		outbound["settings"] = map[string]any{
			"servers": []map[string]any{{
				"address":  rec.Server,
				"port":     rec.Port,
				"password": rec.Password,
			}},
		}
	case server.ProtocolWireGuard:
		outbound["settings"] = map[string]any{
			"secretKey": rec.PrivateKey,
			"address":   splitCSV(rec.LocalAddress),
			"peers": []map[string]any{{
				"endpoint":     fmt.Sprintf("%s:%d", rec.Server, rec.Port),
				"publicKey":    rec.PublicKey,
				"preSharedKey": rec.PresharedKey,
			}},
		}
	default:
		// tuic, hysteria2 and ssh have no native Xray outbound; a generic
		// server entry keeps generation total and the document well-formed.
		entry := map[string]any{
			"address": rec.Server,
			"port":    rec.Port,
		}
		if rec.Password != "" {
			entry["password"] = rec.Password
		}
		if rec.UUID != "" {
			entry["uuid"] = rec.UUID
		}
		outbound["settings"] = map[string]any{
			"servers": []map[string]any{entry},
		}
	}

	if stream := g.buildStreamSettings(rec, st, full); stream != nil {
		outbound["streamSettings"] = stream
	}
	if full && st.MuxEnabled && supportsMux(rec.Protocol) {
		outbound["mux"] = map[string]any{
			"enabled":     true,
			"concurrency": st.MuxMaxStreams,
		}
	}
	return outbound
}

func (g *XrayGenerator) buildStreamSettings(rec *server.Record, st settings.Settings, full bool) map[string]any {
	switch rec.Protocol {
	case server.ProtocolWireGuard, server.ProtocolSSH:
		return nil
	}

	stream := map[string]any{}
	network := rec.Transport
	if network == "" {
		network = "tcp"
	}
	stream["network"] = network

	if network == "ws" {
		wsSettings := map[string]any{}
		if rec.WSPath != "" {
			wsSettings["path"] = rec.WSPath
		}
		host := rec.WSHost
		if host == "" && rec.SNI != "" {
			host = rec.SNI
		}
		if host != "" {
			wsSettings["headers"] = map[string]string{"Host": host}
		}
		if len(wsSettings) > 0 {
			stream["wsSettings"] = wsSettings
		}
	}

	if rec.TLSEnabled {
		if rec.TLSType == "reality" {
			stream["security"] = "reality"
			realitySettings := map[string]any{
				"serverName": serverName(rec),
				"publicKey":  rec.PublicKey,
			}
			if rec.ShortID != "" {
				realitySettings["shortId"] = rec.ShortID
			}
			if rec.FP != "" {
				realitySettings["fingerprint"] = rec.FP
			}
			stream["realitySettings"] = realitySettings
		} else {
			stream["security"] = "tls"
			tlsSettings := map[string]any{
				"serverName": serverName(rec),
			}
			if rec.Insecure || rec.AllowInsecure {
				tlsSettings["allowInsecure"] = true
			}
			if alpn := splitCSV(rec.ALPN); len(alpn) > 0 {
				tlsSettings["alpn"] = alpn
			}
			if rec.FP != "" {
				tlsSettings["fingerprint"] = rec.FP
			}
			stream["tlsSettings"] = tlsSettings
		}
	}

	// TLS fragmentation works by detouring through a freedom outbound that
	// splits the handshake; full mode only, never in test configs.
	if full && st.TLSFragmentEnabled && rec.TLSEnabled {
		stream["sockopt"] = map[string]any{"dialerProxy": fragmentOutTag}
	}

	if len(stream) == 0 {
		return nil
	}
	return stream
}

func (g *XrayGenerator) buildFragmentOutbound(st settings.Settings) map[string]any {
	size, sleep := fragmentRanges(st)
	return map[string]any{
		"tag":      fragmentOutTag,
		"protocol": "freedom",
		"settings": map[string]any{
			"fragment": map[string]any{
				"packets":  "tlshello",
				"length":   size,
				"interval": sleep,
			},
		},
	}
}

func (g *XrayGenerator) buildDNS(st settings.Settings, testMode bool) map[string]any {
	remote, direct := dnsPair(st)
	if testMode {
		return map[string]any{"servers": []any{direct}}
	}

	servers := []any{remote}
	if bypass := plainBypassDomains(st); len(bypass) > 0 {
		servers = append(servers, map[string]any{
			"address": direct,
			"domains": bypass,
		})
	} else {
		servers = append(servers, direct)
	}
	return map[string]any{"servers": servers}
}

// buildRouteRules renders bypass and user rules with Xray's field grammar.
// geosite/geoip tags use the engine's bundled data files, so no remote
// rule-set materialization (and no Iran URL override) applies here.
func (g *XrayGenerator) buildRouteRules(st settings.Settings) []map[string]any {
	var rules []map[string]any

	var bypassDomains, bypassIPs []string
	for _, entry := range classifyBypass(st.BypassDomains, st.BypassIPs) {
		switch entry.kind {
		case "domain":
			bypassDomains = append(bypassDomains, entry.value)
		case "geosite":
			bypassDomains = append(bypassDomains, "geosite:"+entry.value)
		case "ip":
			bypassIPs = append(bypassIPs, entry.value)
		case "geoip":
			bypassIPs = append(bypassIPs, "geoip:"+entry.value)
		}
	}
	if len(bypassDomains) > 0 {
		rules = append(rules, map[string]any{
			"type":        "field",
			"domain":      bypassDomains,
			"outboundTag": directTag,
		})
	}
	if len(bypassIPs) > 0 {
		rules = append(rules, map[string]any{
			"type":        "field",
			"ip":          bypassIPs,
			"outboundTag": directTag,
		})
	}

	for _, rule := range st.CustomRoutingRules {
		entry := map[string]any{
			"type":        "field",
			"outboundTag": ruleAction(rule.Action),
		}
		switch rule.Type {
		case "domain":
			entry["domain"] = []string{rule.Value}
		case "ip":
			entry["ip"] = []string{rule.Value}
		case "geosite":
			entry["domain"] = []string{"geosite:" + rule.Value}
		case "geoip":
			entry["ip"] = []string{"geoip:" + rule.Value}
		default:
			// process rules are a sing-box capability; Xray has no
			// equivalent field, so they are skipped here.
			continue
		}
		rules = append(rules, entry)
	}

	return rules
}

func setDialerProxy(outbound map[string]any, tag string) {
	stream, ok := outbound["streamSettings"].(map[string]any)
	if !ok {
		stream = map[string]any{}
		outbound["streamSettings"] = stream
	}
	sockopt, ok := stream["sockopt"].(map[string]any)
	if !ok {
		sockopt = map[string]any{}
		stream["sockopt"] = sockopt
	}
	sockopt["dialerProxy"] = tag
}
