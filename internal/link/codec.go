// Package link implements the bidirectional codec between compact share-link
// URIs and the canonical server record. Parsing is total: any decoding or
// format error yields nil, never an error or panic.
package link

import (
	"encoding/base64"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"github.com/corelink-dev/corelink/internal/server"
)

// Parse dispatches on the URI scheme prefix and returns the canonical record,
// or nil for unknown schemes and malformed links.
func Parse(raw string) *server.Record {
	raw = strings.TrimSpace(raw)

	switch {
	case strings.HasPrefix(raw, "vless://"):
		return parseVLESS(raw)
	case strings.HasPrefix(raw, "vmess://"):
		return parseVMess(raw)
	case strings.HasPrefix(raw, "ss://"):
		return parseShadowsocks(raw)
	case strings.HasPrefix(raw, "trojan://"):
		return parseTrojan(raw)
	case strings.HasPrefix(raw, "tuic://"):
		return parseTUIC(raw)
	case strings.HasPrefix(raw, "hysteria2://"), strings.HasPrefix(raw, "hy2://"):
		return parseHysteria2(raw)
	case strings.HasPrefix(raw, "ssh://"):
		return parseSSH(raw)
	}
	return nil
}

func parseVLESS(raw string) *server.Record {
	u, err := url.Parse(raw)
	if err != nil {
		return nil
	}

	uuid := u.User.Username()
	host := u.Hostname()
	if uuid == "" || host == "" {
		return nil
	}
	port, ok := parsePort(u.Port())
	if !ok {
		return nil
	}

	params := u.Query()
	rec := &server.Record{
		ID:       server.NewID(),
		Protocol: server.ProtocolVLESS,
		Server:   host,
		Port:     port,
		UUID:     uuid,
		Flow:     params.Get("flow"),
		FP:       params.Get("fp"),
		SNI:      params.Get("sni"),
		ShortID:  firstQuery(params, "sid", "shortId"),
	}

	rec.Transport = params.Get("type")
	if rec.Transport == "" {
		rec.Transport = "tcp"
	}
	if rec.Transport == "ws" {
		rec.WSPath = params.Get("path")
	}

	switch params.Get("security") {
	case "tls":
		rec.TLSEnabled = true
		rec.TLSType = "tls"
	case "reality":
		rec.PublicKey = firstQuery(params, "pbk", "publicKey")
		// Reality without a public key and SNI cannot handshake; reject the
		// whole link rather than carry a dead record.
		if rec.PublicKey == "" || rec.SNI == "" {
			return nil
		}
		rec.TLSEnabled = true
		rec.TLSType = "reality"
	}

	rec.Name, rec.Group = deriveNameGroup(u.Fragment)
	return rec
}

type vmessPayload struct {
	PS   string `json:"ps"`
	Add  string `json:"add"`
	Port any    `json:"port"`
	ID   string `json:"id"`
	Aid  any    `json:"aid"`
	Scy  string `json:"scy"`
	TLS  string `json:"tls"`
	Net  string `json:"net"`
	Path string `json:"path"`
	Host string `json:"host"`
}

func parseVMess(raw string) *server.Record {
	body := strings.TrimPrefix(raw, "vmess://")
	decoded, err := base64.StdEncoding.DecodeString(padBase64(body))
	if err != nil {
		decoded, err = base64.URLEncoding.DecodeString(padBase64(body))
		if err != nil {
			return nil
		}
	}

	var payload vmessPayload
	if err := json.Unmarshal(decoded, &payload); err != nil {
		return nil
	}
	if payload.Add == "" || payload.ID == "" {
		return nil
	}
	port, ok := parsePort(anyToString(payload.Port))
	if !ok {
		return nil
	}

	rec := &server.Record{
		ID:         server.NewID(),
		Protocol:   server.ProtocolVMess,
		Server:     payload.Add,
		Port:       port,
		UUID:       payload.ID,
		AlterID:    anyToInt(payload.Aid, 0),
		Security:   payload.Scy,
		TLSEnabled: payload.TLS == "tls",
		Transport:  payload.Net,
		WSPath:     payload.Path,
		WSHost:     payload.Host,
	}
	if rec.Security == "" {
		rec.Security = "auto"
	}
	if rec.Transport == "" {
		rec.Transport = "tcp"
	}
	if rec.TLSEnabled {
		rec.TLSType = "tls"
	}

	rec.Name, rec.Group = deriveNameGroup(payload.PS)
	return rec
}

func parseShadowsocks(raw string) *server.Record {
	u, err := url.Parse(raw)
	if err != nil {
		return nil
	}

	host := u.Hostname()
	if host == "" {
		return nil
	}
	port, ok := parsePort(u.Port())
	if !ok {
		return nil
	}

	decoded, err := base64.StdEncoding.DecodeString(padBase64(u.User.Username()))
	if err != nil {
		decoded, err = base64.URLEncoding.DecodeString(padBase64(u.User.Username()))
		if err != nil {
			return nil
		}
	}
	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) != 2 {
		return nil
	}

	rec := &server.Record{
		ID:       server.NewID(),
		Protocol: server.ProtocolShadowsocks,
		Server:   host,
		Port:     port,
		Method:   parts[0],
		Password: parts[1],
	}
	rec.Name, rec.Group = deriveNameGroup(u.Fragment)
	return rec
}

func parseTrojan(raw string) *server.Record {
	u, err := url.Parse(raw)
	if err != nil {
		return nil
	}

	password := u.User.Username()
	host := u.Hostname()
	if password == "" || host == "" {
		return nil
	}
	port, ok := parsePort(u.Port())
	if !ok {
		return nil
	}

	params := u.Query()
	rec := &server.Record{
		ID:         server.NewID(),
		Protocol:   server.ProtocolTrojan,
		Server:     host,
		Port:       port,
		Password:   password,
		SNI:        params.Get("sni"),
		FP:         params.Get("fp"),
		TLSEnabled: true,
		TLSType:    "tls",
	}
	rec.Name, rec.Group = deriveNameGroup(u.Fragment)
	return rec
}

func parseTUIC(raw string) *server.Record {
	u, err := url.Parse(raw)
	if err != nil {
		return nil
	}

	host := u.Hostname()
	if host == "" || u.User.Username() == "" {
		return nil
	}
	port, ok := parsePort(u.Port())
	if !ok {
		return nil
	}

	params := u.Query()
	rec := &server.Record{
		ID:                server.NewID(),
		Protocol:          server.ProtocolTUIC,
		Server:            host,
		Port:              port,
		UUID:              u.User.Username(),
		SNI:               params.Get("sni"),
		ALPN:              params.Get("alpn"),
		CongestionControl: params.Get("congestion_control"),
		UDPRelayMode:      params.Get("udp_relay_mode"),
		AllowInsecure:     params.Get("allow_insecure") == "1",
		TLSEnabled:        true,
		TLSType:           "tls",
	}
	if password, ok := u.User.Password(); ok {
		rec.Password = password
	}
	if rec.CongestionControl == "" {
		rec.CongestionControl = "bbr"
	}
	if rec.UDPRelayMode == "" {
		rec.UDPRelayMode = "native"
	}

	rec.Name, rec.Group = deriveNameGroup(u.Fragment)
	return rec
}

func parseHysteria2(raw string) *server.Record {
	raw = strings.Replace(raw, "hy2://", "hysteria2://", 1)
	u, err := url.Parse(raw)
	if err != nil {
		return nil
	}

	host := u.Hostname()
	if host == "" {
		return nil
	}
	port := 443
	if p := u.Port(); p != "" {
		var ok bool
		port, ok = parsePort(p)
		if !ok {
			return nil
		}
	}

	params := u.Query()
	rec := &server.Record{
		ID:           server.NewID(),
		Protocol:     server.ProtocolHysteria2,
		Server:       host,
		Port:         port,
		Password:     u.User.Username(),
		SNI:          params.Get("sni"),
		Insecure:     params.Get("insecure") == "1",
		Obfs:         params.Get("obfs"),
		ObfsPassword: params.Get("obfs-password"),
		TLSEnabled:   true,
		TLSType:      "tls",
	}
	rec.Name, rec.Group = deriveNameGroup(u.Fragment)
	return rec
}

func parseSSH(raw string) *server.Record {
	u, err := url.Parse(raw)
	if err != nil {
		return nil
	}

	host := u.Hostname()
	user := u.User.Username()
	if host == "" || user == "" {
		return nil
	}
	port := 22
	if p := u.Port(); p != "" {
		var ok bool
		port, ok = parsePort(p)
		if !ok {
			return nil
		}
	}

	rec := &server.Record{
		ID:       server.NewID(),
		Protocol: server.ProtocolSSH,
		Server:   host,
		Port:     port,
		User:     user,
	}
	if password, ok := u.User.Password(); ok {
		rec.Password = password
	}
	rec.Name, rec.Group = deriveNameGroup(u.Fragment)
	return rec
}

func parsePort(s string) (int, bool) {
	port, err := strconv.Atoi(s)
	if err != nil || port < 1 || port > 65535 {
		return 0, false
	}
	return port, true
}

func firstQuery(params url.Values, keys ...string) string {
	for _, key := range keys {
		if value := params.Get(key); value != "" {
			return value
		}
	}
	return ""
}

// padBase64 pads a base64 body to a multiple of four so links that strip
// trailing '=' still decode.
func padBase64(s string) string {
	if rem := len(s) % 4; rem != 0 {
		return s + strings.Repeat("=", 4-rem)
	}
	return s
}

func anyToString(v any) string {
	switch value := v.(type) {
	case string:
		return value
	case float64:
		return strconv.Itoa(int(value))
	case json.Number:
		return value.String()
	}
	return ""
}

func anyToInt(v any, fallback int) int {
	switch value := v.(type) {
	case string:
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	case float64:
		return int(value)
	}
	return fallback
}
