package link

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/corelink-dev/corelink/internal/server"
)

// Generate serializes a record back into its share-link form. Protocols with
// no URI representation (wireguard) yield "".
func Generate(rec *server.Record) string {
	if rec == nil {
		return ""
	}

	switch rec.Protocol {
	case server.ProtocolVLESS:
		return generateVLESS(rec)
	case server.ProtocolVMess:
		return generateVMess(rec)
	case server.ProtocolShadowsocks:
		return generateShadowsocks(rec)
	case server.ProtocolTrojan:
		return generateTrojan(rec)
	case server.ProtocolTUIC:
		return generateTUIC(rec)
	case server.ProtocolHysteria2:
		return generateHysteria2(rec)
	case server.ProtocolSSH:
		return generateSSH(rec)
	case server.ProtocolWireGuard:
		return ""
	}
	return ""
}

func generateVLESS(rec *server.Record) string {
	params := url.Values{}
	switch rec.TLSType {
	case "reality":
		params.Set("security", "reality")
		params.Set("pbk", rec.PublicKey)
		setNonEmpty(params, "sid", rec.ShortID)
	case "tls":
		params.Set("security", "tls")
	}
	setNonEmpty(params, "sni", rec.SNI)
	setNonEmpty(params, "flow", rec.Flow)
	setNonEmpty(params, "fp", rec.FP)
	setNonEmpty(params, "type", rec.Transport)
	if rec.Transport == "ws" {
		setNonEmpty(params, "path", rec.WSPath)
	}

	return fmt.Sprintf("vless://%s@%s:%d?%s#%s",
		rec.UUID, rec.Server, rec.Port, params.Encode(), url.PathEscape(rec.Name))
}

func generateVMess(rec *server.Record) string {
	payload := map[string]any{
		"v":    "2",
		"port": strconv.Itoa(rec.Port),
		"aid":  rec.AlterID,
		// type is always present, even when empty, for client compatibility
		"type": "none",
	}
	putNonEmpty(payload, "ps", rec.Name)
	putNonEmpty(payload, "add", rec.Server)
	putNonEmpty(payload, "id", rec.UUID)
	putNonEmpty(payload, "scy", rec.Security)
	putNonEmpty(payload, "net", rec.Transport)
	putNonEmpty(payload, "path", rec.WSPath)
	putNonEmpty(payload, "host", rec.WSHost)
	if rec.TLSEnabled {
		payload["tls"] = "tls"
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return "vmess://" + base64.StdEncoding.EncodeToString(body)
}

func generateShadowsocks(rec *server.Record) string {
	userinfo := base64.StdEncoding.EncodeToString([]byte(rec.Method + ":" + rec.Password))
	return fmt.Sprintf("ss://%s@%s:%d#%s",
		userinfo, rec.Server, rec.Port, url.PathEscape(rec.Name))
}

func generateTrojan(rec *server.Record) string {
	params := url.Values{}
	setNonEmpty(params, "sni", rec.SNI)
	setNonEmpty(params, "fp", rec.FP)

	return fmt.Sprintf("trojan://%s@%s:%d?%s#%s",
		rec.Password, rec.Server, rec.Port, params.Encode(), url.PathEscape(rec.Name))
}

func generateTUIC(rec *server.Record) string {
	params := url.Values{}
	setNonEmpty(params, "sni", rec.SNI)
	setNonEmpty(params, "congestion_control", rec.CongestionControl)
	setNonEmpty(params, "udp_relay_mode", rec.UDPRelayMode)
	setNonEmpty(params, "alpn", rec.ALPN)
	if rec.AllowInsecure {
		params.Set("allow_insecure", "1")
	}

	return fmt.Sprintf("tuic://%s:%s@%s:%d?%s#%s",
		rec.UUID, rec.Password, rec.Server, rec.Port, params.Encode(), url.PathEscape(rec.Name))
}

func generateHysteria2(rec *server.Record) string {
	params := url.Values{}
	setNonEmpty(params, "sni", rec.SNI)
	setNonEmpty(params, "obfs", rec.Obfs)
	setNonEmpty(params, "obfs-password", rec.ObfsPassword)
	if rec.Insecure {
		params.Set("insecure", "1")
	}

	return fmt.Sprintf("hysteria2://%s@%s:%d?%s#%s",
		rec.Password, rec.Server, rec.Port, params.Encode(), url.PathEscape(rec.Name))
}

func generateSSH(rec *server.Record) string {
	auth := rec.User
	if rec.Password != "" {
		auth += ":" + rec.Password
	}
	return fmt.Sprintf("ssh://%s@%s:%d#%s",
		auth, rec.Server, rec.Port, url.PathEscape(rec.Name))
}

func setNonEmpty(params url.Values, key, value string) {
	if value != "" {
		params.Set(key, value)
	}
}

func putNonEmpty(payload map[string]any, key, value string) {
	if value != "" {
		payload[key] = value
	}
}
