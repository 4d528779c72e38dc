package subscription

import (
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/corelink-dev/corelink/internal/link"
	"github.com/corelink-dev/corelink/internal/server"
)

// clashProxy mirrors the fields of one entry in a clash proxies document
// that map onto the canonical record.
type clashProxy struct {
	Name              string `yaml:"name"`
	Type              string `yaml:"type"`
	Server            string `yaml:"server"`
	Port              int    `yaml:"port"`
	UUID              string `yaml:"uuid"`
	Password          string `yaml:"password"`
	Cipher            string `yaml:"cipher"`
	Flow              string `yaml:"flow"`
	Network           string `yaml:"network"`
	SNI               string `yaml:"sni"`
	ServerName        string `yaml:"servername"`
	AlterID           int    `yaml:"alterId"`
	TLS               bool   `yaml:"tls"`
	SkipCertVerify    bool   `yaml:"skip-cert-verify"`
	ClientFingerprint string `yaml:"client-fingerprint"`

	WSOpts struct {
		Path    string            `yaml:"path"`
		Headers map[string]string `yaml:"headers"`
	} `yaml:"ws-opts"`

	RealityOpts struct {
		PublicKey string `yaml:"public-key"`
		ShortID   string `yaml:"short-id"`
	} `yaml:"reality-opts"`

	Obfs         string `yaml:"obfs"`
	ObfsPassword string `yaml:"obfs-password"`
}

type clashDocument struct {
	Proxies []clashProxy `yaml:"proxies"`
}

func looksLikeClash(body string) bool {
	return strings.Contains(body, "proxies:")
}

// clashToLinks converts a clash proxies document into share links so every
// entry flows through the same codec path as plain subscriptions. Entries of
// unsupported types fall out as empty links and are skipped.
func clashToLinks(body string) []string {
	var doc clashDocument
	if err := yaml.Unmarshal([]byte(body), &doc); err != nil {
		return nil
	}

	var links []string
	for _, proxy := range doc.Proxies {
		if rec := clashToRecord(proxy); rec != nil {
			if raw := link.Generate(rec); raw != "" {
				links = append(links, raw)
			}
		}
	}
	return links
}

func clashToRecord(p clashProxy) *server.Record {
	if p.Server == "" || p.Port == 0 {
		return nil
	}

	rec := &server.Record{
		Name:     p.Name,
		Server:   p.Server,
		Port:     p.Port,
		SNI:      p.SNI,
		FP:       p.ClientFingerprint,
		Insecure: p.SkipCertVerify,
	}
	if rec.SNI == "" {
		rec.SNI = p.ServerName
	}

	switch p.Type {
	case "vless":
		rec.Protocol = server.ProtocolVLESS
		rec.UUID = p.UUID
		rec.Flow = p.Flow
		rec.Transport = p.Network
		rec.TLSEnabled = p.TLS || p.RealityOpts.PublicKey != ""
		if rec.TLSEnabled {
			rec.TLSType = "tls"
		}
		if p.RealityOpts.PublicKey != "" {
			rec.TLSType = "reality"
			rec.PublicKey = p.RealityOpts.PublicKey
			rec.ShortID = p.RealityOpts.ShortID
			if rec.SNI == "" {
				return nil
			}
		}
	case "vmess":
		rec.Protocol = server.ProtocolVMess
		rec.UUID = p.UUID
		rec.AlterID = p.AlterID
		rec.Transport = p.Network
		rec.TLSEnabled = p.TLS
		if p.TLS {
			rec.TLSType = "tls"
		}
	case "ss":
		rec.Protocol = server.ProtocolShadowsocks
		rec.Method = p.Cipher
		rec.Password = p.Password
	case "trojan":
		rec.Protocol = server.ProtocolTrojan
		rec.Password = p.Password
		rec.TLSEnabled = true
		rec.TLSType = "tls"
	case "hysteria2":
		rec.Protocol = server.ProtocolHysteria2
		rec.Password = p.Password
		rec.Obfs = p.Obfs
		rec.ObfsPassword = p.ObfsPassword
		rec.TLSEnabled = true
		rec.TLSType = "tls"
	case "tuic":
		rec.Protocol = server.ProtocolTUIC
		rec.UUID = p.UUID
		rec.Password = p.Password
		rec.TLSEnabled = true
		rec.TLSType = "tls"
	default:
		return nil
	}

	if rec.Transport == "ws" {
		rec.WSPath = p.WSOpts.Path
		if host, ok := p.WSOpts.Headers["Host"]; ok {
			rec.WSHost = host
		}
	}
	return rec
}
