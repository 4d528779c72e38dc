// Package server defines the canonical, protocol-agnostic server record that
// every link format parses into and every engine renderer consumes.
package server

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Protocol identifies one of the supported tunnel protocols. Parse, generate
// and render sites switch exhaustively over these values; an unknown protocol
// falls out of every switch as an unsupported record.
type Protocol string

const (
	ProtocolVLESS       Protocol = "vless"
	ProtocolVMess       Protocol = "vmess"
	ProtocolShadowsocks Protocol = "shadowsocks"
	ProtocolTrojan      Protocol = "trojan"
	ProtocolTUIC        Protocol = "tuic"
	ProtocolHysteria2   Protocol = "hysteria2"
	ProtocolSSH         Protocol = "ssh"
	ProtocolWireGuard   Protocol = "wireguard"
)

// Protocols lists every supported protocol.
var Protocols = []Protocol{
	ProtocolVLESS, ProtocolVMess, ProtocolShadowsocks, ProtocolTrojan,
	ProtocolTUIC, ProtocolHysteria2, ProtocolSSH, ProtocolWireGuard,
}

// PingFailed is the sentinel written into ping fields when a probe fails.
const PingFailed = -1

// Record is the canonical server descriptor.
//
// ID is assigned once at creation and never reused. Name and Group are
// display-only and excluded from duplicate detection.
type Record struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Group    string   `json:"group"`
	Protocol Protocol `json:"protocol"`
	Server   string   `json:"server"`
	Port     int      `json:"port"`

	UUID     string `json:"uuid,omitempty"`
	Password string `json:"password,omitempty"`
	Method   string `json:"method,omitempty"`
	Flow     string `json:"flow,omitempty"`
	FP       string `json:"fp,omitempty"`

	Transport string `json:"transport,omitempty"` // tcp, ws
	WSPath    string `json:"ws_path,omitempty"`
	WSHost    string `json:"ws_host,omitempty"`

	SNI        string `json:"sni,omitempty"`
	TLSEnabled bool   `json:"tls_enabled,omitempty"`
	TLSType    string `json:"tls_type,omitempty"` // tls, reality
	PublicKey  string `json:"public_key,omitempty"`
	ShortID    string `json:"short_id,omitempty"`

	AlterID  int    `json:"alter_id,omitempty"`
	Security string `json:"security,omitempty"`

	CongestionControl string `json:"congestion_control,omitempty"`
	UDPRelayMode      string `json:"udp_relay_mode,omitempty"`
	ALPN              string `json:"alpn,omitempty"`
	AllowInsecure     bool   `json:"allow_insecure,omitempty"`

	Obfs         string `json:"obfs,omitempty"`
	ObfsPassword string `json:"obfs_password,omitempty"`
	Insecure     bool   `json:"insecure,omitempty"`

	User string `json:"user,omitempty"`

	PrivateKey   string `json:"private_key,omitempty"`
	LocalAddress string `json:"local_address,omitempty"`
	PresharedKey string `json:"preshared_key,omitempty"`
	AllowedIPs   string `json:"allowed_ips,omitempty"`

	IsChain  bool     `json:"is_chain,omitempty"`
	ChainIDs []string `json:"chain_ids,omitempty"`

	TCPPing int `json:"tcp_ping,omitempty"`
	URLPing int `json:"url_ping,omitempty"`
	Ping    int `json:"ping,omitempty"`
}

// NewID returns a fresh opaque record id.
func NewID() string {
	return uuid.NewString()
}

// Fingerprint derives the content identity used for duplicate detection.
// Name, Group and ID are deliberately excluded: renaming a server never
// creates a duplicate.
func (r *Record) Fingerprint() string {
	cred := r.UUID
	if cred == "" {
		cred = r.Password
	}
	return strings.Join([]string{
		r.Server,
		fmt.Sprintf("%d", r.Port),
		string(r.Protocol),
		cred,
		r.SNI,
		r.Transport,
		r.WSPath,
		r.Flow,
		r.FP,
	}, "|")
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	if r.ChainIDs != nil {
		cp.ChainIDs = append([]string(nil), r.ChainIDs...)
	}
	return &cp
}

// SetPing writes a probe result into the matching ping field and mirrors it
// into the generic Ping field (last written wins).
func (r *Record) SetPing(kind ProbeKind, value int) {
	switch kind {
	case ProbeTCP:
		r.TCPPing = value
	case ProbeURL:
		r.URLPing = value
	}
	r.Ping = value
}

// ProbeKind distinguishes the two supported probe types.
type ProbeKind string

const (
	ProbeTCP ProbeKind = "tcp"
	ProbeURL ProbeKind = "url"
)
