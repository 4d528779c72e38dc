// Package settings wraps the flat JSON settings file behind a viper store and
// exposes an immutable snapshot consumed by generators and orchestrators.
// The core reads recognized keys and persists server groups; the rest of the
// file is an opaque key-value bag owned by the embedding shell.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/spf13/viper"
)

// RoutingRule is one user-defined routing rule.
type RoutingRule struct {
	Type   string `json:"type"`   // domain, ip, process, geosite, geoip
	Value  string `json:"value"`
	Action string `json:"action"` // proxy, direct, block, or a named outbound
}

// Subscription describes one remote link feed.
type Subscription struct {
	Name    string `json:"name"`
	URL     string `json:"url"`
	Enabled bool   `json:"enabled"`
}

// Settings is an immutable snapshot of the recognized keys. Operations read
// one snapshot at their start and never re-read mid-flight.
type Settings struct {
	DNSServers         string
	BypassDomains      string
	BypassIPs          string
	CustomRoutingRules []RoutingRule

	TLSFragmentEnabled bool
	TLSFragmentSize    string
	TLSFragmentSleep   string

	MuxEnabled    bool
	MuxProtocol   string
	MuxMaxStreams int
	MuxPadding    bool

	TunEnabled bool
	ActiveCore string

	HealthCheckAutoStart bool
	HealthCheckInterval  int // minutes

	Hy2UpMbps   int
	Hy2DownMbps int

	SingBoxPath string
	XrayPath    string

	WorkerPoolSize int
}

// Store is the viper-backed settings file.
type Store struct {
	mu   sync.Mutex
	v    *viper.Viper
	path string
}

// Open reads the settings file at path, creating an empty store if the file
// does not exist yet.
func Open(path string) (*Store, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	if err := v.ReadInConfig(); err != nil {
		if !os.IsNotExist(err) {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read settings: %w", err)
			}
		}
	}

	return &Store{v: v, path: path}, nil
}

// Snapshot materializes the recognized keys into an immutable Settings value.
func (s *Store) Snapshot() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := Settings{
		DNSServers:           s.v.GetString("dns_servers"),
		BypassDomains:        s.v.GetString("bypass_domains"),
		BypassIPs:            s.v.GetString("bypass_ips"),
		TLSFragmentEnabled:   s.v.GetBool("tls_fragment_enabled"),
		TLSFragmentSize:      s.v.GetString("tls_fragment_size"),
		TLSFragmentSleep:     s.v.GetString("tls_fragment_sleep"),
		MuxEnabled:           s.v.GetBool("mux_enabled"),
		MuxProtocol:          s.v.GetString("mux_protocol"),
		MuxMaxStreams:        s.v.GetInt("mux_max_streams"),
		MuxPadding:           s.v.GetBool("mux_padding"),
		TunEnabled:           s.v.GetBool("tun_enabled"),
		ActiveCore:           s.v.GetString("active_core"),
		HealthCheckAutoStart: s.v.GetBool("health_check_auto_start"),
		HealthCheckInterval:  s.v.GetInt("health_check_interval"),
		Hy2UpMbps:            s.v.GetInt("hy2_up_mbps"),
		Hy2DownMbps:          s.v.GetInt("hy2_down_mbps"),
		SingBoxPath:          s.v.GetString("singbox_path"),
		XrayPath:             s.v.GetString("xray_path"),
		WorkerPoolSize:       s.v.GetInt("worker_pool_size"),
	}

	if cfg.MuxProtocol == "" {
		cfg.MuxProtocol = "smux"
	}
	if cfg.MuxMaxStreams <= 0 {
		cfg.MuxMaxStreams = 8
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 10
	}
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = 3
	}

	if err := s.decodeKeyLocked("custom_routing_rules", &cfg.CustomRoutingRules); err != nil {
		cfg.CustomRoutingRules = nil
	}

	return cfg
}

// Subscriptions returns the configured subscription descriptors.
func (s *Store) Subscriptions() []Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	var subs []Subscription
	if err := s.decodeKeyLocked("subscriptions", &subs); err != nil {
		return nil
	}
	return subs
}

// DecodeKey unmarshals an arbitrary stored key into out via a JSON round
// trip, honoring json struct tags.
func (s *Store) DecodeKey(key string, out any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decodeKeyLocked(key, out)
}

func (s *Store) decodeKeyLocked(key string, out any) error {
	raw := s.v.Get(key)
	if raw == nil {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// SetKey stages a value under key; it is not written until Save.
func (s *Store) SetKey(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Round trip through JSON so stored values stay plain maps/slices.
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	var plain any
	if err := json.Unmarshal(data, &plain); err != nil {
		return
	}
	s.v.Set(key, plain)
}

// Save writes the store back to its settings file.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.v.WriteConfigAs(s.path); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}
