package registry

import (
	"encoding/base64"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/corelink-dev/corelink/internal/events"
	"github.com/corelink-dev/corelink/internal/server"
	"github.com/corelink-dev/corelink/internal/settings"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	events.NoopSink
	mu       sync.Mutex
	warnings []string
	errors   []string
}

func (s *recordingSink) ShowWarning(title, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warnings = append(s.warnings, title)
}

func (s *recordingSink) ShowError(title, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, title)
}

func newTestRegistry(t *testing.T) (*Registry, *settings.Store, *recordingSink) {
	t.Helper()
	store, err := settings.Open(filepath.Join(t.TempDir(), "settings.json"))
	require.NoError(t, err)
	sink := &recordingSink{}
	return New(store, sink, nil), store, sink
}

func ssLink(method, password, host string, port string) string {
	userinfo := base64.StdEncoding.EncodeToString([]byte(method + ":" + password))
	return "ss://" + userinfo + "@" + host + ":" + port + "#Test%20%7C%20Node"
}

func TestAddManualServer(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	ok := reg.AddManualServer("vless://uuid-1@host.net:443?security=tls&sni=host.net#DE%20%7C%2001", "")
	require.True(t, ok)

	servers := reg.GetAllServers()
	require.Len(t, servers, 1)
	assert.Equal(t, "DE", servers[0].Group)
	assert.Equal(t, []string{"DE"}, reg.GetGroups())
}

func TestAddManualServerInvalidLink(t *testing.T) {
	reg, _, sink := newTestRegistry(t)

	assert.False(t, reg.AddManualServer("not a link", ""))
	assert.Empty(t, reg.GetAllServers())
	assert.Len(t, sink.errors, 1)
}

func TestAddManualServerRejectsDuplicate(t *testing.T) {
	reg, _, sink := newTestRegistry(t)
	raw := ssLink("aes-256-gcm", "secret", "ss.example.com", "8388")

	require.True(t, reg.AddManualServer(raw, ""))
	assert.False(t, reg.AddManualServer(raw, ""))

	assert.Len(t, reg.GetAllServers(), 1)
	assert.Len(t, sink.warnings, 1)

	// Same endpoint under a different display name is still the same server.
	userinfo := base64.StdEncoding.EncodeToString([]byte("aes-256-gcm:secret"))
	assert.False(t, reg.AddManualServer("ss://"+userinfo+"@ss.example.com:8388#Renamed", ""))
}

func TestAddManualServerConcurrent(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	raw := ssLink("aes-256-gcm", "secret", "ss.example.com", "8388")

	var added atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if reg.AddManualServer(raw, "") {
				added.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), added.Load())
	assert.Len(t, reg.GetAllServers(), 1)
}

func TestAddRecordGroupFallback(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	rec := &server.Record{ID: server.NewID(), Protocol: server.ProtocolTrojan,
		Server: "h", Port: 443, Password: "p"}
	require.True(t, reg.AddRecord(rec, ""))
	assert.Equal(t, []string{ManualGroup}, reg.GetGroups())

	rec2 := &server.Record{ID: server.NewID(), Protocol: server.ProtocolTrojan,
		Server: "h2", Port: 443, Password: "p"}
	require.True(t, reg.AddRecord(rec2, "Custom"))
	assert.Equal(t, "Custom", rec2.Group)
}

func TestDeleteServer(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	require.True(t, reg.AddManualServer(ssLink("aes-256-gcm", "a", "h1", "8388"), "G"))
	require.True(t, reg.AddManualServer(ssLink("aes-256-gcm", "b", "h2", "8388"), "G"))

	servers := reg.GetAllServers()
	require.Len(t, servers, 2)

	assert.True(t, reg.DeleteServer(servers[0]))
	assert.Len(t, reg.GetAllServers(), 1)
	assert.Equal(t, []string{"G"}, reg.GetGroups())

	// repeat delete is a no-op
	assert.False(t, reg.DeleteServer(servers[0]))

	// deleting the last member removes the group
	assert.True(t, reg.DeleteServer(servers[1]))
	assert.Empty(t, reg.GetGroups())
}

func TestDeleteGroup(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	require.True(t, reg.AddManualServer(ssLink("aes-256-gcm", "a", "h1", "8388"), "G1"))
	require.True(t, reg.AddManualServer(ssLink("aes-256-gcm", "b", "h2", "8388"), "G2"))

	assert.True(t, reg.DeleteGroup("G1"))
	assert.False(t, reg.DeleteGroup("G1"))
	assert.Equal(t, []string{"G2"}, reg.GetGroups())
}

func seedDuplicates(t *testing.T, store *settings.Store) {
	t.Helper()
	mk := func(id, name, pw string) *server.Record {
		return &server.Record{ID: id, Name: name, Protocol: server.ProtocolTrojan,
			Server: "h", Port: 443, Password: pw}
	}
	groups := []*Group{
		{Name: "A", Servers: []*server.Record{mk("id-1", "first", "p1"), mk("id-2", "dup-in-a", "p1")}},
		{Name: "B", Servers: []*server.Record{mk("id-3", "dup-in-b", "p1"), mk("id-4", "unique", "p2")}},
	}
	store.SetKey("servers", groups)
}

func TestRemoveDuplicateServers(t *testing.T) {
	reg, store, _ := newTestRegistry(t)
	seedDuplicates(t, store)
	require.NoError(t, reg.Load())

	removed := reg.RemoveDuplicateServers()
	assert.Equal(t, 2, removed)

	servers := reg.GetAllServers()
	require.Len(t, servers, 2)
	// first occurrence wins
	assert.Equal(t, "id-1", servers[0].ID)
	assert.Equal(t, "id-4", servers[1].ID)

	// idempotent
	assert.Equal(t, 0, reg.RemoveDuplicateServers())
}

func TestRemoveDuplicateServersDropsEmptyGroups(t *testing.T) {
	reg, store, _ := newTestRegistry(t)
	mk := func(id, pw string) *server.Record {
		return &server.Record{ID: id, Protocol: server.ProtocolTrojan, Server: "h", Port: 443, Password: pw}
	}
	store.SetKey("servers", []*Group{
		{Name: "A", Servers: []*server.Record{mk("id-1", "p1")}},
		{Name: "B", Servers: []*server.Record{mk("id-2", "p1")}},
	})
	require.NoError(t, reg.Load())

	assert.Equal(t, 1, reg.RemoveDuplicateServers())
	assert.Equal(t, []string{"A"}, reg.GetGroups())
}

func TestLoadBackfillsIDs(t *testing.T) {
	reg, store, _ := newTestRegistry(t)
	store.SetKey("servers", []*Group{
		{Name: "A", Servers: []*server.Record{
			{Protocol: server.ProtocolTrojan, Server: "h", Port: 443, Password: "p"},
		}},
	})
	require.NoError(t, reg.Load())

	servers := reg.GetAllServers()
	require.Len(t, servers, 1)
	assert.NotEmpty(t, servers[0].ID)
}

func TestPersistenceRoundTrip(t *testing.T) {
	store, err := settings.Open(filepath.Join(t.TempDir(), "settings.json"))
	require.NoError(t, err)

	reg := New(store, nil, nil)
	require.True(t, reg.AddManualServer(ssLink("aes-256-gcm", "a", "h1", "8388"), "G"))
	require.NoError(t, reg.Save())

	reopened, err := settings.Open(store.Path())
	require.NoError(t, err)
	reg2 := New(reopened, nil, nil)
	require.NoError(t, reg2.Load())

	servers := reg2.GetAllServers()
	require.Len(t, servers, 1)
	assert.Equal(t, "h1", servers[0].Server)
	assert.Equal(t, "G", servers[0].Group)
}

func TestApplyPing(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	require.True(t, reg.AddManualServer(ssLink("aes-256-gcm", "a", "h1", "8388"), "G"))
	id := reg.GetAllServers()[0].ID

	reg.ApplyPing(id, server.ProbeTCP, 88)
	rec := reg.GetByID(id)
	require.NotNil(t, rec)
	assert.Equal(t, 88, rec.TCPPing)
	assert.Equal(t, 88, rec.Ping)

	reg.ApplyPing(id, server.ProbeURL, server.PingFailed)
	assert.Equal(t, server.PingFailed, reg.GetByID(id).URLPing)
}

func TestGettersReturnClones(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	require.True(t, reg.AddManualServer(ssLink("aes-256-gcm", "a", "h1", "8388"), "G"))
	id := reg.GetAllServers()[0].ID

	reg.GetByID(id).Name = "mutated"
	assert.NotEqual(t, "mutated", reg.GetByID(id).Name)

	reg.GetServersByGroup("G")[0].Port = 1
	assert.NotEqual(t, 1, reg.GetByID(id).Port)

	assert.Nil(t, reg.GetByID("missing"))
	assert.Nil(t, reg.GetServersByGroup("missing"))
}
