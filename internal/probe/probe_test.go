package probe

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"testing"

	"github.com/corelink-dev/corelink/internal/engine"
	"github.com/corelink-dev/corelink/internal/events"
	"github.com/corelink-dev/corelink/internal/registry"
	"github.com/corelink-dev/corelink/internal/server"
	"github.com/corelink-dev/corelink/internal/settings"
	"github.com/corelink-dev/corelink/internal/testcore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The test binary doubles as a fake engine, same contract as the testcore
// package's helper: accept on the expected inbound ports until interrupted.
func TestMain(m *testing.M) {
	if os.Getenv("PROBE_HELPER") == "1" {
		helperMain()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func helperMain() {
	var listeners []net.Listener
	for i := 0; i < 2; i++ {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", engine.TestBasePort+i))
		if err != nil {
			os.Exit(1)
		}
		listeners = append(listeners, ln)
		go func(ln net.Listener) {
			for {
				conn, err := ln.Accept()
				if err != nil {
					return
				}
				conn.Close()
			}
		}(ln)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	<-sig
	for _, ln := range listeners {
		ln.Close()
	}
}

type probeSink struct {
	events.NoopSink
	mu      sync.Mutex
	errors  []string
	results map[string]int
}

func (s *probeSink) ShowError(title, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, title)
}

func (s *probeSink) OnPingResult(rec *server.Record, value int, kind server.ProbeKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.results == nil {
		s.results = map[string]int{}
	}
	s.results[rec.ID] = value
}

func TestRunBatchSessionStartFailure(t *testing.T) {
	store, err := settings.Open(filepath.Join(t.TempDir(), "settings.json"))
	require.NoError(t, err)
	reg := registry.New(store, nil, nil)
	sink := &probeSink{}

	eng := New(testcore.New(nil), reg, sink, nil)
	servers := []*server.Record{{
		ID: server.NewID(), Protocol: server.ProtocolTrojan, Server: "h", Port: 443, Password: "p",
	}}
	// a nonexistent engine binary makes session startup fail deterministically
	eng.TestAllTCP(servers, settings.Settings{SingBoxPath: "/nonexistent/engine-binary"})

	assert.Len(t, sink.errors, 1)
	assert.Empty(t, sink.results)
	assert.Equal(t, 0, servers[0].TCPPing)
}

func TestRunBatchReplacesStaleSession(t *testing.T) {
	t.Setenv("PROBE_HELPER", "1")

	orch := testcore.New(nil)
	stale := []*server.Record{
		{ID: "old-0", Protocol: server.ProtocolTrojan, Server: "h", Port: 443, Password: "p"},
		{ID: "old-1", Protocol: server.ProtocolTrojan, Server: "h", Port: 443, Password: "p"},
	}
	require.True(t, orch.Start(stale, settings.Settings{SingBoxPath: os.Args[0]}))
	defer orch.Stop()

	sink := &probeSink{}
	eng := New(orch, nil, sink, nil)
	batch := []*server.Record{
		{ID: "new-0", Protocol: server.ProtocolTrojan, Server: "h", Port: 443, Password: "p"},
	}
	// The stale session does not cover the batch, so it must be torn down and
	// a fresh start attempted; the bad binary path makes that start fail
	// loudly instead of the batch silently reusing the wrong port map.
	eng.TestAllTCP(batch, settings.Settings{SingBoxPath: "/nonexistent/engine-binary"})

	assert.Len(t, sink.errors, 1)
	assert.Empty(t, sink.results)
	assert.False(t, orch.Running())
}

func TestRunBatchEmpty(t *testing.T) {
	sink := &probeSink{}
	eng := New(testcore.New(nil), nil, sink, nil)
	eng.TestAllTCP(nil, settings.Settings{})
	assert.Empty(t, sink.errors)
}

func TestProbeUnreachableProxy(t *testing.T) {
	eng := New(testcore.New(nil), nil, nil, nil)
	// nothing listens on this port; both probes must fail with the sentinel
	assert.Equal(t, server.PingFailed, eng.tcpProbe("127.0.0.1:1"))
	assert.Equal(t, server.PingFailed, eng.urlProbe("127.0.0.1:1"))
}

func TestProbeUnknownKind(t *testing.T) {
	eng := New(testcore.New(nil), nil, nil, nil)
	assert.Equal(t, server.PingFailed, eng.probe(server.ProbeKind("bogus"), "127.0.0.1:1"))
}
