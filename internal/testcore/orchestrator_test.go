package testcore

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"testing"

	"github.com/corelink-dev/corelink/internal/engine"
	"github.com/corelink-dev/corelink/internal/server"
	"github.com/corelink-dev/corelink/internal/settings"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The test binary doubles as a fake engine: re-invoked with TESTCORE_HELPER
// set, it accepts on the expected inbound ports until interrupted.
func TestMain(m *testing.M) {
	if os.Getenv("TESTCORE_HELPER") == "1" {
		helperMain()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func helperMain() {
	if os.Getenv("TESTCORE_EXIT_EARLY") == "1" {
		os.Exit(1)
	}

	var listeners []net.Listener
	for i := 0; i < 3; i++ {
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

func sampleServers(n int) []*server.Record {
	out := make([]*server.Record, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, &server.Record{
			ID: fmt.Sprintf("id-%d", i), Name: fmt.Sprintf("s%d", i),
			Protocol: server.ProtocolTrojan, Server: "h", Port: 443, Password: "p",
		})
	}
	return out
}

func TestStartAndStop(t *testing.T) {
	t.Setenv("TESTCORE_HELPER", "1")
	st := settings.Settings{SingBoxPath: os.Args[0]}

	o := New(nil)
	require.True(t, o.Start(sampleServers(3), st))
	defer o.Stop()

	assert.True(t, o.Running())
	assert.Equal(t, "127.0.0.1:11000", o.ProxyAddress("id-0"))
	assert.Equal(t, "127.0.0.1:11001", o.ProxyAddress("id-1"))
	assert.Equal(t, "127.0.0.1:11002", o.ProxyAddress("id-2"))
	assert.Equal(t, "", o.ProxyAddress("unknown"))

	// a second start against a live session is a no-op success
	assert.True(t, o.Start(sampleServers(3), st))

	o.Stop()
	assert.False(t, o.Running())
	assert.Equal(t, "", o.ProxyAddress("id-0"))
	assert.Empty(t, o.configPath)

	// stop is idempotent
	o.Stop()
}

func TestCovers(t *testing.T) {
	t.Setenv("TESTCORE_HELPER", "1")
	st := settings.Settings{SingBoxPath: os.Args[0]}

	o := New(nil)
	assert.False(t, o.Covers([]string{"id-0"}))

	require.True(t, o.Start(sampleServers(2), st))
	defer o.Stop()

	assert.True(t, o.Covers([]string{"id-0", "id-1"}))
	assert.True(t, o.Covers([]string{"id-1", "id-0"}))
	assert.False(t, o.Covers([]string{"id-0"}))
	assert.False(t, o.Covers([]string{"id-0", "id-1", "id-2"}))
	assert.False(t, o.Covers([]string{"id-0", "other"}))

	o.Stop()
	assert.False(t, o.Covers([]string{"id-0", "id-1"}))
}

func TestStartNoServers(t *testing.T) {
	o := New(nil)
	assert.False(t, o.Start(nil, settings.Settings{}))
	assert.False(t, o.Running())
}

func TestStartBinaryMissing(t *testing.T) {
	o := New(nil)
	o.lookPath = func(string) (string, error) { return "", errors.New("not found") }

	assert.False(t, o.Start(sampleServers(1), settings.Settings{}))
	assert.False(t, o.Running())
	assert.Empty(t, o.configPath)
}

func TestStartSpawnFailure(t *testing.T) {
	o := New(nil)
	st := settings.Settings{SingBoxPath: "/nonexistent/engine-binary"}

	assert.False(t, o.Start(sampleServers(1), st))
	assert.False(t, o.Running())
	assert.Empty(t, o.configPath)
}

func TestStartEngineExitsEarly(t *testing.T) {
	t.Setenv("TESTCORE_HELPER", "1")
	t.Setenv("TESTCORE_EXIT_EARLY", "1")
	st := settings.Settings{SingBoxPath: os.Args[0]}

	o := New(nil)
	assert.False(t, o.Start(sampleServers(1), st))
	assert.False(t, o.Running())
	assert.Empty(t, o.configPath)
}

func TestProxyAddressWithoutSession(t *testing.T) {
	o := New(nil)
	assert.Equal(t, "", o.ProxyAddress("id-0"))
}

func TestResolveBinaryOverride(t *testing.T) {
	o := New(nil)

	path, err := o.resolveBinary(engine.CoreSingBox, settings.Settings{SingBoxPath: "/opt/sb"})
	require.NoError(t, err)
	assert.Equal(t, "/opt/sb", path)

	path, err = o.resolveBinary(engine.CoreXray, settings.Settings{XrayPath: "/opt/xr"})
	require.NoError(t, err)
	assert.Equal(t, "/opt/xr", path)

	o.lookPath = func(file string) (string, error) {
		if file == "xray" {
			return "/usr/bin/xray", nil
		}
		return "", errors.New("not found")
	}
	path, err = o.resolveBinary(engine.CoreXray, settings.Settings{})
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/xray", path)

	_, err = o.resolveBinary(engine.CoreSingBox, settings.Settings{})
	assert.Error(t, err)
}

// Readers on the startup failure path overlap writers from the exec copy
// goroutines; the buffer must tolerate that under the race detector.
func TestOutputBufferConcurrentAccess(t *testing.T) {
	var buf syncBuffer
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			fmt.Fprintf(&buf, "line %d\n", i)
		}
	}()
	for i := 0; i < 100; i++ {
		_ = buf.String()
	}
	<-done
	assert.Contains(t, buf.String(), "line 999")
	buf.Reset()
	assert.Equal(t, "", buf.String())
}
