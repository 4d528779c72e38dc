// Package probe drives TCP-connect and HTTP-latency health probes through
// the test session's local proxy addresses.
package probe

import (
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	xproxy "golang.org/x/net/proxy"

	"github.com/corelink-dev/corelink/internal/events"
	"github.com/corelink-dev/corelink/internal/metrics"
	"github.com/corelink-dev/corelink/internal/registry"
	"github.com/corelink-dev/corelink/internal/server"
	"github.com/corelink-dev/corelink/internal/settings"
	"github.com/corelink-dev/corelink/internal/testcore"
)

const (
	tcpProbeTarget   = "cp.cloudflare.com:80"
	urlProbeEndpoint = "http://cp.cloudflare.com/generate_204"

	probeTimeout = 8 * time.Second
)

// Engine runs batches of probes against servers through a test-core session.
type Engine struct {
	orch   *testcore.Orchestrator
	reg    *registry.Registry
	sink   events.Sink
	logger *slog.Logger

	cancelled atomic.Bool
}

// New creates a probe engine. reg may be nil when results should only reach
// the callback sink.
func New(orch *testcore.Orchestrator, reg *registry.Registry, sink events.Sink, logger *slog.Logger) *Engine {
	if sink == nil {
		sink = events.NoopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{orch: orch, reg: reg, sink: sink, logger: logger}
}

// Cancel requests cooperative cancellation: the current batch stops before
// its next server. In-flight probes are not preempted.
func (e *Engine) Cancel() {
	e.cancelled.Store(true)
}

// TestAllTCP probes every server with a TCP connect through its local proxy.
func (e *Engine) TestAllTCP(servers []*server.Record, st settings.Settings) {
	e.runBatch(server.ProbeTCP, servers, st)
}

// TestAllURL probes every server with an HTTP request through its local proxy.
func (e *Engine) TestAllURL(servers []*server.Record, st settings.Settings) {
	e.runBatch(server.ProbeURL, servers, st)
}

// runBatch ensures a session exists for exactly the given servers, probes
// them sequentially in caller order, writes results back and always stops
// the session at the end.
func (e *Engine) runBatch(kind server.ProbeKind, servers []*server.Record, st settings.Settings) {
	if len(servers) == 0 {
		return
	}
	e.cancelled.Store(false)

	// A leftover session for a different server set maps the wrong ports;
	// replace it so every given server gets a proxy address.
	ids := make([]string, len(servers))
	for i, rec := range servers {
		ids[i] = rec.ID
	}
	if e.orch.Running() && !e.orch.Covers(ids) {
		e.orch.Stop()
	}

	if !e.orch.Running() {
		if !e.orch.Start(servers, st) {
			e.logger.Error("test session failed to start, aborting batch", "kind", kind)
			e.sink.ShowError("Health Check Failed", "The test engine could not be started.")
			return
		}
	}
	defer e.orch.Stop()

	for _, rec := range servers {
		if e.cancelled.Load() {
			e.logger.Info("probe batch cancelled", "kind", kind)
			return
		}

		value := server.PingFailed
		if addr := e.orch.ProxyAddress(rec.ID); addr != "" {
			value = e.probe(kind, addr)
		}

		outcome := "ok"
		if value == server.PingFailed {
			outcome = "fail"
		}
		metrics.Probes.WithLabelValues(string(kind), outcome).Inc()

		rec.SetPing(kind, value)
		if e.reg != nil {
			e.reg.ApplyPing(rec.ID, kind, value)
		}
		e.sink.OnPingResult(rec, value, kind)
	}
}

// probe runs one measurement and returns latency in milliseconds, or the
// failure sentinel.
func (e *Engine) probe(kind server.ProbeKind, proxyAddr string) int {
	switch kind {
	case server.ProbeTCP:
		return e.tcpProbe(proxyAddr)
	case server.ProbeURL:
		return e.urlProbe(proxyAddr)
	}
	return server.PingFailed
}

func (e *Engine) tcpProbe(proxyAddr string) int {
	dialer, err := xproxy.SOCKS5("tcp", proxyAddr, nil, &net.Dialer{Timeout: probeTimeout})
	if err != nil {
		return server.PingFailed
	}

	start := time.Now()
	conn, err := dialer.Dial("tcp", tcpProbeTarget)
	if err != nil {
		return server.PingFailed
	}
	conn.Close()
	return int(time.Since(start).Milliseconds())
}

func (e *Engine) urlProbe(proxyAddr string) int {
	dialer, err := xproxy.SOCKS5("tcp", proxyAddr, nil, &net.Dialer{Timeout: probeTimeout})
	if err != nil {
		return server.PingFailed
	}

	client := &http.Client{
		Timeout: probeTimeout,
		Transport: &http.Transport{
			Dial:              dialer.Dial,
			DisableKeepAlives: true,
		},
	}

	start := time.Now()
	resp, err := client.Get(urlProbeEndpoint)
	if err != nil {
		return server.PingFailed
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return server.PingFailed
	}
	return int(time.Since(start).Milliseconds())
}
