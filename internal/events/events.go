// Package events defines the callback surface the core exposes to its
// embedding shell. Every method is mandatory; callers that do not care about
// observability embed NoopSink so the core works with every callback a no-op.
package events

import "github.com/corelink-dev/corelink/internal/server"

// Sink receives notifications from the registry, fetcher and probe engine.
type Sink interface {
	Log(message, level string)
	OnServersLoaded()
	OnServersUpdated()
	OnPingResult(rec *server.Record, value int, kind server.ProbeKind)
	OnUpdateStart()
	OnUpdateFinish(errs []error)
	ShowWarning(title, message string)
	ShowInfo(title, message string)
	ShowError(title, message string)
	RequestSave()
}

// NoopSink implements Sink with no-ops. Embed it to override only the
// callbacks a consumer needs.
type NoopSink struct{}

func (NoopSink) Log(message, level string)                                        {}
func (NoopSink) OnServersLoaded()                                                 {}
func (NoopSink) OnServersUpdated()                                                {}
func (NoopSink) OnPingResult(rec *server.Record, value int, kind server.ProbeKind) {}
func (NoopSink) OnUpdateStart()                                                   {}
func (NoopSink) OnUpdateFinish(errs []error)                                      {}
func (NoopSink) ShowWarning(title, message string)                                {}
func (NoopSink) ShowInfo(title, message string)                                   {}
func (NoopSink) ShowError(title, message string)                                  {}
func (NoopSink) RequestSave()                                                     {}

var _ Sink = NoopSink{}
