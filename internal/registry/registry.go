// Package registry owns the grouped collection of canonical server records.
// All mutating operations run under one mutex so concurrent subscription
// ingestion can never double-insert the same logical server.
package registry

import (
	"log/slog"
	"sync"

	"github.com/corelink-dev/corelink/internal/events"
	"github.com/corelink-dev/corelink/internal/link"
	"github.com/corelink-dev/corelink/internal/metrics"
	"github.com/corelink-dev/corelink/internal/server"
	"github.com/corelink-dev/corelink/internal/settings"
)

// ManualGroup receives manual additions whose link carries no group.
const ManualGroup = "Manual Servers"

const serversKey = "servers"

// Group is one named, ordered sequence of records. A group disappears when
// its last member is deleted.
type Group struct {
	Name    string           `json:"name"`
	Servers []*server.Record `json:"servers"`
}

// Registry is the thread-safe server store.
type Registry struct {
	mu     sync.Mutex
	groups []*Group

	store  *settings.Store
	sink   events.Sink
	logger *slog.Logger

	// autoCheck, when set, is invoked (outside the lock) with the group name
	// of a fresh manual addition if health_check_auto_start is enabled.
	autoCheck func(group string)
}

// New creates a registry persisting into store and reporting through sink.
func New(store *settings.Store, sink events.Sink, logger *slog.Logger) *Registry {
	if sink == nil {
		sink = events.NoopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: store, sink: sink, logger: logger}
}

// SetAutoCheck installs the hook fired after manual additions when the
// auto-health-check setting is on.
func (r *Registry) SetAutoCheck(fn func(group string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.autoCheck = fn
}

// Load hydrates groups from the settings store, back-filling ids for legacy
// records. A save is triggered only if some record was back-filled.
func (r *Registry) Load() error {
	r.mu.Lock()

	var groups []*Group
	if err := r.store.DecodeKey(serversKey, &groups); err != nil {
		r.mu.Unlock()
		return err
	}

	backfilled := 0
	for _, group := range groups {
		for _, rec := range group.Servers {
			if rec.ID == "" {
				rec.ID = server.NewID()
				backfilled++
			}
		}
	}
	r.groups = groups
	r.mu.Unlock()

	if backfilled > 0 {
		r.logger.Info("backfilled server ids", "count", backfilled)
		r.persist()
	}
	r.sink.OnServersLoaded()
	return nil
}

// AddManualServer parses a link and inserts the record. It returns false when
// the link is malformed or a record with the same content fingerprint already
// exists anywhere across all groups. The fingerprint check and the append are
// one atomic critical section.
func (r *Registry) AddManualServer(rawLink, groupOverride string) bool {
	rec := link.Parse(rawLink)
	if rec == nil {
		r.logger.Warn("failed to parse link", "link", rawLink)
		r.sink.ShowError("Invalid Link", "The link could not be parsed.")
		return false
	}
	return r.AddRecord(rec, groupOverride)
}

// AddRecord inserts an already-parsed record, applying the same atomic
// duplicate check as AddManualServer.
func (r *Registry) AddRecord(rec *server.Record, groupOverride string) bool {
	group := groupOverride
	if group == "" {
		group = rec.Group
	}
	if group == "" {
		group = ManualGroup
	}
	rec.Group = group

	r.mu.Lock()
	if r.findFingerprintLocked(rec.Fingerprint()) != nil {
		r.mu.Unlock()
		r.logger.Warn("duplicate server rejected", "server", rec.Server, "port", rec.Port)
		r.sink.ShowWarning("Duplicate Server", "This server already exists: "+rec.Name)
		return false
	}
	r.appendLocked(group, rec)
	autoCheck := r.autoCheck
	r.mu.Unlock()

	metrics.ServersAdded.Inc()
	r.sink.OnServersUpdated()

	if autoCheck != nil && r.store != nil && r.store.Snapshot().HealthCheckAutoStart {
		autoCheck(group)
	}
	return true
}

// DeleteGroup removes a whole group by name.
func (r *Registry) DeleteGroup(name string) bool {
	r.mu.Lock()
	removed := false
	for i, group := range r.groups {
		if group.Name == name {
			r.groups = append(r.groups[:i], r.groups[i+1:]...)
			removed = true
			break
		}
	}
	r.mu.Unlock()

	if removed {
		r.sink.OnServersUpdated()
		r.persist()
	}
	return removed
}

// DeleteServer removes a record by value match (same id and same content
// fingerprint) from its recorded group. Deleting the last member removes the
// group itself.
func (r *Registry) DeleteServer(rec *server.Record) bool {
	if rec == nil {
		return false
	}

	r.mu.Lock()
	removed := false
	for gi, group := range r.groups {
		if group.Name != rec.Group {
			continue
		}
		for si, candidate := range group.Servers {
			if candidate.ID == rec.ID && candidate.Fingerprint() == rec.Fingerprint() {
				group.Servers = append(group.Servers[:si], group.Servers[si+1:]...)
				removed = true
				break
			}
		}
		if removed && len(group.Servers) == 0 {
			r.groups = append(r.groups[:gi], r.groups[gi+1:]...)
		}
		break
	}
	r.mu.Unlock()

	if removed {
		r.sink.OnServersUpdated()
		r.persist()
	}
	return removed
}

// RemoveDuplicateServers drops every record whose fingerprint was already
// seen earlier (first occurrence wins, across all groups combined) and
// returns the removed count. Calling it twice removes nothing the second time.
func (r *Registry) RemoveDuplicateServers() int {
	r.mu.Lock()

	seen := make(map[string]struct{})
	removed := 0
	for _, group := range r.groups {
		duplicates := make(map[int]struct{})
		for i, rec := range group.Servers {
			fp := rec.Fingerprint()
			if _, dup := seen[fp]; dup {
				duplicates[i] = struct{}{}
			} else {
				seen[fp] = struct{}{}
			}
		}
		// Remove in reverse index order so in-place removal skips nothing.
		for i := len(group.Servers) - 1; i >= 0; i-- {
			if _, dup := duplicates[i]; dup {
				group.Servers = append(group.Servers[:i], group.Servers[i+1:]...)
				removed++
			}
		}
	}

	var kept []*Group
	for _, group := range r.groups {
		if len(group.Servers) > 0 {
			kept = append(kept, group)
		}
	}
	r.groups = kept
	r.mu.Unlock()

	if removed > 0 {
		metrics.ServersDeduped.Add(float64(removed))
		r.sink.OnServersUpdated()
		r.persist()
	}
	return removed
}

// ApplyPing writes a probe result into the stored record.
func (r *Registry) ApplyPing(id string, kind server.ProbeKind, value int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, group := range r.groups {
		for _, rec := range group.Servers {
			if rec.ID == id {
				rec.SetPing(kind, value)
				return
			}
		}
	}
}

// GetAllServers returns clones of every record across all groups, in group
// then insertion order.
func (r *Registry) GetAllServers() []*server.Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*server.Record
	for _, group := range r.groups {
		for _, rec := range group.Servers {
			out = append(out, rec.Clone())
		}
	}
	return out
}

// GetServersByGroup returns clones of one group's records.
func (r *Registry) GetServersByGroup(name string) []*server.Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, group := range r.groups {
		if group.Name == name {
			out := make([]*server.Record, 0, len(group.Servers))
			for _, rec := range group.Servers {
				out = append(out, rec.Clone())
			}
			return out
		}
	}
	return nil
}

// GetByID returns a clone of the record with the given id, or nil.
func (r *Registry) GetByID(id string) *server.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, group := range r.groups {
		for _, rec := range group.Servers {
			if rec.ID == id {
				return rec.Clone()
			}
		}
	}
	return nil
}

// GetGroups returns group names in insertion order.
func (r *Registry) GetGroups() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.groups))
	for _, group := range r.groups {
		names = append(names, group.Name)
	}
	return names
}

// Save persists the current groups into the settings store.
func (r *Registry) Save() error {
	return r.persist()
}

func (r *Registry) persist() error {
	if r.store == nil {
		return nil
	}

	r.mu.Lock()
	snapshot := make([]*Group, 0, len(r.groups))
	for _, group := range r.groups {
		cp := &Group{Name: group.Name, Servers: make([]*server.Record, 0, len(group.Servers))}
		for _, rec := range group.Servers {
			cp.Servers = append(cp.Servers, rec.Clone())
		}
		snapshot = append(snapshot, cp)
	}
	r.mu.Unlock()

	r.store.SetKey(serversKey, snapshot)
	if err := r.store.Save(); err != nil {
		r.logger.Error("failed to persist servers", "error", err)
		return err
	}
	r.sink.RequestSave()
	return nil
}

func (r *Registry) findFingerprintLocked(fp string) *server.Record {
	for _, group := range r.groups {
		for _, rec := range group.Servers {
			if rec.Fingerprint() == fp {
				return rec
			}
		}
	}
	return nil
}

func (r *Registry) appendLocked(groupName string, rec *server.Record) {
	for _, group := range r.groups {
		if group.Name == groupName {
			group.Servers = append(group.Servers, rec)
			return
		}
	}
	r.groups = append(r.groups, &Group{Name: groupName, Servers: []*server.Record{rec}})
}
