package state

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/uppnrise/iron-veil/internal/config"
)

// logRingCapacity bounds the in-memory log ring shared with the management
// surface. Oldest entries fall off the back.
const logRingCapacity = 100

// LogEntry is one event in the shared log ring.
type LogEntry struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	ConnectionID uint64    `json:"connection_id"`
	EventType    string    `json:"event_type"`
	Content      string    `json:"content"`
}

// UpstreamHealth is the latest probe result for the upstream database.
type UpstreamHealth struct {
	Healthy              bool          `json:"healthy"`
	ConsecutiveFailures  int           `json:"consecutive_failures"`
	ConsecutiveSuccesses int           `json:"consecutive_successes"`
	Latency              time.Duration `json:"latency_ns"`
	LastCheck            time.Time     `json:"last_check"`
	LastError            string        `json:"last_error,omitempty"`
}

// State is the process-wide object shared by every connection and the
// management surface. The config snapshot is copy-on-write: readers take the
// current pointer under a read lock and keep using it; writers publish a
// fresh *config.Config.
type State struct {
	cfgMu sync.RWMutex
	cfg   *config.Config

	activeConns atomic.Int64
	nextConnID  atomic.Uint64

	logMu sync.RWMutex
	logs  []LogEntry // most recent first

	healthMu sync.RWMutex
	health   UpstreamHealth

	countMu    sync.RWMutex
	maskCounts map[string]uint64
}

// New creates shared state around an initial configuration.
func New(cfg *config.Config) *State {
	return &State{
		cfg:        cfg,
		maskCounts: make(map[string]uint64),
		// Unknown health is treated as healthy until probes say otherwise.
		health: UpstreamHealth{Healthy: true},
	}
}

// Config returns the current configuration snapshot. The returned pointer
// must be treated as immutable.
func (s *State) Config() *config.Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// ReplaceConfig publishes a new configuration snapshot.
func (s *State) ReplaceConfig(cfg *config.Config) {
	s.cfgMu.Lock()
	s.cfg = cfg
	s.cfgMu.Unlock()
}

// UpdateRules publishes a snapshot with a new ordered rule list, keeping all
// other options from the current snapshot.
func (s *State) UpdateRules(rules []config.MaskingRule) {
	s.cfgMu.Lock()
	next := *s.cfg
	next.Rules = rules
	s.cfg = &next
	s.cfgMu.Unlock()
}

// NextConnectionID returns a monotonically-unique connection id.
func (s *State) NextConnectionID() uint64 {
	return s.nextConnID.Add(1)
}

// ConnectionOpened increments the active-connection gauge.
func (s *State) ConnectionOpened() {
	s.activeConns.Add(1)
}

// ConnectionClosed decrements the active-connection gauge.
func (s *State) ConnectionClosed() {
	s.activeConns.Add(-1)
}

// ActiveConnections reports the current gauge value.
func (s *State) ActiveConnections() int64 {
	return s.activeConns.Load()
}

// AddLog appends an entry to the bounded log ring, assigning it an id and
// timestamp. The oldest entry is dropped once the ring is full.
func (s *State) AddLog(connID uint64, eventType, content string) {
	entry := LogEntry{
		ID:           uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		ConnectionID: connID,
		EventType:    eventType,
		Content:      content,
	}

	s.logMu.Lock()
	if len(s.logs) >= logRingCapacity {
		s.logs = s.logs[:logRingCapacity-1]
	}
	s.logs = append([]LogEntry{entry}, s.logs...)
	s.logMu.Unlock()
}

// Logs returns a copy of the log ring, most recent first.
func (s *State) Logs() []LogEntry {
	s.logMu.RLock()
	defer s.logMu.RUnlock()
	out := make([]LogEntry, len(s.logs))
	copy(out, s.logs)
	return out
}

// SetUpstreamHealth publishes the latest probe result.
func (s *State) SetUpstreamHealth(h UpstreamHealth) {
	s.healthMu.Lock()
	s.health = h
	s.healthMu.Unlock()
}

// UpstreamHealth returns the latest probe result.
func (s *State) UpstreamHealth() UpstreamHealth {
	s.healthMu.RLock()
	defer s.healthMu.RUnlock()
	return s.health
}

// RecordMask increments the counter for a masking strategy.
func (s *State) RecordMask(strategy string) {
	s.countMu.Lock()
	s.maskCounts[strategy]++
	s.countMu.Unlock()
}

// MaskCounts returns a copy of the per-strategy mask counters.
func (s *State) MaskCounts() map[string]uint64 {
	s.countMu.RLock()
	defer s.countMu.RUnlock()
	out := make(map[string]uint64, len(s.maskCounts))
	for k, v := range s.maskCounts {
		out[k] = v
	}
	return out
}
