// Package brake implements the parking brake, the fail-closed gate
// every autonomous component consults before side-effectful work.
// State lives in one system_flags row; the in-process cache is a
// monotonically refreshed snapshot owned by a single ParkingBrake.
package brake

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"bartholomew/internal/logging"
	"bartholomew/internal/store"
)

// Scopes a brake engagement can name. Global subsumes all of them.
const (
	ScopeGlobal    = "global"
	ScopeSkills    = "skills"
	ScopeSight     = "sight"
	ScopeVoice     = "voice"
	ScopeScheduler = "scheduler"
)

// KnownScopes lists every scope the CLI and HTTP layer accept.
var KnownScopes = []string{ScopeGlobal, ScopeSkills, ScopeSight, ScopeVoice, ScopeScheduler}

// FlagKey is the system_flags row holding the serialized state.
const FlagKey = "parking_brake"

// ErrBlocked reports that the brake stopped an operation. Wrapped with
// the component's message ("scheduler blocked", "skills blocked").
var ErrBlocked = errors.New("parking brake engaged")

// Blocked builds the component-specific sentinel.
func Blocked(component string) error {
	return fmt.Errorf("%w: %s blocked", ErrBlocked, component)
}

// State is one snapshot of the brake.
type State struct {
	Engaged bool
	Scopes  map[string]struct{}
}

// ScopeList returns the scopes sorted, for JSON and logs.
func (s State) ScopeList() []string {
	out := make([]string, 0, len(s.Scopes))
	for scope := range s.Scopes {
		out = append(out, scope)
	}
	sort.Strings(out)
	return out
}

// stateJSON is the persisted wire form.
type stateJSON struct {
	Engaged bool     `json:"engaged"`
	Scopes  []string `json:"scopes"`
}

func (s State) encode() (string, error) {
	b, err := json.Marshal(stateJSON{Engaged: s.Engaged, Scopes: s.ScopeList()})
	if err != nil {
		return "", fmt.Errorf("failed to encode brake state: %w", err)
	}
	return string(b), nil
}

func decodeState(raw string) (State, error) {
	var sj stateJSON
	if err := json.Unmarshal([]byte(raw), &sj); err != nil {
		return State{}, fmt.Errorf("failed to decode brake state: %w", err)
	}
	st := State{Engaged: sj.Engaged, Scopes: make(map[string]struct{}, len(sj.Scopes))}
	for _, scope := range sj.Scopes {
		st.Scopes[scope] = struct{}{}
	}
	return st, nil
}

// Flags is the narrow persistence surface the brake needs. *store.Store
// satisfies it.
type Flags interface {
	SetFlag(key, value string) error
	GetFlag(key string) (string, error)
}

// AuditSink receives one memory row per brake transition. Optional:
// a brake without a sink still mutates, per the graceful-degradation
// decision recorded in DESIGN.md.
type AuditSink interface {
	UpsertMemory(kind, key, value, summary, ts string) (int64, error)
}

// ParkingBrake is the gate. Safe for concurrent use.
type ParkingBrake struct {
	mu    sync.RWMutex
	flags Flags
	audit AuditSink // may be nil
	cache State
}

// New constructs a brake over the flag store and loads the persisted
// state. A missing row means disengaged.
func New(flags Flags, audit AuditSink) (*ParkingBrake, error) {
	b := &ParkingBrake{flags: flags, audit: audit}
	if err := b.Reload(); err != nil {
		return nil, err
	}
	return b, nil
}

// Reload refreshes the cache from the flag row.
func (b *ParkingBrake) Reload() error {
	raw, err := b.flags.GetFlag(FlagKey)
	if errors.Is(err, store.ErrNotFound) {
		b.mu.Lock()
		b.cache = State{Scopes: map[string]struct{}{}}
		b.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load brake state: %w", err)
	}
	st, err := decodeState(raw)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.cache = st
	b.mu.Unlock()
	return nil
}

// Engage sets the brake over the given scopes, defaulting to global
// when none are named.
func (b *ParkingBrake) Engage(scopes ...string) error {
	if len(scopes) == 0 {
		scopes = []string{ScopeGlobal}
	}
	st := State{Engaged: true, Scopes: make(map[string]struct{}, len(scopes))}
	for _, scope := range scopes {
		st.Scopes[scope] = struct{}{}
	}
	if err := b.persist(st); err != nil {
		return err
	}
	logging.Brake("Engaged scopes=%v", st.ScopeList())
	logging.Audit().BrakeEngaged(st.ScopeList())
	b.auditMemory("engage", st.ScopeList())
	return nil
}

// Disengage releases the brake entirely.
func (b *ParkingBrake) Disengage() error {
	st := State{Engaged: false, Scopes: map[string]struct{}{}}
	if err := b.persist(st); err != nil {
		return err
	}
	logging.Brake("Disengaged")
	logging.Audit().BrakeReleased()
	b.auditMemory("disengage", nil)
	return nil
}

// persist writes the flag row and refreshes the cache in one step, so
// a reader never observes a cache older than the committed row.
func (b *ParkingBrake) persist(st State) error {
	raw, err := st.encode()
	if err != nil {
		return err
	}
	if err := b.flags.SetFlag(FlagKey, raw); err != nil {
		return fmt.Errorf("failed to persist brake state: %w", err)
	}
	b.mu.Lock()
	b.cache = st
	b.mu.Unlock()
	return nil
}

// auditMemory appends the safety.audit memory for a transition. Sink
// errors are logged, never surfaced; the transition already committed.
func (b *ParkingBrake) auditMemory(action string, scopes []string) {
	if b.audit == nil {
		return
	}
	ts := time.Now().UTC().Format(time.RFC3339)
	payload, err := json.Marshal(map[string]interface{}{"action": action, "scopes": scopes})
	if err != nil {
		logging.BrakeError("Failed to encode audit payload: %v", err)
		return
	}
	key := fmt.Sprintf("%s::%s", ts, action)
	if _, err := b.audit.UpsertMemory("safety.audit", key, string(payload), "", ts); err != nil {
		logging.BrakeError("Failed to write audit memory: %v", err)
	}
}

// IsBlocked reports whether work under the scope must not proceed:
// engaged and either global or that scope is held.
func (b *ParkingBrake) IsBlocked(scope string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.cache.Engaged {
		return false
	}
	if _, ok := b.cache.Scopes[ScopeGlobal]; ok {
		return true
	}
	_, ok := b.cache.Scopes[scope]
	return ok
}

// State returns a snapshot copy of the cached state.
func (b *ParkingBrake) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := State{Engaged: b.cache.Engaged, Scopes: make(map[string]struct{}, len(b.cache.Scopes))}
	for scope := range b.cache.Scopes {
		out.Scopes[scope] = struct{}{}
	}
	return out
}
