// Package drives holds the built-in autonomy tasks. Each drive is a
// small function the scheduler runs on its cadence, returning an
// optional nudge. The registry is a compile-time table: new drives are
// added here with a name, default cadence and handler.
package drives

import (
	"context"
	"fmt"
	"strings"
	"time"

	"bartholomew/internal/store"
)

// Metrics is the health snapshot drives reason over.
type Metrics struct {
	DBOk                  bool   `json:"db_ok"`
	DBSizeBytes           int64  `json:"db_size_bytes"`
	PendingNudges         int64  `json:"pending_nudges"`
	LastDailyReflectionTS string `json:"last_daily_reflection_ts,omitempty"` // ISO-8601, "" when none
}

// Context is the narrow capability surface a drive sees. Drives never
// touch the daemon or the store directly.
type Context interface {
	Metrics(ctx context.Context) (Metrics, error)
	InsertReflection(ctx context.Context, kind, content string, meta map[string]interface{}, pinned bool) error
	StorePath() string
	OptimizeIndex(ctx context.Context) error
}

// Func executes one occurrence of a drive.
type Func func(ctx context.Context, dc Context) (*store.Nudge, error)

// Drive pairs a name and default cadence with its handler.
type Drive struct {
	Name    string
	Cadence string
	Run     Func
}

// Registry returns the built-in drives. Order is stable; the scheduler
// breaks scheduling ties by name anyway.
func Registry() []Drive {
	return []Drive{
		{Name: "self_check", Cadence: "every:900", Run: SelfCheck},
		{Name: "curiosity_probe", Cadence: "window:3600:2", Run: CuriosityProbe},
		{Name: "reflection_micro", Cadence: "every:7200", Run: ReflectionMicro},
		{Name: "fts_optimize", Cadence: "every:604800", Run: FTSOptimize},
	}
}

// staleReflectionAge is how old the last daily journal may grow before
// self_check calls it drift.
const staleReflectionAge = 36 * time.Hour

// CheckDrift applies the drift rules to a metrics snapshot and returns
// the drift descriptions, empty when healthy.
func CheckDrift(m Metrics, now time.Time) []string {
	if !m.DBOk {
		return []string{"database_unreachable"}
	}

	var drift []string
	if m.PendingNudges > 20 {
		drift = append(drift, fmt.Sprintf("high_pending_nudges:%d", m.PendingNudges))
	}
	if m.LastDailyReflectionTS != "" {
		if last, err := time.Parse(time.RFC3339, m.LastDailyReflectionTS); err == nil {
			if age := now.Sub(last); age > staleReflectionAge {
				drift = append(drift, fmt.Sprintf("stale_daily_reflection:%dh", int(age.Hours())))
			}
		}
	}
	return drift
}

// SelfCheck probes system health and nudges when drift shows up.
func SelfCheck(ctx context.Context, dc Context) (*store.Nudge, error) {
	m, err := dc.Metrics(ctx)
	if err != nil {
		return nil, fmt.Errorf("self_check metrics: %w", err)
	}

	drift := CheckDrift(m, time.Now().UTC())
	if len(drift) == 0 {
		return nil, nil
	}

	return &store.Nudge{
		Kind:    "system_health",
		Message: fmt.Sprintf("System drift detected: %s", strings.Join(drift, ", ")),
		Actions: []store.NudgeAction{},
		Reason:  "self_check drift",
	}, nil
}

// curiosityPrompts rotate hourly; the index derives from the clock so
// successive probes inside one hour repeat the same question instead of
// churning.
var curiosityPrompts = []string{
	"What's one thing you learned today?",
	"How are you feeling right now?",
	"Any highlights from today worth remembering?",
}

// CuriosityProbe emits a gentle engagement prompt.
func CuriosityProbe(ctx context.Context, dc Context) (*store.Nudge, error) {
	idx := (time.Now().Unix() / 3600) % int64(len(curiosityPrompts))
	return &store.Nudge{
		Kind:    "curiosity",
		Message: curiosityPrompts[idx],
		Actions: []store.NudgeAction{
			{Label: "Reflect", Cmd: "reflect_now"},
			{Label: "Later", Cmd: "snooze"},
		},
		Reason: "curiosity_probe",
	}, nil
}

// ReflectionMicro writes a small health snapshot into the journal.
// Never emits a nudge.
func ReflectionMicro(ctx context.Context, dc Context) (*store.Nudge, error) {
	m, err := dc.Metrics(ctx)
	if err != nil {
		return nil, fmt.Errorf("reflection_micro metrics: %w", err)
	}

	dbState := "OK"
	if !m.DBOk {
		dbState = "Error"
	}
	lastDaily := m.LastDailyReflectionTS
	if lastDaily == "" {
		lastDaily = "None"
	}
	content := fmt.Sprintf(`# Micro-Reflection

System health snapshot:
- Database: %s
- Pending nudges: %d
- Last daily reflection: %s

Status: Autonomy loop active
`, dbState, m.PendingNudges, lastDaily)

	meta := map[string]interface{}{
		"db_ok":          m.DBOk,
		"db_size_bytes":  m.DBSizeBytes,
		"pending_nudges": m.PendingNudges,
	}
	if m.LastDailyReflectionTS != "" {
		meta["last_daily_reflection_ts"] = m.LastDailyReflectionTS
	}

	if err := dc.InsertReflection(ctx, store.ReflectionMicro, content, meta, false); err != nil {
		return nil, fmt.Errorf("reflection_micro insert: %w", err)
	}
	return nil, nil
}

// FTSOptimize merges full-text index segments. Never emits a nudge.
func FTSOptimize(ctx context.Context, dc Context) (*store.Nudge, error) {
	if err := dc.OptimizeIndex(ctx); err != nil {
		return nil, fmt.Errorf("fts_optimize: %w", err)
	}
	return nil, nil
}
