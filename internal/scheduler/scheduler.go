// Package scheduler runs the autonomy loop: pick the earliest due
// drive, execute it behind the parking brake, persist a tick with a
// restart-safe idempotency key, and advance the schedule. The loop is
// never fatal and never silent; every failure lands in a tick's
// result_meta or the log.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"bartholomew/internal/brake"
	"bartholomew/internal/cadence"
	"bartholomew/internal/drives"
	"bartholomew/internal/logging"
	"bartholomew/internal/store"
)

// Status classifies one execution attempt. A result variant instead of
// exception control flow: the loop branches on it to decide what tick
// to persist.
type Status int

const (
	StatusOK Status = iota
	StatusSkipped
	StatusFailed
)

// Outcome is what one drive execution produced.
type Outcome struct {
	Status Status
	Reason string // set for StatusSkipped, e.g. "brake"
	Err    error  // set for StatusFailed
	Nudge  *store.Nudge
}

// idleSleep is how long the loop rests when nothing is due and after
// persistence errors.
const idleSleep = 5 * time.Second

// Gate is the brake surface the scheduler consults.
type Gate interface {
	IsBlocked(scope string) bool
}

// TickRecorder receives one count per executed drive, feeding
// kernel_ticks_total. Optional.
type TickRecorder interface {
	RecordTick(drive string)
}

// Loop is the scheduler.
type Loop struct {
	st       *store.Store
	gate     Gate
	registry []drives.Drive
	byName   map[string]drives.Drive
	dctx     drives.Context
	opts     cadence.Options
	recorder TickRecorder // may be nil

	cadMu  sync.RWMutex
	cfgCad map[string]string // config-file cadence overrides, hot-swappable
}

// New builds a loop. configCadences carries the drives map from the
// config file; environment overrides are resolved per iteration so a
// test can flip them live.
func New(st *store.Store, gate Gate, registry []drives.Drive, dctx drives.Context, configCadences map[string]string, opts cadence.Options) *Loop {
	byName := make(map[string]drives.Drive, len(registry))
	for _, d := range registry {
		byName[d.Name] = d
	}
	return &Loop{
		st:       st,
		gate:     gate,
		registry: registry,
		byName:   byName,
		dctx:     dctx,
		cfgCad:   configCadences,
		opts:     opts,
	}
}

// SetTickRecorder wires the metrics hook.
func (l *Loop) SetTickRecorder(r TickRecorder) {
	l.recorder = r
}

// SetConfigCadences swaps the config-file cadence map after a hot
// reload. Later iterations resolve against the new map; persisted
// schedules are untouched until each task next advances.
func (l *Loop) SetConfigCadences(configCadences map[string]string) {
	l.cadMu.Lock()
	defer l.cadMu.Unlock()
	l.cfgCad = configCadences
}

// ResolveCadence applies the precedence environment > config file >
// registry default for one drive.
func (l *Loop) ResolveCadence(d drives.Drive) string {
	resolved := d.Cadence
	l.cadMu.RLock()
	if c, ok := l.cfgCad[d.Name]; ok && c != "" {
		resolved = c
	}
	l.cadMu.RUnlock()
	envKey := "DRIVE_" + strings.ToUpper(d.Name)
	if c := os.Getenv(envKey); c != "" {
		resolved = c
	}
	return resolved
}

// RegisterTasks validates every resolved cadence and upserts the
// bookkeeping rows. New tasks start due immediately. An invalid cadence
// is a configuration error and aborts startup.
func (l *Loop) RegisterTasks(nowTS int64) error {
	for _, d := range l.registry {
		resolved := l.ResolveCadence(d)
		if err := cadence.Validate(resolved); err != nil {
			return fmt.Errorf("drive %s: %w", d.Name, err)
		}
		if err := l.st.UpsertScheduledTask(d.Name, resolved, nowTS); err != nil {
			return err
		}
		logging.Scheduler("Registered drive %s cadence=%s", d.Name, resolved)
	}
	return nil
}

// Run drives the loop until the context is cancelled. RegisterTasks
// must have succeeded first.
func (l *Loop) Run(ctx context.Context) error {
	logging.Scheduler("Autonomy loop started")
	defer logging.Scheduler("Autonomy loop stopped")

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		ran, err := l.RunOnce(ctx)
		if err != nil {
			logging.SchedulerError("Loop iteration failed: %v", err)
			if !sleepCtx(ctx, idleSleep) {
				return nil
			}
			continue
		}
		if !ran {
			if !sleepCtx(ctx, idleSleep) {
				return nil
			}
		}
	}
}

// RunOnce performs one scheduling decision. Returns false when nothing
// was due. Errors are persistence failures the loop should back off
// from; drive failures are absorbed into ticks.
func (l *Loop) RunOnce(ctx context.Context) (bool, error) {
	nowTS := time.Now().Unix()

	task, err := l.st.DueTask(nowTS)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	d, ok := l.byName[task.ID]
	if !ok {
		// Row for a drive no longer registered; push it far out rather
		// than spinning on it.
		logging.SchedulerWarn("Unknown task %s in schedule, parking it", task.ID)
		return true, l.st.UpdateTaskSchedule(task.ID, nowTS+86400, nil, task.WindowState)
	}

	scheduledTS := task.NextRunTS
	key := fmt.Sprintf("%s:%d", task.ID, scheduledTS)

	// Restart protection: an existing tick means this occurrence
	// already ran in a previous life of the process.
	exists, err := l.st.TickExists(key)
	if err != nil {
		return false, err
	}
	if exists {
		logging.SchedulerDebug("Tick %s already recorded, skipping execution", key)
		return true, l.advance(task, scheduledTS, nowTS)
	}

	startedTS := time.Now().Unix()
	outcome := l.execute(ctx, d)
	finishedTS := time.Now().Unix()

	tick := store.Tick{
		TaskID:         task.ID,
		StartedTS:      startedTS,
		FinishedTS:     &finishedTS,
		IdempotencyKey: key,
	}
	switch outcome.Status {
	case StatusOK:
		tick.Success = true
	case StatusSkipped:
		tick.ResultMeta = map[string]interface{}{"reason": outcome.Reason}
	case StatusFailed:
		tick.ResultMeta = map[string]interface{}{"error": outcome.Err.Error()}
		logging.Audit().DriveFailed(task.ID, outcome.Err)
	}

	if _, err := l.st.InsertTick(tick); err != nil {
		if !errors.Is(err, store.ErrDuplicateTick) {
			return false, err
		}
		// Someone beat us to this occurrence; treat as already ran.
		logging.SchedulerDebug("Duplicate tick %s on insert", key)
	}
	if l.recorder != nil {
		l.recorder.RecordTick(task.ID)
	}

	if outcome.Nudge != nil {
		n := outcome.Nudge
		if _, err := l.st.CreateNudge(n.Kind, n.Message, n.Actions, n.Reason, ""); err != nil {
			logging.SchedulerError("Failed to persist nudge from %s: %v", task.ID, err)
		}
	}

	logging.Scheduler("tick=%s status=%d dur_s=%d next pending", task.ID, outcome.Status, finishedTS-startedTS)
	return true, l.advance(task, scheduledTS, nowTS)
}

// execute runs the drive behind the brake, trapping panics and errors
// into the outcome.
func (l *Loop) execute(ctx context.Context, d drives.Drive) (out Outcome) {
	if l.gate != nil && l.gate.IsBlocked(brake.ScopeScheduler) {
		logging.Brake("Scheduler blocked, skipping %s", d.Name)
		logging.Audit().BrakeBlocked(d.Name, []string{brake.ScopeScheduler})
		return Outcome{Status: StatusSkipped, Reason: "brake"}
	}

	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Status: StatusFailed, Err: fmt.Errorf("drive panic: %v", r)}
		}
	}()

	nudge, err := d.Run(ctx, l.dctx)
	if err != nil {
		return Outcome{Status: StatusFailed, Err: err}
	}
	return Outcome{Status: StatusOK, Nudge: nudge}
}

// advance recomputes and persists the next fire time, chaining from the
// occurrence that just completed (or was skipped; blocking must not
// cause runaway re-fire, so the schedule moves regardless).
func (l *Loop) advance(task *store.ScheduledTask, scheduledTS, nowTS int64) error {
	resolved := l.ResolveCadence(l.byName[task.ID])

	ws, err := cadence.ParseWindowState(task.WindowState)
	if err != nil {
		logging.SchedulerWarn("Corrupt window state for %s, resetting: %v", task.ID, err)
		ws = nil
	}

	nextTS, newWS, err := cadence.ComputeNextRun(&scheduledTS, &scheduledTS, resolved, nowTS, ws, l.opts)
	if err != nil {
		return fmt.Errorf("compute next run for %s: %w", task.ID, err)
	}

	var rawWS *string
	if newWS != nil {
		encoded, err := newWS.Encode()
		if err != nil {
			return err
		}
		rawWS = &encoded
	}
	return l.st.UpdateTaskSchedule(task.ID, nextTS, &scheduledTS, rawWS)
}

// sleepCtx sleeps unless the context cancels first; false means cancel.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
