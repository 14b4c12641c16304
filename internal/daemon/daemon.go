// Package daemon is the composition root: it wires the store, FTS
// index, brake, bus, metrics and scheduler together and supervises the
// background loops that make the runtime autonomous.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"bartholomew/internal/brake"
	"bartholomew/internal/bus"
	"bartholomew/internal/cadence"
	"bartholomew/internal/config"
	"bartholomew/internal/consent"
	"bartholomew/internal/drives"
	"bartholomew/internal/fts"
	"bartholomew/internal/logging"
	"bartholomew/internal/metrics"
	"bartholomew/internal/scheduler"
	"bartholomew/internal/store"
)

// joinTimeout bounds how long Stop waits for each loop to finish its
// current iteration.
const joinTimeout = 5 * time.Second

// dreamWake is how often the reflection-window loop re-evaluates.
const dreamWake = 60 * time.Second

// SystemTopic carries reactive events (nudges from outside the
// scheduler) through the bus.
const SystemTopic = "system"

// Daemon owns every component and the loops over them.
type Daemon struct {
	cfg     *config.Config
	st      *store.Store
	idx     *fts.Client // nil when running degraded without FTS
	brk     *brake.ParkingBrake
	evbus   *bus.Bus
	sched   *scheduler.Loop
	metrics *metrics.Registry

	mu          sync.RWMutex
	now         time.Time
	startedAt   time.Time
	lastWaterTS *time.Time
	lastDaily   string // local dates already reflected, once per day
	lastWeekly  string

	cancel  context.CancelFunc
	loops   []*loopHandle
	stopped bool
}

type loopHandle struct {
	name string
	done chan struct{}
}

// New opens the store, initializes the schemas, loads the brake and
// wires the scheduler. No loops run until Start.
func New(cfg *config.Config) (*Daemon, error) {
	st, err := store.Open(cfg.DBPath())
	if err != nil {
		return nil, err
	}

	idx := fts.NewClient(st, cfg.Retrieval.TokenizerSpec())
	if err := idx.InitSchema(); err != nil {
		if !errors.Is(err, fts.ErrFeatureUnavailable) || !cfg.AllowDegradedFTS {
			st.Close()
			return nil, err
		}
		logging.DaemonWarn("Starting without FTS index: %v", err)
		idx = nil
	}

	if idx != nil && cfg.ConsentRules != "" {
		gate, err := consent.NewGate(st, cfg.ConsentRules)
		if err != nil {
			st.Close()
			return nil, err
		}
		idx.SetConsentGate(gate)
	}

	// The store doubles as the audit sink, so every brake transition
	// leaves a safety.audit memory.
	brk, err := brake.New(st, st)
	if err != nil {
		st.Close()
		return nil, err
	}

	d := &Daemon{
		cfg:       cfg,
		st:        st,
		idx:       idx,
		brk:       brk,
		evbus:     bus.New(),
		metrics:   metrics.New(),
		startedAt: time.Now(),
		now:       time.Now(),
	}

	if last, err := st.LastWaterTS(); err == nil {
		if t, perr := time.Parse(time.RFC3339, last); perr == nil {
			d.lastWaterTS = &t
		}
	}

	if counts, err := st.TickCountByDrive(); err == nil {
		d.metrics.SeedTicks(counts)
	}

	d.sched = scheduler.New(st, brk, drives.Registry(), &kernelContext{d: d}, cfg.Drives, cadence.FromEnv())
	d.sched.SetTickRecorder(d.metrics)

	return d, nil
}

// Store exposes the shared store to the HTTP layer.
func (d *Daemon) Store() *store.Store { return d.st }

// Index exposes the FTS client, nil when degraded.
func (d *Daemon) Index() *fts.Client { return d.idx }

// Brake exposes the parking brake.
func (d *Daemon) Brake() *brake.ParkingBrake { return d.brk }

// Bus exposes the event bus.
func (d *Daemon) Bus() *bus.Bus { return d.evbus }

// Metrics exposes the Prometheus registry.
func (d *Daemon) Metrics() *metrics.Registry { return d.metrics }

// Config exposes the loaded configuration.
func (d *Daemon) Config() *config.Config { return d.cfg }

// ReloadDrives swaps the scheduler's config cadence map from a freshly
// loaded config and re-registers the tasks so the persisted cadence
// strings refresh without touching next_run_ts. The config watcher
// calls this; a bad cadence in the new file rejects the whole reload.
func (d *Daemon) ReloadDrives(cfg *config.Config) error {
	d.mu.Lock()
	prev := d.cfg.Drives
	d.mu.Unlock()

	d.sched.SetConfigCadences(cfg.Drives)
	if err := d.sched.RegisterTasks(time.Now().Unix()); err != nil {
		// Fall back to the last good map rather than running half-applied.
		d.sched.SetConfigCadences(prev)
		return fmt.Errorf("reload drives: %w", err)
	}
	d.mu.Lock()
	d.cfg.Drives = cfg.Drives
	d.mu.Unlock()
	logging.Daemon("Drive cadences reloaded, %d config overrides", len(cfg.Drives))
	return nil
}

// Start registers the scheduled tasks and spawns the background loops.
// An invalid cadence aborts here, before anything runs.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.sched.RegisterTasks(time.Now().Unix()); err != nil {
		return fmt.Errorf("register drives: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.startedAt = time.Now()
	d.metrics.MarkStarted(d.startedAt)

	g, ctx := errgroup.WithContext(ctx)
	d.spawn(g, ctx, "scheduler", d.sched.Run)
	d.spawn(g, ctx, "dream", d.dreamLoop)
	d.spawn(g, ctx, "consumer", d.consumerLoop)
	d.spawn(g, ctx, "heartbeat", d.heartbeatLoop)

	logging.Daemon("Kernel started, %d loops running", len(d.loops))
	return nil
}

func (d *Daemon) spawn(g *errgroup.Group, ctx context.Context, name string, fn func(context.Context) error) {
	h := &loopHandle{name: name, done: make(chan struct{})}
	d.loops = append(d.loops, h)
	g.Go(func() error {
		defer close(h.done)
		if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logging.DaemonError("Loop %s exited: %v", name, err)
			return err
		}
		return nil
	})
}

// Stop cancels every loop, joins each with a 5-second timeout, closes
// the bus and finally the store, which truncates the WAL.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	d.mu.Unlock()

	if d.cancel != nil {
		d.cancel()
	}
	for _, h := range d.loops {
		select {
		case <-h.done:
		case <-time.After(joinTimeout):
			logging.DaemonWarn("Loop %s did not stop within %v", h.name, joinTimeout)
		}
	}
	d.evbus.Close()

	err := d.st.Close()
	logging.Daemon("Kernel stopped")
	return err
}

// Run starts the daemon and blocks until the context ends, then stops
// it.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return d.Stop()
}

// heartbeatLoop refreshes the daemon's notion of now every loop
// interval, which the health surface reports as the last kernel beat.
func (d *Daemon) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.LoopInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.mu.Lock()
			d.now = time.Now().In(d.cfg.Location())
			d.mu.Unlock()
		}
	}
}

// consumerLoop drains the system topic, persisting nudge events
// emitted outside the scheduler (the chat path, kernel commands).
func (d *Daemon) consumerLoop(ctx context.Context) error {
	sub := d.evbus.Subscribe(SystemTopic)
	for {
		evt, err := sub.Next(ctx)
		if errors.Is(err, bus.ErrClosed) || errors.Is(err, context.Canceled) {
			return nil
		}
		if err != nil {
			return err
		}
		if evt.Type != "nudge" {
			continue
		}

		kind, _ := evt.Payload["kind"].(string)
		if kind == "" {
			kind = "unknown"
		}
		message, _ := evt.Payload["message"].(string)
		actions, _ := evt.Payload["actions"].([]store.NudgeAction)
		if _, err := d.st.CreateNudge(kind, message, actions, evt.Reason, ""); err != nil {
			logging.DaemonError("Failed to persist nudge event %s: %v", evt.ID, err)
		}
	}
}

// InQuietHours reports whether t falls inside the configured quiet
// span, which may cross midnight.
func (d *Daemon) InQuietHours(t time.Time) bool {
	start := config.MustClock(d.cfg.QuietHours.Start)
	end := config.MustClock(d.cfg.QuietHours.End)
	now := config.ClockOf(t)

	if start < end {
		return now >= start && now < end
	}
	return now >= start || now < end
}

// EmitSystemNudge publishes a nudge event onto the system topic.
// Proactive emissions are suppressed during quiet hours; scheduler
// drives are not routed through here and stay unaffected.
func (d *Daemon) EmitSystemNudge(kind, message string, actions []store.NudgeAction, reason string) {
	now := time.Now().In(d.cfg.Location())
	if d.InQuietHours(now) {
		logging.DaemonDebug("Quiet hours, suppressing %s nudge", kind)
		return
	}
	d.evbus.Publish(SystemTopic, bus.Event{
		Type:   "nudge",
		Reason: reason,
		Payload: map[string]interface{}{
			"kind":    kind,
			"message": message,
			"actions": actions,
		},
	})
}

// HealthSummary is the health surface's snapshot.
type HealthSummary struct {
	KernelOnline         bool    `json:"kernel_online"`
	LastBeat             string  `json:"last_beat"`
	DBPath               string  `json:"db_path"`
	NudgesPendingCount   int64   `json:"nudges_pending_count"`
	LastDailyReflection  *string `json:"last_daily_reflection,omitempty"`
	UptimeSeconds        float64 `json:"uptime_seconds"`
}

// Health summarizes the runtime for the API.
func (d *Daemon) Health() HealthSummary {
	d.mu.RLock()
	beat := d.now
	started := d.startedAt
	d.mu.RUnlock()

	h := HealthSummary{
		KernelOnline:  d.st.DBOk(),
		LastBeat:      store.ISOFrom(beat),
		DBPath:        d.st.Path(),
		UptimeSeconds: time.Since(started).Seconds(),
	}
	if n, err := d.st.PendingNudgeCount(); err == nil {
		h.NudgesPendingCount = n
	}
	if r, err := d.st.LatestReflection(store.ReflectionDailyJournal); err == nil {
		h.LastDailyReflection = &r.TS
	}
	return h
}

// HandleCommand executes one kernel command, the same set the original
// UI buttons drove.
func (d *Daemon) HandleCommand(cmd string) error {
	switch cmd {
	case "water_log_250":
		return d.logWater(250)
	case "water_log_500":
		return d.logWater(500)
	case "reflection_run_daily":
		return d.runDailyReflection(time.Now().In(d.cfg.Location()))
	case "reflection_run_weekly":
		return d.runWeeklyReflection(time.Now().In(d.cfg.Location()))
	default:
		return fmt.Errorf("unknown kernel command %q", cmd)
	}
}

func (d *Daemon) logWater(ml int) error {
	if _, err := d.st.LogWater(ml, ""); err != nil {
		return err
	}
	now := time.Now().UTC()
	d.mu.Lock()
	d.lastWaterTS = &now
	d.mu.Unlock()
	logging.Kernel("Logged %d ml water", ml)
	return nil
}

// LastWaterTS returns when water was last logged, nil when never.
func (d *Daemon) LastWaterTS() *time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastWaterTS
}
