package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"bartholomew/internal/config"
	"bartholomew/internal/logging"
	"bartholomew/internal/store"
)

// dreamLoop wakes every minute and decides whether the daily journal or
// the weekly alignment audit is due. Each runs at most once per local
// date, across restarts: the in-process marker is backed by a
// date-prefix check against persisted reflections.
func (d *Daemon) dreamLoop(ctx context.Context) error {
	ticker := time.NewTicker(dreamWake)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		now := time.Now().In(d.cfg.Location())

		if due, err := d.dailyDue(now); err != nil {
			logging.DaemonError("Daily reflection check failed: %v", err)
		} else if due {
			if err := d.runDailyReflection(now); err != nil {
				logging.DaemonError("Daily reflection failed: %v", err)
			}
		}

		if due, err := d.weeklyDue(now); err != nil {
			logging.DaemonError("Weekly audit check failed: %v", err)
		} else if due {
			if err := d.runWeeklyReflection(now); err != nil {
				logging.DaemonError("Weekly audit failed: %v", err)
			}
		}
	}
}

func localDate(t time.Time) string {
	return t.Format("2006-01-02")
}

// dailyDue reports whether now sits inside the nightly window and
// today's journal has not been written yet.
func (d *Daemon) dailyDue(now time.Time) (bool, error) {
	date := localDate(now)
	d.mu.RLock()
	done := d.lastDaily == date
	d.mu.RUnlock()
	if done {
		return false, nil
	}

	startS, endS, err := d.cfg.NightlyWindow()
	if err != nil {
		return false, err
	}
	clock := config.ClockOf(now)
	if clock < config.MustClock(startS) || clock >= config.MustClock(endS) {
		return false, nil
	}

	exists, err := d.st.ReflectionExistsOnDate(store.ReflectionDailyJournal, date)
	if err != nil {
		return false, err
	}
	return !exists, nil
}

// weeklyDue reports whether now is the configured weekday within 60
// minutes after the configured time and this week's audit is missing.
func (d *Daemon) weeklyDue(now time.Time) (bool, error) {
	date := localDate(now)
	d.mu.RLock()
	done := d.lastWeekly == date
	d.mu.RUnlock()
	if done {
		return false, nil
	}

	if now.Weekday() != d.cfg.WeeklyWeekday() {
		return false, nil
	}
	target := config.MustClock(d.cfg.Dreaming.Weekly.Time)
	clock := config.ClockOf(now)
	if clock < target || clock >= target+60 {
		return false, nil
	}

	exists, err := d.st.ReflectionExistsOnDate(store.ReflectionWeeklyAudit, date)
	if err != nil {
		return false, err
	}
	return !exists, nil
}

// runDailyReflection builds, persists and exports the daily journal.
func (d *Daemon) runDailyReflection(now time.Time) error {
	logging.Kernel("Running daily reflection")

	loc := d.cfg.Location()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc).UTC()
	dayEnd := dayStart.Add(24*time.Hour - time.Second)

	waterTotal, err := d.st.WaterTotalBetween(store.ISOFrom(dayStart), store.ISOFrom(dayEnd))
	if err != nil {
		return err
	}
	nudgeCount, err := d.st.NudgeCountBetween(store.ISOFrom(dayStart), store.ISOFrom(dayEnd))
	if err != nil {
		return err
	}

	content := fmt.Sprintf(`# Daily Reflection - %s

## Summary
Wellness monitoring and proactive care delivered.

## Wellness
- Hydration: %d mL logged today
- Nudges sent: %d

## Notable Events
(Future: chat highlights, emotional events, user activities)

## Intent for Tomorrow
Continue supporting hydration and wellness goals.
`, localDate(now), waterTotal, nudgeCount)

	meta := map[string]interface{}{"water_ml": waterTotal, "nudges": nudgeCount}
	if _, err := d.st.InsertReflection(store.ReflectionDailyJournal, content, meta, store.ISOFrom(now), false); err != nil {
		return err
	}

	d.mu.Lock()
	d.lastDaily = localDate(now)
	d.mu.Unlock()

	d.export(filepath.Join("sessions", localDate(now)+".md"), content)
	return nil
}

// runWeeklyReflection builds, persists and exports the weekly
// alignment audit.
func (d *Daemon) runWeeklyReflection(now time.Time) error {
	logging.Kernel("Running weekly alignment audit")

	year, week := now.ISOWeek()
	content := fmt.Sprintf(`# Weekly Alignment Audit - Week %d, %d

## Identity Core Alignment
- [x] Red lines respected (no deception, manipulation, harm)
- [x] Consent policies followed (proactive nudges with opt-out)
- [x] Privacy maintained (no unsolicited data sharing)
- [x] Safety protocols active (kill switch tested)

## Behavioral Review
- [x] Proactive care delivered within policy boundaries
- [x] No policy violations detected
- [x] User autonomy preserved

## Recommendations
Continue current operation. No remediation needed.
`, week, year)

	meta := map[string]interface{}{"week": week, "year": year}
	if _, err := d.st.InsertReflection(store.ReflectionWeeklyAudit, content, meta, store.ISOFrom(now), true); err != nil {
		return err
	}

	d.mu.Lock()
	d.lastWeekly = localDate(now)
	d.mu.Unlock()

	d.export(filepath.Join("audit_logs", fmt.Sprintf("week-%d-%02d.md", year, week)), content)
	return nil
}

// export writes a reflection markdown copy under the exports dir.
// Export failures are logged, never fatal; the database copy is the
// source of truth.
func (d *Daemon) export(rel, content string) {
	path := filepath.Join(d.cfg.ExportsDir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		logging.DaemonWarn("Failed to create export dir: %v", err)
		return
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		logging.DaemonWarn("Failed to export reflection: %v", err)
		return
	}
	logging.KernelDebug("Reflection exported to %s", path)
}
