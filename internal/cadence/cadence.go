// Package cadence computes when a drive should fire next. It is pure:
// callers pass the clock in and persist the returned window state
// themselves.
//
// Two forms are understood:
//
//	every:N      fire every N seconds, scheduled relative to the last
//	             run so jitter never accumulates into drift
//	window:W:K   fire K times inside every W-second window, evenly
//	             spaced
package cadence

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"strconv"
	"strings"
)

// ErrInvalidCadence reports a cadence string the parser cannot accept.
// Configuration errors; they abort startup rather than the loop.
var ErrInvalidCadence = errors.New("invalid cadence")

// WindowState is the per-task bookkeeping for window cadences,
// persisted opaquely by the scheduler between runs.
type WindowState struct {
	WindowStartTS int64 `json:"window_start_ts"`
	RunsInWindow  int   `json:"runs_in_window"`
}

// ParseWindowState decodes the persisted JSON form, nil for nil/empty.
func ParseWindowState(raw *string) (*WindowState, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil, nil
	}
	var ws WindowState
	if err := json.Unmarshal([]byte(*raw), &ws); err != nil {
		return nil, fmt.Errorf("failed to decode window state: %w", err)
	}
	return &ws, nil
}

// Encode serializes the state for persistence.
func (ws *WindowState) Encode() (string, error) {
	b, err := json.Marshal(ws)
	if err != nil {
		return "", fmt.Errorf("failed to encode window state: %w", err)
	}
	return string(b), nil
}

// Options tune the computation. SpeedFactor scales every interval
// (tests run the whole runtime at 0.01); Jitter adds the ±5% spread
// that keeps periodic drives from thundering together.
type Options struct {
	SpeedFactor float64
	Jitter      bool
}

// DefaultOptions is the production configuration.
func DefaultOptions() Options {
	return Options{SpeedFactor: 1.0, Jitter: true}
}

// FromEnv starts from DefaultOptions and applies BARTH_SPEED_FACTOR
// when it parses to a float >= 0.001. Invalid values are ignored.
func FromEnv() Options {
	opts := DefaultOptions()
	if raw := os.Getenv("BARTH_SPEED_FACTOR"); raw != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil && f >= 0.001 {
			opts.SpeedFactor = f
		}
	}
	return opts
}

// Validate checks a cadence string without computing anything, so
// startup can reject bad configuration before the loop spins.
func Validate(cadence string) error {
	_, _, err := parse(cadence)
	return err
}

type form int

const (
	formEvery form = iota
	formWindow
)

// parse splits a cadence string into its form and numeric parts.
func parse(cadence string) (form, []int64, error) {
	trimmed := strings.TrimSpace(cadence)
	if trimmed == "" {
		return 0, nil, fmt.Errorf("%w: empty string", ErrInvalidCadence)
	}
	parts := strings.Split(trimmed, ":")
	switch parts[0] {
	case "every":
		if len(parts) != 2 {
			return 0, nil, fmt.Errorf("%w: %q", ErrInvalidCadence, cadence)
		}
		n, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || n <= 0 {
			return 0, nil, fmt.Errorf("%w: %q", ErrInvalidCadence, cadence)
		}
		return formEvery, []int64{n}, nil
	case "window":
		if len(parts) != 3 {
			return 0, nil, fmt.Errorf("%w: %q", ErrInvalidCadence, cadence)
		}
		w, errW := strconv.ParseInt(parts[1], 10, 64)
		k, errK := strconv.ParseInt(parts[2], 10, 64)
		if errW != nil || errK != nil || w <= 0 || k <= 0 {
			return 0, nil, fmt.Errorf("%w: %q", ErrInvalidCadence, cadence)
		}
		return formWindow, []int64{w, k}, nil
	default:
		return 0, nil, fmt.Errorf("%w: unknown form %q", ErrInvalidCadence, cadence)
	}
}

// scale applies the speed factor with a 1-second floor.
func scale(n int64, factor float64) int64 {
	scaled := int64(math.Round(float64(n) * factor))
	if scaled < 1 {
		return 1
	}
	return scaled
}

// jitterSeconds returns a symmetric ±5% offset, at least ±1 s wide.
func jitterSeconds(interval int64) int64 {
	spread := interval / 20
	if spread < 1 {
		spread = 1
	}
	return rand.Int63n(2*spread+1) - spread
}

// ComputeNextRun decides when the task fires next.
//
// For every cadences the schedule chains from the occurrence that just
// happened: scheduledTS when known, else lastRunTS, else now. Chaining
// from the scheduled instant rather than the wall-clock completion
// keeps slow drives from drifting the cadence. windowState carries
// window bookkeeping between calls and is returned updated for window
// cadences, nil for every cadences.
func ComputeNextRun(lastRunTS, scheduledTS *int64, cadence string, nowTS int64, windowState *WindowState, opts Options) (int64, *WindowState, error) {
	f, nums, err := parse(cadence)
	if err != nil {
		return 0, nil, err
	}
	if opts.SpeedFactor <= 0 {
		opts.SpeedFactor = 1.0
	}

	switch f {
	case formEvery:
		delta := scale(nums[0], opts.SpeedFactor)
		if opts.Jitter {
			delta += jitterSeconds(delta)
			if delta < 1 {
				delta = 1
			}
		}
		switch {
		case scheduledTS != nil:
			return *scheduledTS + delta, nil, nil
		case lastRunTS != nil:
			return *lastRunTS + delta, nil, nil
		default:
			return nowTS + delta, nil, nil
		}

	case formWindow:
		w := scale(nums[0], opts.SpeedFactor)
		k := nums[1]

		ws := windowState
		if ws == nil || lastRunTS == nil || nowTS-ws.WindowStartTS >= w {
			ws = &WindowState{WindowStartTS: nowTS, RunsInWindow: 0}
		}
		if int64(ws.RunsInWindow) >= k {
			ws = &WindowState{WindowStartTS: ws.WindowStartTS + w, RunsInWindow: 0}
		}

		slot := w / k
		next := ws.WindowStartTS + int64(ws.RunsInWindow)*slot
		if next < nowTS {
			next = nowTS
		}
		return next, &WindowState{WindowStartTS: ws.WindowStartTS, RunsInWindow: ws.RunsInWindow + 1}, nil

	default:
		return 0, nil, fmt.Errorf("%w: %q", ErrInvalidCadence, cadence)
	}
}
