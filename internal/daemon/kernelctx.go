package daemon

import (
	"context"
	"errors"
	"os"

	"bartholomew/internal/drives"
	"bartholomew/internal/store"
)

// kernelContext is the capability surface handed to drives. It exposes
// only what a drive may do; the daemon itself stays out of reach.
type kernelContext struct {
	d *Daemon
}

var _ drives.Context = (*kernelContext)(nil)

// Metrics assembles the health snapshot drives reason over. Best
// effort: a failing sub-query zeroes its field rather than failing the
// whole snapshot, except the database check itself.
func (k *kernelContext) Metrics(ctx context.Context) (drives.Metrics, error) {
	if err := ctx.Err(); err != nil {
		return drives.Metrics{}, err
	}

	m := drives.Metrics{DBOk: k.d.st.DBOk()}
	if fi, err := os.Stat(k.d.st.Path()); err == nil {
		m.DBSizeBytes = fi.Size()
	}
	if n, err := k.d.st.PendingNudgeCount(); err == nil {
		m.PendingNudges = n
	}
	if r, err := k.d.st.LatestReflection(store.ReflectionDailyJournal); err == nil {
		m.LastDailyReflectionTS = r.TS
	}
	return m, nil
}

func (k *kernelContext) InsertReflection(ctx context.Context, kind, content string, meta map[string]interface{}, pinned bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := k.d.st.InsertReflection(kind, content, meta, "", pinned)
	return err
}

func (k *kernelContext) StorePath() string {
	return k.d.st.Path()
}

// OptimizeIndex forwards to the FTS client. Degraded daemons without
// an index report that instead of panicking inside a drive.
func (k *kernelContext) OptimizeIndex(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if k.d.idx == nil {
		return errors.New("fts index not available")
	}
	return k.d.idx.Optimize()
}
