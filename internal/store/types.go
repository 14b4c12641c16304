package store

// Memory is one durable key-value fact. (kind, key) is unique; upserts
// replace value, summary and ts in place so the row id is stable for
// the FTS index.
type Memory struct {
	ID      int64
	Kind    string
	Key     string
	Value   string
	Summary string // optional, indexed alongside value
	TS      string // ISO-8601 UTC
}

// Nudge statuses. A nudge leaves pending exactly once.
const (
	NudgeStatusPending   = "pending"
	NudgeStatusAcked     = "acked"
	NudgeStatusDismissed = "dismissed"
)

// NudgeAction is one suggested response rendered with a nudge.
type NudgeAction struct {
	Label string `json:"label"`
	Cmd   string `json:"cmd"`
}

// Nudge is a user-facing prompt emitted by a drive or the daemon.
type Nudge struct {
	ID        int64
	Kind      string
	Message   string
	Actions   []NudgeAction
	Reason    string
	Status    string
	CreatedTS string  // ISO-8601 UTC
	ActedTS   *string // set when acked or dismissed
}

// Reflection kinds written by the runtime.
const (
	ReflectionDailyJournal = "daily_journal"
	ReflectionWeeklyAudit  = "weekly_alignment_audit"
	ReflectionMicro        = "micro_reflection"
)

// Reflection is a generated markdown document with JSON metadata.
type Reflection struct {
	ID      int64
	Kind    string
	Content string
	Meta    map[string]interface{}
	TS      string // ISO-8601 UTC
	Pinned  bool
}

// ScheduledTask is the scheduler's bookkeeping row for one drive.
type ScheduledTask struct {
	ID          string // drive name
	Cadence     string
	NextRunTS   int64  // epoch seconds
	LastRunTS   *int64 // nil until first completion
	WindowState *string
}

// Tick is one append-only execution record. IdempotencyKey is
// "{task_id}:{scheduled_ts}" and globally unique.
type Tick struct {
	ID             int64
	TaskID         string
	StartedTS      int64 // epoch seconds
	FinishedTS     *int64
	Success        bool
	IdempotencyKey string
	ResultMeta     map[string]interface{}
}

// WaterLog is one hydration entry.
type WaterLog struct {
	ID int64
	TS string // ISO-8601 UTC
	ML int
}

// Embedding sources.
const (
	EmbeddingSourceSummary = "summary"
	EmbeddingSourceFull    = "full"
)

// EmbeddingRecord is one stored vector for a memory.
type EmbeddingRecord struct {
	EmbeddingID int64
	MemoryID    int64
	Source      string
	Dim         int
	Vec         []float32
	Norm        float64
	Provider    string
	Model       string
	CreatedAt   string
}
