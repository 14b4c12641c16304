package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"bartholomew/internal/fts"
	"bartholomew/internal/store"
)

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": Version})
}

func (s *Server) handleHealth(c *gin.Context) {
	d := s.state.Daemon
	h := d.Health()
	cfg := d.Config()
	c.JSON(http.StatusOK, gin.H{
		"status":               "ok",
		"tz":                   cfg.Timezone,
		"time":                 time.Now().In(cfg.Location()).Format(time.RFC3339),
		"version":              Version,
		"kernel_online":        h.KernelOnline,
		"last_kernel_beat":     h.LastBeat,
		"db_path":              h.DBPath,
		"nudges_pending_count": h.NudgesPendingCount,
		"last_daily_reflection": h.LastDailyReflection,
	})
}

func (s *Server) handlePendingNudges(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	nudges, err := s.state.Daemon.Store().ListPendingNudges(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]gin.H, 0, len(nudges))
	for _, n := range nudges {
		out = append(out, nudgeJSON(n))
	}
	c.JSON(http.StatusOK, gin.H{"nudges": out})
}

func (s *Server) handleNudgeAck(c *gin.Context) {
	s.transitionNudge(c, store.NudgeStatusAcked)
}

func (s *Server) handleNudgeDismiss(c *gin.Context) {
	s.transitionNudge(c, store.NudgeStatusDismissed)
}

// transitionNudge moves a pending nudge to its terminal status,
// recording acted_ts. 404 for unknown ids, 409 for rows already acted
// on.
func (s *Server) transitionNudge(c *gin.Context, status string) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid nudge id"})
		return
	}

	st := s.state.Daemon.Store()
	if err := st.SetNudgeStatus(id, status, ""); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "nudge not found"})
		case errors.Is(err, store.ErrNotPending):
			c.JSON(http.StatusConflict, gin.H{"error": "nudge not pending"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	n, err := st.GetNudge(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, nudgeJSON(*n))
}

func (s *Server) handleLatestDaily(c *gin.Context) {
	s.latestReflection(c, store.ReflectionDailyJournal)
}

func (s *Server) handleLatestWeekly(c *gin.Context) {
	s.latestReflection(c, store.ReflectionWeeklyAudit)
}

func (s *Server) latestReflection(c *gin.Context, kind string) {
	r, err := s.state.Daemon.Store().LatestReflection(kind)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no reflection yet"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id": r.ID, "kind": r.Kind, "content": r.Content,
		"meta": r.Meta, "ts": r.TS, "pinned": r.Pinned,
	})
}

func (s *Server) handleRunReflection(c *gin.Context) {
	var cmd string
	switch c.Query("kind") {
	case "daily":
		cmd = "reflection_run_daily"
	case "weekly":
		cmd = "reflection_run_weekly"
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "kind must be daily or weekly"})
		return
	}
	if err := s.state.Daemon.HandleCommand(cmd); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleKernelCommand(c *gin.Context) {
	d := s.state.Daemon
	if d == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "kernel offline"})
		return
	}
	if err := d.HandleCommand(c.Param("cmd")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleWaterLog(c *gin.Context) {
	var body struct {
		ML int `json:"ml" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ml required"})
		return
	}
	id, err := s.state.Daemon.Store().LogWater(body.ML, "")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "ml": body.ML})
}

func (s *Server) handleWaterToday(c *gin.Context) {
	d := s.state.Daemon
	loc := d.Config().Location()
	now := time.Now().In(loc)
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc).UTC()
	dayEnd := dayStart.Add(24*time.Hour - time.Second)

	total, err := d.Store().WaterTotalBetween(store.ISOFrom(dayStart), store.ISOFrom(dayEnd))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"total_ml": total})
}

func (s *Server) handleTicks(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	ticks, err := s.state.Daemon.Store().ListRecentTicks(c.Query("task_id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]gin.H, 0, len(ticks))
	for _, t := range ticks {
		out = append(out, gin.H{
			"id":       t.ID,
			"task_id":  t.TaskID,
			"started":  t.StartedTS,
			"finished": t.FinishedTS,
			"success":  t.Success,
			"key":      t.IdempotencyKey,
			"meta":     t.ResultMeta,
		})
	}
	c.JSON(http.StatusOK, gin.H{"ticks": out})
}

func (s *Server) handleSearch(c *gin.Context) {
	idx := s.state.Daemon.Index()
	if idx == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "fts index not available"})
		return
	}
	query := c.Query("q")
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "q required"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()
	results, err := idx.Search(ctx, query, fts.SearchOptions{
		Limit:       intQuery(c, "limit", 10),
		Offset:      intQuery(c, "offset", 0),
		OrderByRank: true,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results, "count": len(results)})
}

func nudgeJSON(n store.Nudge) gin.H {
	return gin.H{
		"id":         n.ID,
		"kind":       n.Kind,
		"message":    n.Message,
		"actions":    n.Actions,
		"reason":     n.Reason,
		"status":     n.Status,
		"created_ts": n.CreatedTS,
		"acted_ts":   n.ActedTS,
	}
}

func intQuery(c *gin.Context, key string, def int) int {
	if raw := c.Query(key); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			return v
		}
	}
	return def
}
