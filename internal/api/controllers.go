package api

import (
	"errors"
	"net/http"
	"time"

	"copytrade-core/internal/aggregate"
	"copytrade-core/internal/events"
	"copytrade-core/internal/signal"
	"copytrade-core/pkg/db"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type followRequest struct {
	FollowerID       string             `json:"follower_id"`
	MasterID         string             `json:"master_id" binding:"required,min=1"`
	ConnectionID     string             `json:"connection_id" binding:"required,min=1"`
	AllocatedCapital float64            `json:"allocated_capital" binding:"gt=0"`
	SizingPolicy     string             `json:"sizing_policy" binding:"required,oneof=proportional fixed kelly"`
	FixedQty         float64            `json:"fixed_qty"`
	MaxPositionSize  float64            `json:"max_position_size"`
	Limits           riskLimitsPayload  `json:"limits"`
	Replication      replicationPayload `json:"replication"`
}

type riskLimitsPayload struct {
	MaxDailyLoss    float64            `json:"max_daily_loss"`
	MaxDrawdown     float64            `json:"max_drawdown"`
	AllowedSymbols  []string           `json:"allowed_symbols"`
	LeverageCaps    map[string]float64 `json:"leverage_caps"`
	AutoLiquidateAt float64            `json:"auto_liquidate_at"`
	MaxCorrelation  float64            `json:"max_correlation"`
	CircuitBreaker  bool               `json:"circuit_breaker"`
}

type replicationPayload struct {
	TargetDelayMs     int     `json:"target_delay_ms"`
	AllowPartialFills bool    `json:"allow_partial_fills"`
	MaxSlippage       float64 `json:"max_slippage"`
}

type listQuery struct {
	Limit int `form:"limit"`
}

type masterListQuery struct {
	Strategy  string `form:"strategy"`
	RiskLevel string `form:"risk_level"`
	Search    string `form:"search"`
	Sort      string `form:"sort"`
	Desc      bool   `form:"desc"`
	Limit     int    `form:"limit"`
}

type circuitBreakerRequest struct {
	Engaged *bool `json:"engaged" binding:"required"`
}

type platformAvailabilityRequest struct {
	Available *bool `json:"available" binding:"required"`
}

func (p riskLimitsPayload) toModel() db.RiskLimits {
	return db.RiskLimits{
		MaxDailyLoss:    p.MaxDailyLoss,
		MaxDrawdown:     p.MaxDrawdown,
		AllowedSymbols:  p.AllowedSymbols,
		LeverageCaps:    p.LeverageCaps,
		AutoLiquidateAt: p.AutoLiquidateAt,
		MaxCorrelation:  p.MaxCorrelation,
		CircuitBreaker:  p.CircuitBreaker,
	}
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// ----------------------------------------
// System
// ----------------------------------------

func (s *Server) getSystemStatus(c *gin.Context) {
	platforms := gin.H{}
	if s.Registry != nil {
		for _, name := range s.Registry.Names() {
			platforms[name] = s.Registry.Available(name)
		}
	}
	queueDepth := 0
	if s.Queue != nil {
		queueDepth = s.Queue.Len()
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "running",
		"version":     s.Meta.Version,
		"execution":   s.Meta.Execution,
		"platforms":   platforms,
		"queue_depth": queueDepth,
	})
}

func (s *Server) getSystemMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}

func (s *Server) getQueueMetrics(c *gin.Context) {
	if s.Queue == nil {
		respondError(c, http.StatusServiceUnavailable, "UNAVAILABLE", "queue not running")
		return
	}
	m := s.Queue.GetMetrics()
	c.JSON(http.StatusOK, gin.H{
		"depth":     s.Queue.Len(),
		"written":   m.Written,
		"recovered": m.Recovered,
		"completed": m.Completed,
		"failed":    m.Failed,
	})
}

// ----------------------------------------
// Signals
// ----------------------------------------

func (s *Server) ingestSignal(c *gin.Context) {
	var ev signal.RawEvent
	if err := c.BindJSON(&ev); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid signal payload")
		return
	}

	sig, err := s.Normalizer.Normalize(c.Request.Context(), ev)
	switch {
	case errors.Is(err, signal.ErrDuplicate):
		c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
		return
	case errors.Is(err, signal.ErrSourceNotConnected):
		respondError(c, http.StatusServiceUnavailable, "UNAVAILABLE", "source platform not connected")
		return
	case errors.Is(err, signal.ErrInvalid):
		respondError(c, http.StatusBadRequest, "INVALID_SIGNAL", err.Error())
		return
	case err != nil:
		respondError(c, http.StatusInternalServerError, "INTERNAL", "failed to store signal")
		return
	}

	queued, err := s.Dispatcher.Dispatch(c.Request.Context(), sig)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL", "dispatch failed")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"signal_id":       sig.ID,
		"sessions_queued": queued,
	})
}

func (s *Server) listSignals(c *gin.Context) {
	var q listQuery
	_ = c.BindQuery(&q)
	signals, err := s.Queries.ListRecentSignals(c.Request.Context(), q.Limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL", "failed to list signals")
		return
	}
	c.JSON(http.StatusOK, gin.H{"signals": signals})
}

// ----------------------------------------
// Masters
// ----------------------------------------

func (s *Server) listMasters(c *gin.Context) {
	var q masterListQuery
	_ = c.BindQuery(&q)
	masters, err := s.Queries.ListMasterTraders(c.Request.Context(), db.MasterFilter{
		Strategy:  q.Strategy,
		RiskLevel: q.RiskLevel,
		Search:    q.Search,
		SortKey:   q.Sort,
		SortDesc:  q.Desc,
		Limit:     q.Limit,
	})
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL", "failed to list masters")
		return
	}
	c.JSON(http.StatusOK, gin.H{"masters": masters})
}

func (s *Server) getMaster(c *gin.Context) {
	m, err := s.Queries.GetMasterTrader(c.Request.Context(), c.Param("id"))
	if errors.Is(err, db.ErrNotFound) {
		respondError(c, http.StatusNotFound, "NOT_FOUND", "master trader not found")
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL", "failed to load master")
		return
	}
	c.JSON(http.StatusOK, m)
}

func (s *Server) getMasterMetrics(c *gin.Context) {
	s.scopeMetrics(c, aggregate.ScopeMaster, c.Param("id"))
}

// ----------------------------------------
// Relationships
// ----------------------------------------

func (s *Server) follow(c *gin.Context) {
	var req followRequest
	if err := c.BindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}
	if req.SizingPolicy == db.SizingFixed && req.FixedQty <= 0 {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "fixed sizing needs fixed_qty > 0")
		return
	}
	followerID := req.FollowerID
	if followerID == "" {
		followerID = CurrentUserID(c)
	}

	ctx := c.Request.Context()
	master, err := s.Queries.GetMasterTrader(ctx, req.MasterID)
	if errors.Is(err, db.ErrNotFound) {
		respondError(c, http.StatusNotFound, "NOT_FOUND", "master trader not found")
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL", "failed to load master")
		return
	}
	if !master.AcceptingFollowers {
		respondError(c, http.StatusForbidden, "FORBIDDEN", "master is not accepting followers")
		return
	}
	if master.MaxFollowers > 0 && master.FollowerCount >= master.MaxFollowers {
		respondError(c, http.StatusForbidden, "FORBIDDEN", "master is at follower capacity")
		return
	}

	rel := db.Relationship{
		ID:               uuid.New().String(),
		FollowerID:       followerID,
		MasterID:         req.MasterID,
		ConnectionID:     req.ConnectionID,
		Status:           db.RelationshipActive,
		AllocatedCapital: req.AllocatedCapital,
		SizingPolicy:     req.SizingPolicy,
		FixedQty:         req.FixedQty,
		MaxPositionSize:  req.MaxPositionSize,
		Limits:           req.Limits.toModel(),
		Replication: db.ReplicationSettings{
			TargetDelayMs:     req.Replication.TargetDelayMs,
			AllowPartialFills: req.Replication.AllowPartialFills,
			MaxSlippage:       req.Replication.MaxSlippage,
		},
	}
	if err := s.Queries.CreateRelationship(ctx, rel); err != nil {
		if errors.Is(err, db.ErrConflict) {
			respondError(c, http.StatusConflict, "CONFLICT", "already following this master")
			return
		}
		respondError(c, http.StatusInternalServerError, "INTERNAL", "failed to create relationship")
		return
	}
	if err := s.Queries.AdjustFollowerCount(ctx, req.MasterID, 1); err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL", "failed to update follower count")
		return
	}

	s.publishState(rel.ID, db.RelationshipActive, "follow")
	c.JSON(http.StatusCreated, rel)
}

func (s *Server) listRelationships(c *gin.Context) {
	followerID := c.Query("follower_id")
	if followerID == "" {
		followerID = CurrentUserID(c)
	}
	rels, err := s.Queries.ListByFollower(c.Request.Context(), followerID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL", "failed to list relationships")
		return
	}
	c.JSON(http.StatusOK, gin.H{"relationships": rels})
}

func (s *Server) getRelationship(c *gin.Context) {
	rel, ok := s.loadOwned(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, rel)
}

func (s *Server) unfollow(c *gin.Context) {
	rel, ok := s.loadOwned(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	cancelled, err := s.Queries.CancelPendingByRelationship(ctx, rel.ID, "relationship removed")
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL", "failed to cancel pending sessions")
		return
	}
	if err := s.Queries.SoftDeleteRelationship(ctx, rel.ID); err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL", "failed to remove relationship")
		return
	}
	if err := s.Queries.AdjustFollowerCount(ctx, rel.MasterID, -1); err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL", "failed to update follower count")
		return
	}

	s.invalidate(rel.ID)
	s.publishState(rel.ID, db.RelationshipStopped, "unfollow")
	c.JSON(http.StatusOK, gin.H{"cancelled_sessions": cancelled})
}

func (s *Server) startRelationship(c *gin.Context) {
	s.transition(c, db.RelationshipActive, map[string]bool{
		db.RelationshipPaused:    true,
		db.RelationshipSuspended: true,
	}, false)
}

func (s *Server) pauseRelationship(c *gin.Context) {
	s.transition(c, db.RelationshipPaused, map[string]bool{
		db.RelationshipActive: true,
	}, true)
}

func (s *Server) stopRelationship(c *gin.Context) {
	s.transition(c, db.RelationshipStopped, map[string]bool{
		db.RelationshipActive:    true,
		db.RelationshipPaused:    true,
		db.RelationshipSuspended: true,
	}, true)
}

// transition moves an owned relationship between lifecycle states. Queued
// sessions are dropped when the relationship leaves the active state; a
// session already executing always finishes on its own.
func (s *Server) transition(c *gin.Context, target string, from map[string]bool, cancelPending bool) {
	rel, ok := s.loadOwned(c)
	if !ok {
		return
	}
	if !from[rel.Status] {
		respondError(c, http.StatusConflict, "CONFLICT", "cannot move from "+rel.Status+" to "+target)
		return
	}

	ctx := c.Request.Context()
	if err := s.Queries.UpdateRelationshipStatus(ctx, rel.ID, target); err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL", "failed to update status")
		return
	}

	var cancelled int64
	if cancelPending {
		var err error
		cancelled, err = s.Queries.CancelPendingByRelationship(ctx, rel.ID, "relationship "+target)
		if err != nil {
			respondError(c, http.StatusInternalServerError, "INTERNAL", "failed to cancel pending sessions")
			return
		}
	}

	s.invalidate(rel.ID)
	s.publishState(rel.ID, target, "user command")
	c.JSON(http.StatusOK, gin.H{
		"status":             target,
		"cancelled_sessions": cancelled,
	})
}

func (s *Server) updateRelationshipLimits(c *gin.Context) {
	rel, ok := s.loadOwned(c)
	if !ok {
		return
	}
	var payload riskLimitsPayload
	if err := c.BindJSON(&payload); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid limits payload")
		return
	}
	if err := s.Queries.UpdateRelationshipLimits(c.Request.Context(), rel.ID, payload.toModel()); err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL", "failed to update limits")
		return
	}
	s.invalidate(rel.ID)
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

func (s *Server) getRelationshipMetrics(c *gin.Context) {
	s.scopeMetrics(c, aggregate.ScopeRelationship, c.Param("id"))
}

// loadOwned fetches the relationship in :id and enforces that the caller is
// its follower.
func (s *Server) loadOwned(c *gin.Context) (db.Relationship, bool) {
	rel, err := s.Queries.GetRelationship(c.Request.Context(), c.Param("id"))
	if errors.Is(err, db.ErrNotFound) {
		respondError(c, http.StatusNotFound, "NOT_FOUND", "relationship not found")
		return rel, false
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL", "failed to load relationship")
		return rel, false
	}
	if rel.DeletedAt != nil {
		respondError(c, http.StatusNotFound, "NOT_FOUND", "relationship not found")
		return rel, false
	}
	if rel.FollowerID != CurrentUserID(c) {
		respondError(c, http.StatusForbidden, "FORBIDDEN", "not your relationship")
		return rel, false
	}
	return rel, true
}

// ----------------------------------------
// Sessions
// ----------------------------------------

func (s *Server) listSessions(c *gin.Context) {
	var q listQuery
	_ = c.BindQuery(&q)
	sessions, err := s.Queries.ListRecentSessions(c.Request.Context(), q.Limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL", "failed to list sessions")
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) getSession(c *gin.Context) {
	sess, err := s.Queries.GetSession(c.Request.Context(), c.Param("id"))
	if errors.Is(err, db.ErrNotFound) {
		respondError(c, http.StatusNotFound, "NOT_FOUND", "session not found")
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL", "failed to load session")
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) listSessionResults(c *gin.Context) {
	results, err := s.Queries.ListResultsBySession(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL", "failed to list results")
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

// ----------------------------------------
// Metrics and risk
// ----------------------------------------

func (s *Server) getPlatformMetrics(c *gin.Context) {
	s.scopeMetrics(c, aggregate.ScopePlatform, c.Param("name"))
}

// setPlatformAvailability clears or trips the platform-down flag. This is the
// recovery path after an outage error marked a venue unavailable.
func (s *Server) setPlatformAvailability(c *gin.Context) {
	name := c.Param("name")
	if _, err := s.Registry.Get(name); err != nil {
		respondError(c, http.StatusNotFound, "NOT_FOUND", "platform not registered")
		return
	}
	var req platformAvailabilityRequest
	if err := c.BindJSON(&req); err != nil || req.Available == nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "available flag required")
		return
	}
	s.Registry.SetAvailable(name, *req.Available)
	c.JSON(http.StatusOK, gin.H{"platform": name, "available": *req.Available})
}

func (s *Server) scopeMetrics(c *gin.Context, scope, key string) {
	row, err := s.Aggregator.Stats(c.Request.Context(), scope, key)
	if errors.Is(err, db.ErrNotFound) {
		respondError(c, http.StatusNotFound, "NOT_FOUND", "no metrics recorded for "+scope)
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL", "failed to load metrics")
		return
	}
	c.JSON(http.StatusOK, row)
}

func (s *Server) getGlobalLimits(c *gin.Context) {
	c.JSON(http.StatusOK, s.Governor.GlobalLimits())
}

func (s *Server) updateGlobalLimits(c *gin.Context) {
	var payload riskLimitsPayload
	if err := c.BindJSON(&payload); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid limits payload")
		return
	}
	if err := s.Governor.UpdateGlobalLimits(c.Request.Context(), payload.toModel()); err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL", "failed to update global limits")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

func (s *Server) setCircuitBreaker(c *gin.Context) {
	var req circuitBreakerRequest
	if err := c.BindJSON(&req); err != nil || req.Engaged == nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "engaged flag required")
		return
	}
	if err := s.Governor.SetCircuitBreaker(c.Request.Context(), *req.Engaged); err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL", "failed to set circuit breaker")
		return
	}
	c.JSON(http.StatusOK, gin.H{"engaged": *req.Engaged})
}

// ----------------------------------------
// Helpers
// ----------------------------------------

func (s *Server) invalidate(relationshipID string) {
	if s.Loader != nil {
		s.Loader.Invalidate(relationshipID)
	}
}

func (s *Server) publishState(relationshipID, status, reason string) {
	if s.Bus == nil {
		return
	}
	s.Bus.Publish(events.EventRelationshipState, events.RelationshipState{
		RelationshipID: relationshipID,
		Status:         status,
		Reason:         reason,
		At:             time.Now().UTC(),
	})
}
