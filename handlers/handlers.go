package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/oseitutunelson/samantha/api"
	"github.com/oseitutunelson/samantha/middleware"
	"github.com/oseitutunelson/samantha/parser"
	"github.com/oseitutunelson/samantha/service"
	"github.com/oseitutunelson/samantha/storage"
	"github.com/oseitutunelson/samantha/syncer"
)

// RunCyclePath is the admin route that triggers a cycle.
const RunCyclePath = "/api/cycles/run"

const (
	defaultCycleLimit = 20
	maxPayloadBytes   = 64 << 10
)

// Handler handles HTTP requests
type Handler struct {
	service *service.Service
	log     *zap.Logger
}

// NewHandler creates a new handler
func NewHandler(svc *service.Service, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		service: svc,
		log:     log.Named("handlers"),
	}
}

// Register mounts every route on r. admin guards the routes that write.
func (h *Handler) Register(r *gin.Engine, admin gin.HandlerFunc) {
	r.GET("/healthz", h.Health)

	routes := r.Group("/api", middleware.ValidateQueryParams())
	routes.GET("/status", h.GetStatus)
	routes.GET("/matches", h.ListMatches)
	routes.GET("/matches/:id", middleware.ValidateID(), h.GetMatch)
	routes.GET("/cycles", h.ListCycles)
	routes.GET("/cycles/:id/matches", middleware.ValidateID(), h.GetCycleMatches)
	routes.POST("/parse", h.ParsePreview)
	routes.POST("/cycles/run", admin, h.RunCycle)
}

// Health reports liveness.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GetStatus returns the ingestion snapshot.
func (h *Handler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.Status(c.Request.Context()))
}

// ListMatches returns the on-chain match set, optionally filtered by team.
func (h *Handler) ListMatches(c *gin.Context) {
	list, err := h.service.ListMatches(c.Request.Context(), c.Query("team"))
	if err != nil {
		h.log.Warn("list matches failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to read on-chain matches"})
		return
	}
	c.JSON(http.StatusOK, list)
}

// GetMatch returns one on-chain match.
func (h *Handler) GetMatch(c *gin.Context) {
	id := c.GetInt64(middleware.ValidatedIDKey)

	match, err := h.service.GetMatch(c.Request.Context(), id)
	if errors.Is(err, api.ErrMatchNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "match not found"})
		return
	}
	if err != nil {
		h.log.Warn("get match failed", zap.Int64("id", id), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to read on-chain match"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"match": match})
}

// ListCycles returns recorded ingestion cycles, newest first.
func (h *Handler) ListCycles(c *gin.Context) {
	limit := defaultCycleLimit
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 {
		limit = l
	}

	cycles, err := h.service.ListCycles(c.Request.Context(), limit)
	if err != nil {
		h.log.Warn("list cycles failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load cycles"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"cycles": cycles,
		"count":  len(cycles),
	})
}

// GetCycleMatches returns the records parsed in one cycle.
func (h *Handler) GetCycleMatches(c *gin.Context) {
	id := c.GetInt64(middleware.ValidatedIDKey)

	records, err := h.service.CycleMatches(c.Request.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "cycle not found"})
		return
	}
	if err != nil {
		h.log.Warn("cycle matches failed", zap.Int64("cycle_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load cycle matches"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"cycle_id": id,
		"matches":  records,
		"count":    len(records),
	})
}

// RunCycle triggers one ingestion cycle. With wait=true the response carries
// the outcome; otherwise the cycle runs in the background.
func (h *Handler) RunCycle(c *gin.Context) {
	wait, _ := strconv.ParseBool(c.Query("wait"))

	if !wait {
		err := h.service.StartCycle()
		if h.cycleError(c, err) {
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "started"})
		return
	}

	outcome, err := h.service.RunCycle(c.Request.Context())
	if h.cycleError(c, err) {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"outcome": outcome,
		"summary": outcome.Summary(),
	})
}

func (h *Handler) cycleError(c *gin.Context, err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, syncer.ErrCycleInFlight):
		c.JSON(http.StatusConflict, gin.H{"error": "an ingestion cycle is already running"})
	case errors.Is(err, service.ErrNoScheduler):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "cycles cannot be triggered on this instance"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to run cycle: " + err.Error()})
	}
	return true
}

type parseRequest struct {
	Response string `json:"response"`
}

// ParsePreview parses a posted payload without touching the chain. The body is
// either JSON {"response": "..."} or the raw payload as text.
func (h *Handler) ParsePreview(c *gin.Context) {
	var raw string
	if strings.HasPrefix(c.ContentType(), "application/json") {
		var req parseRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
			return
		}
		raw = req.Response
	} else {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPayloadBytes))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
			return
		}
		raw = string(body)
	}

	if parser.IsNoData(raw) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no payload provided"})
		return
	}

	res := h.service.ParsePreview(raw)
	segments := make([]gin.H, 0, len(res.Segments))
	for _, s := range res.Segments {
		seg := gin.H{"index": s.Index, "raw": s.Raw, "parsed": s.Parsed}
		if s.Parsed {
			seg["record"] = s.Record
			if len(s.Defaulted) > 0 {
				seg["defaulted"] = s.Defaulted
			}
		} else {
			seg["reason"] = s.Reason
		}
		segments = append(segments, seg)
	}

	c.JSON(http.StatusOK, gin.H{
		"records":  res.Records,
		"count":    len(res.Records),
		"skipped":  res.Skipped(),
		"segments": segments,
	})
}
