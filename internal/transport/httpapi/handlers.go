package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"ImageGuard/internal/domain"
	"ImageGuard/internal/usecase"
)

const (
	MessageRequestAnalysis = "REQUEST_ANALYSIS"
	EventAnalysisReport    = "ANALYSIS_REPORT"

	defaultVerdictLimit = 50
	maxVerdictLimit     = 500
)

// Envelope is the message format shared with consumers.
type Envelope struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload"`
}

type reportMessage struct {
	Action  string        `json:"action"`
	Payload domain.Report `json:"payload"`
}

type analysisPayload struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

type pageRequest struct {
	URL string `json:"url"`
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"engineReady": s.coordinator.Stats().EngineReady,
	})
}

func (s *Server) createConsumer(c *gin.Context) {
	c.JSON(http.StatusCreated, gin.H{"consumerId": uuid.NewString()})
}

func (s *Server) postMessage(c *gin.Context) {
	consumer := domain.ConsumerID(c.Param("id"))

	var env Envelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid envelope"})
		return
	}
	if env.Action != MessageRequestAnalysis {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported action " + strconv.Quote(env.Action)})
		return
	}

	var payload analysisPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil || payload.URL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "payload.url is required"})
		return
	}

	key := domain.NormalizeKey(payload.URL)
	err := s.coordinator.RequestAnalysis(domain.AnalysisRequest{
		Key:      key,
		Consumer: consumer,
		Size:     domain.Dimensions{Width: payload.Width, Height: payload.Height},
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"url": key})
}

// streamReports holds a server-sent event stream open for the consumer.
// Closing it withdraws every pending registration of that consumer.
func (s *Server) streamReports(c *gin.Context) {
	consumer := domain.ConsumerID(c.Param("id"))
	sub, cancel := s.hub.Subscribe(consumer)
	defer func() {
		cancel()
		if !s.hub.Connected(consumer) {
			s.coordinator.ConsumerDisconnected(consumer)
		}
	}()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-sub.Done():
			return false
		case <-sub.Notify():
			for _, report := range sub.Drain() {
				c.SSEvent(EventAnalysisReport, reportMessage{Action: EventAnalysisReport, Payload: report})
			}
			return true
		case <-heartbeat.C:
			_, err := io.WriteString(w, ": ping\n\n")
			return err == nil
		}
	})
}

func (s *Server) scanPage(c *gin.Context) {
	consumer := domain.ConsumerID(c.Param("id"))

	var req pageRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.URL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url is required"})
		return
	}

	result, err := s.pages.Scan(c.Request.Context(), consumer, req.URL)
	switch {
	case errors.Is(err, usecase.ErrPageScanningDisabled):
		c.JSON(http.StatusNotImplemented, gin.H{"error": err.Error()})
		return
	case errors.Is(err, usecase.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) lookupRecord(c *gin.Context) {
	raw := c.Query("url")
	if raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url is required"})
		return
	}

	rec, ok := s.coordinator.Lookup(domain.NormalizeKey(raw))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no record"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"report":    rec.Report(),
		"attemptId": rec.AttemptID,
		"consumers": len(rec.Consumers),
	})
}

func (s *Server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"coordinator": s.coordinator.Stats(),
		"messaging":   s.hub.Stats(),
	})
}

func (s *Server) recentVerdicts(c *gin.Context) {
	if s.verdicts == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "verdict store is not configured"})
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultVerdictLimit)))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}
	if limit > maxVerdictLimit {
		limit = maxVerdictLimit
	}

	verdicts, err := s.verdicts.RecentVerdicts(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error("list verdicts", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cannot list verdicts"})
		return
	}

	c.JSON(http.StatusOK, verdicts)
}
