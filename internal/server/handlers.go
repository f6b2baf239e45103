package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"dolar-rate-alerts/internal/engine"
	"dolar-rate-alerts/internal/fetcher"
	"dolar-rate-alerts/internal/storage"
)

type subscriberDTO struct {
	ID             string     `json:"id"`
	DisplayName    string     `json:"displayName,omitempty"`
	Channel        string     `json:"channel"`
	Threshold      float64    `json:"threshold"`
	SubscribedAt   time.Time  `json:"subscribedAt"`
	LastNotifiedAt *time.Time `json:"lastNotifiedAt,omitempty"`
}

func toDTO(sub storage.Subscriber) subscriberDTO {
	return subscriberDTO{
		ID:             sub.ID,
		DisplayName:    sub.DisplayName,
		Channel:        sub.Channel,
		Threshold:      sub.ThresholdPct.InexactFloat64(),
		SubscribedAt:   sub.SubscribedAt,
		LastNotifiedAt: sub.LastNotifiedAt,
	}
}

// checkRates triggers one detection run and returns the aggregate report.
// The report is structured even on partial failure; only total fetch or
// store failure yields an error status.
func (s *Server) checkRates(c *gin.Context) {
	report, err := s.engine.CheckAndNotify(c.Request.Context())
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrRunInProgress):
			c.JSON(http.StatusConflict, gin.H{"success": false, "error": "a check is already running"})
		case errors.Is(err, fetcher.ErrUpstream):
			c.JSON(http.StatusBadGateway, gin.H{"success": false, "error": err.Error(), "timestamp": time.Now().UTC()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error(), "timestamp": time.Now().UTC()})
		}
		return
	}
	c.JSON(http.StatusOK, report)
}

// resetRates clears the stored snapshot; the next trigger behaves as a
// first run.
func (s *Server) resetRates(c *gin.Context) {
	if err := s.engine.Reset(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "snapshot cleared, next check bootstraps"})
}

func (s *Server) listSubscribers(c *gin.Context) {
	subs, err := s.subs.ListSubscribers(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "failed to list subscribers"})
		return
	}

	out := make([]subscriberDTO, 0, len(subs))
	for _, sub := range subs {
		out = append(out, toDTO(sub))
	}
	c.JSON(http.StatusOK, gin.H{
		"totalSubscribers": len(out),
		"subscribers":      out,
	})
}

type subscribeRequest struct {
	ID          string  `json:"id"`
	DisplayName string  `json:"displayName"`
	Channel     string  `json:"channel"`
	Threshold   float64 `json:"threshold"`
}

// upsertSubscriber creates a subscription or updates its threshold, name,
// and channel for an existing id.
func (s *Server) upsertSubscriber(c *gin.Context) {
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request body"})
		return
	}
	if req.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "id is required"})
		return
	}
	if req.Threshold < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "threshold must be greater than zero"})
		return
	}

	channel := req.Channel
	if channel == "" {
		channel = storage.ChannelTelegram
	}
	if channel != storage.ChannelTelegram && channel != storage.ChannelWhatsApp {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "channel must be telegram or whatsapp"})
		return
	}

	threshold := req.Threshold
	if threshold == 0 {
		threshold = 1.0
	}

	stored, err := s.subs.UpsertSubscriber(c.Request.Context(), storage.Subscriber{
		ID:           req.ID,
		DisplayName:  req.DisplayName,
		Channel:      channel,
		ThresholdPct: decimal.NewFromFloat(threshold),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "failed to store subscription"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "subscriber": toDTO(stored)})
}

// removeSubscriber deletes a subscription, distinguishing the absent case.
func (s *Server) removeSubscriber(c *gin.Context) {
	id := c.Param("id")

	removed, err := s.subs.RemoveSubscriber(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "failed to remove subscription"})
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "subscriber not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "unsubscribed"})
}
