// Package opsserver exposes a small HTTP surface for the operator: runtime
// status, open positions, journal stats, and the fault acknowledgment that
// unblocks sizing after a reconciliation failure.
package opsserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/betbot/snipe/internal/ledger"
	"github.com/betbot/snipe/internal/tradelog"
)

var log = logrus.WithField("component", "ops")

// StatusFunc lets the engine report its runtime view without a package cycle.
type StatusFunc func() map[string]interface{}

// Config controls the listener.
type Config struct {
	Addr string
}

// Server is the gin-backed ops endpoint.
type Server struct {
	http    *http.Server
	ledger  *ledger.Ledger
	journal *tradelog.Store
	status  StatusFunc
}

func NewServer(cfg Config, led *ledger.Ledger, journal *tradelog.Store, status StatusFunc) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		ledger:  led,
		journal: journal,
		status:  status,
	}
	router.GET("/status", s.handleStatus)
	router.GET("/positions", s.handlePositions)
	router.GET("/stats", s.handleStats)
	router.POST("/faults/ack", s.handleFaultAck)

	s.http = &http.Server{Addr: cfg.Addr, Handler: router}
	return s
}

// Start runs the listener until Stop.
func (s *Server) Start() {
	go func() {
		log.Infof("ops server listening on %s", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("ops server: %v", err)
		}
	}()
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) {
	if err := s.http.Shutdown(ctx); err != nil {
		log.Warnf("ops server shutdown: %v", err)
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	state := s.ledger.Snapshot()
	body := gin.H{
		"time": time.Now().UTC(),
		"ledger": gin.H{
			"available":        state.Available,
			"committed":        state.Committed,
			"reserved":         state.Reserved,
			"faulted":          state.Faulted,
			"faultReason":      state.FaultReason,
			"lastReconciledAt": state.LastReconciledAt,
		},
	}
	if s.status != nil {
		body["engine"] = s.status()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handlePositions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"open":     s.ledger.OpenPositions(),
		"archived": s.ledger.Archived(),
	})
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.journal.Stats()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// handleFaultAck clears a ledger integrity fault. Deliberately explicit: the
// fault blocks all sizing until an operator has looked at the drift.
func (s *Server) handleFaultAck(c *gin.Context) {
	if !s.ledger.Faulted() {
		c.JSON(http.StatusOK, gin.H{"acknowledged": false, "message": "no active fault"})
		return
	}
	s.ledger.AcknowledgeFault()
	c.JSON(http.StatusOK, gin.H{"acknowledged": true})
}
