// Package web exposes the offline sync core over HTTP for the device UI:
// a JSON API mirroring the facade plus a websocket stream of live status
// events relayed from the internal bus.
package web

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	natsgo "github.com/nats-io/nats.go"

	"github.com/civicreport/civicnode/internal/api"
	"github.com/civicreport/civicnode/internal/bus"
	"github.com/civicreport/civicnode/internal/config"
	"github.com/civicreport/civicnode/internal/facade"
	"github.com/civicreport/civicnode/internal/network"
	"github.com/civicreport/civicnode/internal/violation"
)

// Server is the device-local HTTP server.
type Server struct {
	config   *config.Manager
	facade   *facade.Facade
	platform *api.Client
	monitor  *network.Monitor
	bus      *bus.Bus
	port     int
	router   *gin.Engine
	server   *http.Server
	upgrader websocket.Upgrader
}

// NewServer creates a new web server over the wired components.
func NewServer(cfg *config.Manager, f *facade.Facade, platform *api.Client, monitor *network.Monitor, b *bus.Bus, port int) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		config:   cfg,
		facade:   f,
		platform: platform,
		monitor:  monitor,
		bus:      b,
		port:     port,
		router:   gin.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Device-local UI only; the server binds for the LAN.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	s.setupRoutes()
	return s
}

// Start starts the web server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.router,
	}

	log.Printf("🌐 API listening on http://0.0.0.0:%d", s.port)
	return s.server.ListenAndServe()
}

// Stop stops the web server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(gin.Logger())

	s.router.GET("/ws/status", s.handleWSStatus)

	apiGroup := s.router.Group("/api")
	{
		apiGroup.GET("/status", s.handleStatus)
		apiGroup.GET("/network", s.handleNetwork)
		apiGroup.POST("/register", s.handleRegister)

		apiGroup.POST("/sync", s.handleSync)
		apiGroup.POST("/sync/pause", s.handlePause)
		apiGroup.POST("/sync/resume", s.handleResume)

		apiGroup.POST("/violations", s.handleSaveViolation)
		apiGroup.GET("/violations", s.handleListViolations)
		apiGroup.DELETE("/violations", s.handleClearViolations)

		apiGroup.GET("/conflicts", s.handleConflicts)
		apiGroup.POST("/conflicts/:id/resolve", s.handleResolveConflict)

		apiGroup.GET("/settings", s.handleGetSettings)
		apiGroup.PUT("/settings", s.handleUpdateSettings)
		apiGroup.DELETE("/errors", s.handleClearErrors)

		apiGroup.GET("/queue/dead", s.handleDeadLetters)
		apiGroup.POST("/queue/dead/:id/retry", s.handleRetryDead)
		apiGroup.POST("/queue/dead/retry-all", s.handleRetryAllDead)
		apiGroup.DELETE("/queue/dead", s.handleClearDead)

		apiGroup.GET("/bus/info", s.handleBusInfo)
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	cfg := s.config.Get()
	snap := s.facade.Snapshot()

	c.JSON(http.StatusOK, gin.H{
		"state":    cfg.State,
		"nodeName": cfg.NodeName,
		"platform": cfg.Platform.ServerURL,
		"deviceId": cfg.Platform.DeviceID,
		"lastSync": cfg.LastSync,
		"sync":     snap.Sync,
		"network":  snap.Network,
		"queue":    snap.Queue,
	})
}

func (s *Server) handleNetwork(c *gin.Context) {
	// A forced check so the UI never shows a stale answer.
	c.JSON(http.StatusOK, s.monitor.Check())
}

func (s *Server) handleRegister(c *gin.Context) {
	var req struct {
		ServerURL  string `json:"serverUrl" binding:"required"`
		DeviceName string `json:"deviceName"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.DeviceName == "" {
		req.DeviceName = s.config.Get().NodeName
	}

	if err := s.platform.RegisterDevice(req.ServerURL, req.DeviceName); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"deviceId": s.config.Get().Platform.DeviceID,
	})
}

func (s *Server) handleSync(c *gin.Context) {
	result, err := s.facade.SyncData()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handlePause(c *gin.Context) {
	s.facade.PauseSync()
	c.JSON(http.StatusOK, gin.H{"success": true, "paused": true})
}

func (s *Server) handleResume(c *gin.Context) {
	s.facade.ResumeSync()
	c.JSON(http.StatusOK, gin.H{"success": true, "paused": false})
}

func (s *Server) handleSaveViolation(c *gin.Context) {
	var req struct {
		violation.Violation
		IsNew *bool `json:"isNew"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	isNew := true
	if req.IsNew != nil {
		isNew = *req.IsNew
	}
	if req.ReportedAt.IsZero() {
		req.ReportedAt = time.Now()
	}

	item, err := s.facade.SaveOfflineViolation(req.Violation, isNew)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"localId": item.LocalID,
		"queued":  item,
	})
}

func (s *Server) handleListViolations(c *gin.Context) {
	c.JSON(http.StatusOK, s.facade.GetOfflineViolations())
}

func (s *Server) handleClearViolations(c *gin.Context) {
	if err := s.facade.ClearOfflineViolations(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleConflicts(c *gin.Context) {
	c.JSON(http.StatusOK, s.facade.Conflicts())
}

func (s *Server) handleResolveConflict(c *gin.Context) {
	var req struct {
		Strategy config.ConflictStrategy `json:"strategy"`
	}
	// Body is optional: no strategy means the configured default.
	_ = c.ShouldBindJSON(&req)

	if err := s.facade.ResolveConflict(c.Param("id"), req.Strategy); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleGetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, s.facade.SyncSettings())
}

func (s *Server) handleUpdateSettings(c *gin.Context) {
	var settings config.SyncSettings
	if err := c.ShouldBindJSON(&settings); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.facade.UpdateSyncSettings(settings); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.facade.SyncSettings())
}

func (s *Server) handleClearErrors(c *gin.Context) {
	s.facade.ClearSyncErrors()
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleDeadLetters(c *gin.Context) {
	c.JSON(http.StatusOK, s.facade.DeadLetters())
}

func (s *Server) handleRetryDead(c *gin.Context) {
	if err := s.facade.RetryDeadLetter(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleRetryAllDead(c *gin.Context) {
	count, err := s.facade.RetryAllDeadLetters()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "count": count})
}

func (s *Server) handleClearDead(c *gin.Context) {
	if err := s.facade.ClearDeadLetters(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleBusInfo(c *gin.Context) {
	if s.bus == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false})
		return
	}

	stats := s.bus.GetStats()
	c.JSON(http.StatusOK, gin.H{
		"enabled":       true,
		"address":       s.bus.Address(),
		"clients":       stats.Clients,
		"subscriptions": stats.Subscriptions,
		"published":     stats.Published,
		"dropped":       stats.Dropped,
		"inMsgs":        stats.InMsgs,
		"outMsgs":       stats.OutMsgs,
		"slowConsumers": stats.SlowConsumers,
	})
}

// wsEvent frames one bus message for websocket delivery.
type wsEvent struct {
	Subject string `json:"subject"`
	Data    string `json:"data"`
}

// handleWSStatus streams sync status, network state and queue updates to a
// UI client. A slow client drops events rather than backpressuring the bus.
func (s *Server) handleWSStatus(c *gin.Context) {
	if s.bus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event bus not available"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// send is never closed: relay callbacks can fire until the
	// subscriptions are torn down, so shutdown is signalled via stop.
	send := make(chan wsEvent, 64)
	stop := make(chan struct{})

	relay := func(msg *natsgo.Msg) {
		ev := wsEvent{Subject: msg.Subject, Data: string(msg.Data)}
		select {
		case send <- ev:
		case <-stop:
		default:
		}
	}

	subjects := []string{bus.SubjectSyncStatus, bus.SubjectNetworkState, bus.SubjectQueueUpdated}
	subs := make([]*natsgo.Subscription, 0, len(subjects))
	for _, subject := range subjects {
		sub, err := s.bus.Subscribe(subject, relay)
		if err != nil {
			log.Printf("⚠️ Websocket subscribe to %s failed: %v", subject, err)
			continue
		}
		subs = append(subs, sub)
	}
	defer func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}()

	// Writer: one goroutine owns the connection for writes. A write
	// failure closes the connection, which unblocks the reader below.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case ev := <-send:
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(ev); err != nil {
					conn.Close()
					return
				}
			case <-stop:
				return
			}
		}
	}()

	// Reader: only to detect the client going away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	close(stop)
	<-writerDone
}
