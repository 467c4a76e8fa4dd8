package simbackend

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"astrolink/internal/event"
	"astrolink/internal/model"
)

// LiveKitConfig holds the credentials used to mint media join tokens.
type LiveKitConfig struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
	URL       string `json:"url"`
}

// Config tunes the simulation backend.
type Config struct {
	ListenAddr       string        `json:"listen_addr"`
	AuthToken        string        `json:"auth_token"` // empty accepts any token
	DefaultRingFor   time.Duration `json:"-"`
	TimerSyncSeconds int           `json:"timer_sync_seconds"`
	LiveKit          LiveKitConfig `json:"livekit"`
}

func (c Config) withDefaults() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8099"
	}
	if c.DefaultRingFor <= 0 {
		c.DefaultRingFor = 30 * time.Second
	}
	if c.TimerSyncSeconds <= 0 {
		c.TimerSyncSeconds = 10
	}
	return c
}

// TimerSyncInterval is the cadence of session:timer pushes.
func (c Config) TimerSyncInterval() time.Duration {
	return time.Duration(c.TimerSyncSeconds) * time.Second
}

// Server bundles the hub with its HTTP control surface.
type Server struct {
	cfg    Config
	hub    *Hub
	logger *zap.Logger
	srv    *http.Server
}

// NewServer wires the hub, the websocket route and the REST control routes.
func NewServer(cfg Config, logger *zap.Logger) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:    cfg,
		hub:    NewHub(cfg, logger),
		logger: logger.Named("simbackend"),
	}

	router := gin.Default()
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/ws", func(c *gin.Context) {
		s.hub.ServeWS(c.Writer, c.Request)
	})

	controlGroup := router.Group("/control")
	{
		controlGroup.POST("/offers", s.injectOffer)
		controlGroup.DELETE("/offers/:bookingId", s.removeOffer)
		controlGroup.POST("/rooms/:bookingId/counterparty/join", s.counterpartyJoin)
		controlGroup.POST("/rooms/:bookingId/counterparty/leave", s.counterpartyLeave)
		controlGroup.POST("/rooms/:bookingId/chat", s.counterpartyChat)
		controlGroup.POST("/rooms/:bookingId/end", s.endSession)
	}

	router.GET("/monitor", s.monitor)

	s.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("simulation backend listening", zap.String("addr", s.cfg.ListenAddr))
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- err
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down simulation backend")
	s.hub.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}

// -----------------------------------------------------------------
// Control Handlers
// -----------------------------------------------------------------

type injectOfferRequest struct {
	model.BookingRequest
	Shape       string `json:"shape"` // "flat" (default) or "nested"
	AckRequired bool   `json:"ackRequired"`
	RingSeconds int    `json:"ringSeconds"`
}

func (s *Server) injectOffer(c *gin.Context) {
	var req injectOfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ringFor := s.cfg.DefaultRingFor
	if req.RingSeconds > 0 {
		ringFor = time.Duration(req.RingSeconds) * time.Second
	}
	if req.Type == "" {
		req.Type = event.ConsultationChat
	}
	s.hub.offers.Inject(req.BookingRequest, req.Shape, req.AckRequired, ringFor)
	c.JSON(http.StatusCreated, gin.H{"requestId": req.ID})
}

func (s *Server) removeOffer(c *gin.Context) {
	if !s.hub.offers.Remove(c.Param("bookingId")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "offer not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": true})
}

func (s *Server) counterpartyJoin(c *gin.Context) {
	if !s.hub.sessions.CounterpartyJoin(c.Param("bookingId")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no session or agent offline"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"joined": true})
}

func (s *Server) counterpartyLeave(c *gin.Context) {
	if !s.hub.sessions.CounterpartyLeave(c.Param("bookingId")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no session or agent offline"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"left": true})
}

type counterpartyChatRequest struct {
	Content string `json:"content" binding:"required"`
}

func (s *Server) counterpartyChat(c *gin.Context) {
	var req counterpartyChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !s.hub.sessions.CounterpartyChat(c.Param("bookingId"), req.Content) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no session or agent offline"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sent": true})
}

type endSessionRequest struct {
	EndedBy string `json:"endedBy"`
	Reason  string `json:"reason"`
}

func (s *Server) endSession(c *gin.Context) {
	var req endSessionRequest
	_ = c.ShouldBindJSON(&req)
	if req.EndedBy == "" {
		req.EndedBy = "counterparty"
	}
	if req.Reason == "" {
		req.Reason = event.EndReasonNormal
	}
	if !s.hub.sessions.End(c.Param("bookingId"), req.EndedBy, req.Reason) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no session for booking"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ended": true})
}

// -----------------------------------------------------------------
// Monitor Handler
// -----------------------------------------------------------------

func (s *Server) monitor(c *gin.Context) {
	agents := s.hub.snapshotAgents()

	resp := model.MonitorResponse{Status: "healthy"}
	resp.Connections.TotalConnected = len(agents)
	resp.Agents = make([]model.AgentInfo, 0, len(agents))
	for _, a := range agents {
		status := a.Status()
		switch status {
		case event.StatusOnline:
			resp.Connections.TotalOnline++
		case event.StatusInSession:
			resp.Connections.TotalInSession++
		}
		resp.Agents = append(resp.Agents, model.AgentInfo{
			AgentID:   a.identity,
			Status:    status,
			BookingID: a.BookingID(),
		})
	}

	offers := s.hub.offers.Snapshot()
	resp.Offers.TotalPending = len(offers)
	resp.Offers.Details = make([]model.OfferInfo, 0, len(offers))
	for _, o := range offers {
		info := model.OfferInfo{RequestID: o.ID, Type: o.Type, Rate: o.Rate}
		if o.ExpiresAt != nil {
			info.ExpiresAt = o.ExpiresAt.Format(time.RFC3339)
		}
		resp.Offers.Details = append(resp.Offers.Details, info)
	}

	sessions := s.hub.sessions.Snapshot()
	resp.Sessions.TotalActive = len(sessions)
	resp.Sessions.Details = sessions

	c.JSON(http.StatusOK, resp)
}
