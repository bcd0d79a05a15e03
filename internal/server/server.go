// Package server exposes the core's two ingress points over HTTP: the order
// webhook and the driver acceptance endpoint. Everything else (auth, UI,
// registration) lives outside this module.
package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/passl/dispatch-core/internal/dispatch"
	"github.com/passl/dispatch-core/internal/geo"
	"github.com/passl/dispatch-core/internal/horizon"
	"github.com/passl/dispatch-core/internal/logger"
	"github.com/passl/dispatch-core/internal/orders"
)

// Server binds the gin router to the horizon queue and the dispatcher.
type Server struct {
	horizon    *horizon.Queue
	dispatcher *dispatch.Dispatcher
	log        logger.Logger
	engine     *gin.Engine
}

func New(h *horizon.Queue, d *dispatch.Dispatcher, log logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{horizon: h, dispatcher: d, log: log, engine: gin.New()}
	s.engine.Use(gin.Recovery())

	s.engine.POST("/orders/webhook", s.handleOrderWebhook)
	s.engine.POST("/jobs/:job_id/accept", s.handleJobAccept)
	s.engine.DELETE("/orders/:order_id", s.handleOrderCancel)
	s.engine.GET("/healthz", s.handleHealth)
	return s
}

// Handler exposes the router for tests and for main's http.Server.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until the listener fails.
func (s *Server) Run(addr string) error { return s.engine.Run(addr) }

type orderWebhookRequest struct {
	OrderID      string  `json:"order_id" binding:"required"`
	RestaurantID string  `json:"restaurant_id" binding:"required"`
	PickupLat    float64 `json:"pickup_lat"`
	PickupLon    float64 `json:"pickup_lon"`
	DropoffLat   float64 `json:"dropoff_lat"`
	DropoffLon   float64 `json:"dropoff_lon"`
	CreatedAt    string  `json:"created_at"`
}

func (s *Server) handleOrderWebhook(c *gin.Context) {
	var req orderWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	createdAt := time.Now().UTC()
	if req.CreatedAt != "" {
		parsed, err := time.Parse(time.RFC3339, req.CreatedAt)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "created_at must be RFC3339"})
			return
		}
		createdAt = parsed
	}

	o := orders.Order{
		ID:        req.OrderID,
		PickupID:  req.RestaurantID,
		Pickup:    geo.Coord{Lon: req.PickupLon, Lat: req.PickupLat},
		Dropoff:   geo.Coord{Lon: req.DropoffLon, Lat: req.DropoffLat},
		CreatedAt: createdAt,
		Status:    orders.StatusRaw,
	}
	if err := o.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.horizon.EnqueueRaw(c.Request.Context(), o); err != nil {
		s.log.Error("order enqueue failed", logger.Field{Key: "order_id", Value: o.ID}, logger.Field{Key: "error", Value: err})
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to accept order"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"order_id": o.ID, "status": string(orders.StatusRaw)})
}

type jobAcceptRequest struct {
	DriverID string `json:"driver_id" binding:"required"`
}

func (s *Server) handleJobAccept(c *gin.Context) {
	jobID := c.Param("job_id")
	var req jobAcceptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	won, err := s.dispatcher.ResolveDriverAcceptance(c.Request.Context(), jobID, req.DriverID)
	if err != nil {
		s.log.Error("acceptance resolution failed",
			logger.Field{Key: "job_id", Value: jobID},
			logger.Field{Key: "driver_id", Value: req.DriverID},
			logger.Field{Key: "error", Value: err})
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve acceptance"})
		return
	}
	if !won {
		c.JSON(http.StatusConflict, gin.H{"error": dispatch.ErrAcceptanceLost.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": jobID, "driver_id": req.DriverID})
}

func (s *Server) handleOrderCancel(c *gin.Context) {
	orderID := c.Param("order_id")
	s.horizon.EvictCancelled(c.Request.Context(), orderID)
	c.JSON(http.StatusOK, gin.H{"order_id": orderID, "status": string(orders.StatusCancelled)})
}

func (s *Server) handleHealth(c *gin.Context) {
	stats := s.horizon.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"pool_size": stats.PoolSize,
	})
}
