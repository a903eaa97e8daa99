// Package server exposes the webhook and utility endpoints over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "liuyao_http_requests_total",
	Help: "HTTP requests by route and status",
}, []string{"route", "status"})

// UpdateProcessor handles one inbound update end to end.
type UpdateProcessor interface {
	Process(ctx context.Context, update tgbotapi.Update) error
}

type PhotoSender interface {
	SendPhoto(ctx context.Context, chatID int64, photoURL string) error
}

type Server struct {
	processor UpdateProcessor
	photos    PhotoSender
	logger    *zap.Logger
	engine    *gin.Engine
	http      *http.Server
}

func New(addr string, processor UpdateProcessor, photos PhotoSender, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		processor: processor,
		photos:    photos,
		logger:    logger,
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), s.observe)
	engine.GET("/", s.handleIndex)
	engine.GET("/healthz", s.handleHealth)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.POST("/webhook", s.handleWebhook)
	engine.POST("/send_photo", s.handleSendPhoto)
	s.engine = engine

	s.http = &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("HTTP server listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) observe(c *gin.Context) {
	start := time.Now()
	c.Next()
	route := c.FullPath()
	if route == "" {
		route = "unmatched"
	}
	status := c.Writer.Status()
	httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	if route != "/metrics" && route != "/healthz" {
		s.logger.Debug("HTTP request",
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)))
	}
}

func (s *Server) handleIndex(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "Hello, this is the Telegram bot webhook!"})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleWebhook answers 200 for every decodable update, including ones whose
// processing failed, so the platform does not redeliver them.
func (s *Server) handleWebhook(c *gin.Context) {
	var update tgbotapi.Update
	if err := c.ShouldBindJSON(&update); err != nil {
		s.logger.Error("Failed to decode update", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": "invalid update payload"})
		return
	}

	// processing is bounded by the processor, not by the caller's connection
	ctx := context.WithoutCancel(c.Request.Context())
	if err := s.processor.Process(ctx, update); err != nil {
		s.logger.Error("Failed to process update",
			zap.Error(err),
			zap.Int("update_id", update.UpdateID))
		c.JSON(http.StatusOK, gin.H{"status": "error", "message": "update processing failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type sendPhotoRequest struct {
	ChatID   int64  `json:"chat_id" binding:"required"`
	PhotoURL string `json:"photo_url" binding:"required,url"`
}

func (s *Server) handleSendPhoto(c *gin.Context) {
	var req sendPhotoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "Missing chat_id or photo_url"})
		return
	}

	if err := s.photos.SendPhoto(c.Request.Context(), req.ChatID, req.PhotoURL); err != nil {
		s.logger.Error("Failed to send photo",
			zap.Error(err),
			zap.Int64("chat_id", req.ChatID))
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": "Failed to send photo"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": "Photo sent successfully"})
}
