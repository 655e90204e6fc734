// Package devserver is a small in-memory remote for local development and
// integration tests. It accepts the batch requests the sync engine sends,
// answers reachability probes and exposes what it stored.
package devserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/TheMichaelB/marksync/internal/config"
	"github.com/TheMichaelB/marksync/internal/events"
	"github.com/TheMichaelB/marksync/internal/models"
)

const shutdownTimeout = 5 * time.Second

// Server is the development remote.
type Server struct {
	token  string
	logger *events.Logger
	engine *gin.Engine
	store  *store

	upgrader websocket.Upgrader

	mu       sync.Mutex
	failures map[models.EntityType]int
	batches  map[models.EntityType]int
	peers    map[*websocket.Conn]struct{}
}

// New creates a dev server using the API paths from cfg. Requests must
// carry cfg.Dev.ServerToken as a bearer token unless it is empty.
func New(cfg *config.Config, logger *events.Logger) *Server {
	s := &Server{
		token:    strings.TrimSpace(cfg.Dev.ServerToken),
		logger:   logger.WithField("component", "devserver"),
		store:    newStore(),
		failures: make(map[models.EntityType]int),
		batches:  make(map[models.EntityType]int),
		peers:    make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLogger())
	r.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "HEAD", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Authorization", "Content-Type", "X-Request-ID", "X-Flush-ID"},
		ExposeHeaders: []string{"X-Request-ID"},
	}))

	health := func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
	r.GET(cfg.Connectivity.HealthPath, health)
	r.HEAD(cfg.Connectivity.HealthPath, health)
	r.GET(cfg.Connectivity.PresencePath, s.presence)

	authed := r.Group("/")
	authed.Use(s.auth())
	{
		authed.POST(cfg.API.NotesEndpoint, s.batch(models.EntityNote))
		authed.POST(cfg.API.BookmarksEndpoint, s.batch(models.EntityBookmark))
		authed.GET("/api/v1/notes/:id", s.getRecord(models.EntityNote))
		authed.GET("/api/v1/bookmarks/:id", s.getRecord(models.EntityBookmark))
	}

	s.engine = r
	return s
}

// Handler returns the HTTP handler, for use with httptest.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", addr).Info("Dev server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.closePeers()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("Dev server stopped")
	return nil
}

// FailNext makes the next n batches for entityType fail with 503.
func (s *Server) FailNext(entityType models.EntityType, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[entityType] = n
}

// BatchCount returns how many batches for entityType reached the handler,
// failed ones included.
func (s *Server) BatchCount(entityType models.EntityType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batches[entityType]
}

// Record returns the stored copy of an entity.
func (s *Server) Record(entityType models.EntityType, id string) (*Record, bool) {
	return s.store.get(entityType, id)
}

// RecordCount returns how many entities of a type are stored.
func (s *Server) RecordCount(entityType models.EntityType) int {
	return s.store.count(entityType)
}

// takeFailure counts the batch and reports whether it should fail.
func (s *Server) takeFailure(entityType models.EntityType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.batches[entityType]++
	if s.failures[entityType] > 0 {
		s.failures[entityType]--
		return true
	}
	return false
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		ctx := events.WithLogger(c.Request.Context(), s.logger)
		if id := c.GetHeader("X-Request-ID"); id != "" {
			ctx = events.WithRequestID(ctx, id)
		}
		if id := c.GetHeader("X-Flush-ID"); id != "" {
			ctx = events.WithFlushID(ctx, id)
		}
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		events.FromContext(ctx).WithFields(map[string]interface{}{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Debug("Request handled")
	}
}

func (s *Server) auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.token == "" {
			c.Next()
			return
		}

		h := strings.TrimSpace(c.GetHeader("Authorization"))
		if !strings.HasPrefix(strings.ToLower(h), "bearer ") || strings.TrimSpace(h[7:]) != s.token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    models.ErrCodeAuth,
				"message": "invalid or missing bearer token",
			})
			return
		}
		c.Next()
	}
}

func (s *Server) getRecord(entityType models.EntityType) gin.HandlerFunc {
	return func(c *gin.Context) {
		rec, ok := s.store.get(entityType, c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "message": "record not found"})
			return
		}
		c.JSON(http.StatusOK, rec)
	}
}

// presence holds a websocket open so the presence prober can ping it.
// Pongs are sent by the default ping handler while the read loop runs.
func (s *Server) presence(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.WithError(err).Debug("Presence upgrade failed")
		return
	}

	s.mu.Lock()
	s.peers[conn] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.peers, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) closePeers() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for conn := range s.peers {
		conn.Close()
	}
}
