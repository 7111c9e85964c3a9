// Package sandbox is a self-contained implementation of the village portal
// backend contract: channel sessions with a simulated pairing provider,
// conversations, takeover and an AI pipeline. It backs local development
// and the end-to-end tests of the channel and takeover packages.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kelurahan/switchboard/internal/logging"
	"github.com/kelurahan/switchboard/internal/responder"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Server serves the backend contract over gin.
type Server struct {
	db             *gorm.DB
	tokens         map[string]bool
	log            *logrus.Logger
	audit          *logrus.Logger
	absentStatusOK bool
	pipeline       *Pipeline

	clockMu sync.Mutex
	last    time.Time
}

// Opts holds parameters for creating a Server.
type Opts struct {
	DB        *gorm.DB
	Tokens    []string // accepted bearer tokens
	Responder responder.Responder
	Log       *logrus.Logger // defaults to logging.App()
	Audit     *logrus.Logger // defaults to logging.Audit()
	// StageDelay paces the AI pipeline. Zero runs each turn synchronously
	// inside the request that triggered it.
	StageDelay time.Duration
	// AbsentStatusOK answers GET /channel/status for a missing session with
	// 200 and exists=false instead of 404.
	AbsentStatusOK bool
}

// New creates a Server.
func New(opts Opts) (*Server, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("sandbox: db is required")
	}
	if len(opts.Tokens) == 0 {
		return nil, fmt.Errorf("sandbox: at least one token is required")
	}
	if opts.Log == nil {
		opts.Log = logging.App()
	}
	if opts.Audit == nil {
		opts.Audit = logging.Audit()
	}
	if opts.Responder == nil {
		opts.Responder = responder.Echo{}
	}
	s := &Server{
		db:             opts.DB,
		tokens:         make(map[string]bool, len(opts.Tokens)),
		log:            opts.Log,
		audit:          opts.Audit,
		absentStatusOK: opts.AbsentStatusOK,
	}
	for _, t := range opts.Tokens {
		if t != "" {
			s.tokens[t] = true
		}
	}
	if len(s.tokens) == 0 {
		return nil, fmt.Errorf("sandbox: at least one token is required")
	}
	s.pipeline = newPipeline(pipelineOpts{
		DB:        opts.DB,
		Responder: opts.Responder,
		Log:       opts.Log,
		Delay:     opts.StageDelay,
		Stamp:     s.stamp,
	})
	return s, nil
}

// Handler returns the gin engine serving every route.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())
	s.registerRoutes(router)
	return router
}

// Close waits for in-flight AI turns to finish.
func (s *Server) Close() {
	s.pipeline.Wait()
}

// StartOpts holds parameters for Start.
type StartOpts struct {
	Port int
	Out  io.Writer
}

// Start serves on the given port. It blocks until ctx is cancelled, then
// shuts down gracefully.
func (s *Server) Start(ctx context.Context, opts StartOpts) error {
	if opts.Port <= 0 {
		opts.Port = 8090
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Sandbox backend running at http://localhost:%d\n", opts.Port)
	}

	err := srv.ListenAndServe()
	s.Close()
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("sandbox: %w", err)
	}
	return nil
}

// stamp returns a strictly increasing timestamp with millisecond spacing, so
// timelines keep their insertion order on databases with ms precision.
func (s *Server) stamp() time.Time {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	now := time.Now().UTC().Truncate(time.Millisecond)
	if !now.After(s.last) {
		now = s.last.Add(time.Millisecond)
	}
	s.last = now
	return now
}

// requestLogger logs each request at debug level.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.WithFields(logrus.Fields{
			"method":     c.Request.Method,
			"path":       c.FullPath(),
			"status":     c.Writer.Status(),
			"tenant_id":  c.GetString(tenantKey),
			"request_id": c.GetHeader("X-Request-ID"),
			"duration":   time.Since(start).String(),
		}).Debug("sandbox: request")
	}
}
