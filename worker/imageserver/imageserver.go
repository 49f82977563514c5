// Package imageserver is the worker that serves downloaded comic images over
// HTTP. The host tells it which port to bind with a start-server control
// message; until then only the channel patterns are available.
package imageserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"comic-rpc/logging"
	"comic-rpc/message"
	"comic-rpc/server"
)

// Patterns served by the image server.
const (
	PatternInfo = "image-server-info"
	PatternStop = "stop-server"
)

var (
	// ErrAlreadyRunning is returned by Start while the HTTP server is bound.
	ErrAlreadyRunning = errors.New("imageserver: already running")
	// ErrNotRunning is returned by Stop before Start.
	ErrNotRunning = errors.New("imageserver: not running")
)

// Options configures an ImageServer.
type Options struct {
	// Dir is the directory served under /images/.
	Dir string
	// Host is the bind address, 127.0.0.1 when empty.
	Host   string
	Logger *zap.Logger
	// Registry collects the request counter and backs /metrics. Nil uses the
	// prometheus default registerer and gatherer.
	Registry *prometheus.Registry
}

// Info is the result of image-server-info and stop-server.
type Info struct {
	Running   bool      `json:"running"`
	Port      int       `json:"port,omitempty"`
	Dir       string    `json:"dir"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt,omitzero"`
}

// ImageServer owns the HTTP server of one worker process.
type ImageServer struct {
	dir      string
	host     string
	logger   *zap.Logger
	gatherer prometheus.Gatherer
	requests *prometheus.CounterVec

	mu        sync.Mutex
	http      *http.Server
	port      int
	startedAt time.Time
}

// New creates a stopped image server and registers its collectors.
func New(opts Options) (*ImageServer, error) {
	host := opts.Host
	if host == "" {
		host = "127.0.0.1"
	}
	var (
		reg      prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if opts.Registry != nil {
		reg, gatherer = opts.Registry, opts.Registry
	}

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "comic",
		Subsystem: "images",
		Name:      "requests_total",
		Help:      "HTTP requests for images, by status code.",
	}, []string{"code"})
	if err := reg.Register(requests); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	return &ImageServer{
		dir:      opts.Dir,
		host:     host,
		logger:   logging.OrNop(opts.Logger),
		gatherer: gatherer,
		requests: requests,
	}, nil
}

// Register adds the start-server control handler and the image server
// patterns to s.
func (is *ImageServer) Register(s *server.Server) {
	s.HandleControl(message.TypeStartServer, is.handleStart)
	s.HandleFunc(PatternInfo, func(ctx context.Context, call *message.Call) (any, error) {
		return is.Info(), nil
	})
	s.HandleFunc(PatternStop, func(ctx context.Context, call *message.Call) (any, error) {
		if err := is.Stop(ctx); err != nil {
			return nil, err
		}
		return is.Info(), nil
	})
}

func (is *ImageServer) handleStart(ctx context.Context, ctl *message.Control) (*message.Control, error) {
	var req message.StartServer
	if err := json.Unmarshal(ctl.Data, &req); err != nil {
		return message.NewControl(message.TypeServerStartResponse,
			message.StartError{Error: "invalid start-server data: " + err.Error()})
	}
	err := is.Start(req.Port)
	switch {
	case errors.Is(err, ErrAlreadyRunning):
		return message.NewControl(message.TypeServerStartResponse, message.StartError{Error: message.ServerAlreadyRunning})
	case err != nil:
		is.logger.Error("failed to start image server", zap.Int("port", req.Port), zap.Error(err))
		return message.NewControl(message.TypeServerStartResponse, message.StartError{Error: err.Error()})
	}
	return message.NewControl(message.TypeServerStartResponse, message.StartServerOK)
}

// Handler returns the HTTP routes: /healthz, /metrics and /images/*.
func (is *ImageServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(is.logRequests)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(is.Info())
	})
	r.Handle("/metrics", promhttp.HandlerFor(is.gatherer, promhttp.HandlerOpts{}))

	files := http.StripPrefix("/images/", http.FileServer(http.Dir(is.dir)))
	r.Get("/images/*", func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		files.ServeHTTP(ww, r)
		is.requests.WithLabelValues(strconv.Itoa(ww.Status())).Inc()
	})
	return r
}

func (is *ImageServer) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		is.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", chimw.GetReqID(r.Context())))
	})
}

// Start binds port and serves in the background. Bind errors are returned
// directly so the host sees them in the handshake reply.
func (is *ImageServer) Start(port int) error {
	is.mu.Lock()
	defer is.mu.Unlock()
	if is.http != nil {
		return ErrAlreadyRunning
	}

	addr := net.JoinHostPort(is.host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:      is.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			is.logger.Error("image server stopped", zap.Error(err))
		}
	}()

	is.http = srv
	is.port = ln.Addr().(*net.TCPAddr).Port
	is.startedAt = time.Now()
	is.logger.Info("image server listening", zap.String("addr", ln.Addr().String()), zap.String("dir", is.dir))
	return nil
}

// Stop shuts the HTTP server down, waiting for active requests until ctx is done.
func (is *ImageServer) Stop(ctx context.Context) error {
	is.mu.Lock()
	srv := is.http
	is.http = nil
	is.port = 0
	is.startedAt = time.Time{}
	is.mu.Unlock()

	if srv == nil {
		return ErrNotRunning
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown image server: %w", err)
	}
	is.logger.Info("image server stopped")
	return nil
}

// Info reports whether the server runs and where.
func (is *ImageServer) Info() Info {
	is.mu.Lock()
	defer is.mu.Unlock()
	return Info{
		Running:   is.http != nil,
		Port:      is.port,
		Dir:       is.dir,
		PID:       os.Getpid(),
		StartedAt: is.startedAt,
	}
}
