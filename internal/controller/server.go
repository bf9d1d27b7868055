// Package controller contains the controller-specific logic for the HTTP API.
package controller

import (
	"context"
	"net/http"
	"strings"
	"time"

	"askanna/internal/controller/handlers"
	"askanna/internal/controller/middleware"
)

// Options configure the controller server.
type Options struct {
	// InternalSecret guards the /internal endpoints.
	InternalSecret string
	RateLimit      float64
	RateLimitBurst int
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

// Server is the HTTP server for the controller API.
type Server struct {
	httpServer *http.Server
}

// route registers h for path with and without its trailing slash.
func route(mux *http.ServeMux, method, path string, h http.Handler) {
	path = strings.TrimSuffix(path, "/")
	mux.Handle(method+" "+path, h)
	mux.Handle(method+" "+path+"/{$}", h)
}

// NewHandler builds the routed and wrapped handler of the API.
func NewHandler(deps handlers.Deps, opts Options) http.Handler {
	h := handlers.New(deps)
	user := middleware.RequireUser
	internal := middleware.RequireInternalAuth(opts.InternalSecret)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}

	// Runs
	route(mux, "POST", "/v1/job/{suuid}/run/", user(http.HandlerFunc(h.CreateRun)))
	route(mux, "GET", "/v1/run/", http.HandlerFunc(h.ListRuns))
	route(mux, "GET", "/v1/run/{suuid}/", http.HandlerFunc(h.GetRun))
	route(mux, "GET", "/v1/run/{suuid}/status/", http.HandlerFunc(h.GetRunStatus))
	route(mux, "GET", "/v1/run/{suuid}/log/", http.HandlerFunc(h.GetRunLog))
	route(mux, "GET", "/v1/run/{suuid}/manifest/", http.HandlerFunc(h.GetRunManifest))
	route(mux, "GET", "/v1/run/{suuid}/result/", http.HandlerFunc(h.GetRunResult))
	route(mux, "POST", "/v1/run/{suuid}/result/", user(http.HandlerFunc(h.CreateRunResult)))
	route(mux, "POST", "/v1/run/{suuid}/abort/", user(http.HandlerFunc(h.AbortRun)))

	// Telemetry
	route(mux, "GET", "/v1/run/{suuid}/metric/", http.HandlerFunc(h.ListMetrics))
	route(mux, "POST", "/v1/run/{suuid}/metric/", user(http.HandlerFunc(h.AppendMetrics)))
	route(mux, "GET", "/v1/run/{suuid}/variable/", http.HandlerFunc(h.ListVariables))
	route(mux, "POST", "/v1/run/{suuid}/variable/", user(http.HandlerFunc(h.AppendVariables)))
	route(mux, "GET", "/v1/variable/", http.HandlerFunc(h.ListProjectVariables))

	// Uploads
	route(mux, "POST", "/v1/package/", user(http.HandlerFunc(h.CreatePackage)))
	route(mux, "POST", "/v1/artifact/", user(http.HandlerFunc(h.CreateArtifact)))
	route(mux, "PUT", "/v1/file/{suuid}/part/", user(http.HandlerFunc(h.UploadPart)))
	route(mux, "POST", "/v1/file/{suuid}/complete/", user(http.HandlerFunc(h.CompleteUpload)))
	route(mux, "POST", "/v1/file/{suuid}/abort/", user(http.HandlerFunc(h.AbortUpload)))
	route(mux, "GET", "/v1/file/{suuid}/download/", http.HandlerFunc(h.DownloadFile))
	mux.HandleFunc("GET /v1/storage/{key...}", h.ServeStorage)

	// People
	route(mux, "POST", "/v1/workspace/{suuid}/people/invite/info/", http.HandlerFunc(h.InvitationInfo))
	route(mux, "POST", "/v1/workspace/{suuid}/people/invite/check-email/", http.HandlerFunc(h.CheckInvitationEmail))
	route(mux, "POST", "/v1/workspace/{suuid}/people/invite/accept/", user(http.HandlerFunc(h.AcceptInvitation)))
	route(mux, "POST", "/v1/workspace/{suuid}/people/invite/resend/", user(http.HandlerFunc(h.ResendInvitation)))
	route(mux, "DELETE", "/v1/workspace/{suuid}/people/{membership}/", user(http.HandlerFunc(h.DeletePerson)))

	limiter := middleware.NewRateLimiter(middleware.WithLimit(opts.RateLimit, opts.RateLimitBurst))

	var public http.Handler = mux
	public = limiter.Middleware()(public)
	public = middleware.AuthMiddleware(deps.Store)(public)

	// Internal endpoints
	// Task administration for operators. The internal secret is not a user
	// token, so these routes bypass token resolution and rate limiting.
	internalMux := http.NewServeMux()
	internalMux.HandleFunc("GET /internal/tasks/dlq", h.GetDLQTasks)
	internalMux.HandleFunc("POST /internal/tasks/dlq/{id}/retry", h.RetryDLQTask)

	root := http.NewServeMux()
	root.Handle("/internal/", internal(internalMux))
	root.Handle("/", public)
	return middleware.RequestID(root)
}

// New creates a new controller server.
func New(addr string, deps handlers.Deps, opts Options) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           NewHandler(deps, opts),
			ReadHeaderTimeout: 10 * time.Second,
			// Part uploads and downloads stream large bodies.
			ReadTimeout:  5 * time.Minute,
			WriteTimeout: 5 * time.Minute,
		},
	}
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.Shutdown(shutDownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
