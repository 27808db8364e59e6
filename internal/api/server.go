// Package api is the HTTP surface of the service: the GitHub webhook ingress
// plus health, readiness, and metrics endpoints.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/bemcculley/auto-merge/internal/config"
	"github.com/bemcculley/auto-merge/internal/metrics"
	"github.com/bemcculley/auto-merge/internal/models"
	"github.com/bemcculley/auto-merge/internal/queue"
)

// Enqueuer accepts extracted PR identities into the repo queue.
// Implemented by *queue.Queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, id models.PRIdentity) (queue.EnqueueOutcome, error)
}

// Spawner starts a background drain for a repo. Implemented by
// *worker.Dispatcher.
type Spawner interface {
	Spawn(ref models.RepoRef)
}

// CommitPRResolver maps a head SHA to its open pull requests. Satisfied by
// the per-installation forge client.
type CommitPRResolver interface {
	ListPRsForCommit(ctx context.Context, ref models.RepoRef, sha string) ([]models.PullRequest, error)
}

// Pinger reports whether the backing store is reachable; /readyz depends on
// it.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	cfg        *config.Settings
	queue      Enqueuer
	dispatch   Spawner
	resolve    func(installationID int64) CommitPRResolver
	store      Pinger
	httpServer *http.Server
}

func NewServer(cfg *config.Settings, q Enqueuer, dispatch Spawner, resolve func(installationID int64) CommitPRResolver, store Pinger) *Server {
	s := &Server{
		cfg:      cfg,
		queue:    q,
		dispatch: dispatch,
		resolve:  resolve,
		store:    store,
	}

	r := mux.NewRouter()
	r.Use(commonMiddleware)
	r.Use(rateLimitMiddleware)

	r.HandleFunc("/webhook", s.handleWebhook).Methods("POST")
	r.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	r.HandleFunc("/readyz", s.handleReadyz).Methods("GET")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")

	s.httpServer = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func commonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
