package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/hashicorp/go-hclog"
	"github.com/shalteor/edbcore/internal/access"
	"github.com/shalteor/edbcore/internal/crypto"
	"github.com/shalteor/edbcore/internal/keystore"
)

// Server is the admin surface over a key store.
type Server struct {
	// mu pairs key store logins and logouts with their sessions
	mu sync.Mutex

	graph    *access.Graph
	keys     *keystore.KeyStore
	sessions *SessionStore
	kdf      crypto.KDFParams
	logger   hclog.Logger
	origins  []string
}

// NewServer returns a server for keys, whose principals are resolved
// through graph.
func NewServer(graph *access.Graph, keys *keystore.KeyStore, opt ...Option) (*Server, error) {
	opts := getOpts(opt...)
	if err := opts.withKDFParams.Validate(); err != nil {
		return nil, err
	}
	sessions, err := NewSessionStore(opts.withSessionSecret, opts.withSessionTTL)
	if err != nil {
		return nil, err
	}
	return &Server{
		graph:    graph,
		keys:     keys,
		sessions: sessions,
		kdf:      opts.withKDFParams,
		logger:   opts.withLogger,
		origins:  opts.withAllowedOrigins,
	}, nil
}

// Router sets up the HTTP routes
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	if len(s.origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.origins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Route("/v1", func(r chi.Router) {
		// Public endpoints
		r.Post("/login", s.HandleLogin)

		// Protected endpoints
		r.Group(func(r chi.Router) {
			r.Use(s.AuthMiddleware)

			r.Post("/logout", s.HandleLogout)
			r.Get("/keys/{type}/{value}", s.HandleGetKey)
			r.Put("/access", s.HandlePutAccess)
			r.Delete("/access", s.HandleDeleteAccess)
			r.Get("/graph", s.HandleGetGraph)
		})
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start))
	})
}
