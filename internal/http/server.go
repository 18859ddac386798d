// Package http serves the derived expense views and the mutation
// call-throughs as a JSON API.
package http

import (
	"context"
	"errors"
	"net/http"
	"net/netip"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"expenseview/internal/cache"
	"expenseview/internal/core"
	"expenseview/internal/log"
	"expenseview/internal/metrics"
	"expenseview/internal/middleware/ratelimit"
	"expenseview/internal/middleware/security"
	"expenseview/internal/services"
)

var errNotLoaded = errors.New("expense list not loaded yet")

// Options tunes the server. Zero values fall back to defaults.
type Options struct {
	CacheSize int
	CacheTTL  time.Duration
	RateLimit ratelimit.Config
	// TrustedProxies may set the client address through forwarding headers.
	TrustedProxies []netip.Prefix
	// CacheManager, when set, sweeps the view caches.
	CacheManager *cache.Manager
}

type Server struct {
	http.Server
	book     *services.ExpenseBook
	expenses *services.ExpenseService
	limiter  *ratelimit.Limiter
	clientIP func(*http.Request) string
	logger   *log.Logger

	// Derived views keyed by list version and view parameters
	viewCache      *cache.LRUCache[expensesPayload]
	rollupCache    *cache.LRUCache[categoriesPayload]
	dashboardCache *cache.LRUCache[dashboardPayload]
}

// NewServer wires the routes and middleware.
func NewServer(addr string, book *services.ExpenseBook, expenses *services.ExpenseService, opts Options, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 256
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 30 * time.Second
	}

	s := &Server{
		book:           book,
		expenses:       expenses,
		limiter:        ratelimit.NewLimiter(opts.RateLimit),
		clientIP:       log.ClientIPResolver(opts.TrustedProxies),
		logger:         logger,
		viewCache:      cache.NewLRUCache[expensesPayload]("expense_view", opts.CacheSize, opts.CacheTTL),
		rollupCache:    cache.NewLRUCache[categoriesPayload]("category_rollups", opts.CacheSize, opts.CacheTTL),
		dashboardCache: cache.NewLRUCache[dashboardPayload]("dashboard", opts.CacheSize, opts.CacheTTL),
	}
	if opts.CacheManager != nil {
		opts.CacheManager.Register(s.viewCache)
		opts.CacheManager.Register(s.rollupCache)
		opts.CacheManager.Register(s.dashboardCache)
	}

	s.Server = http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	r.Use(log.Middleware(s.logger), metrics.Instrument, security.Headers(security.DefaultHeadersConfig()))

	r.HandleFunc("/healthz", handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/expenses", s.handleListExpenses).Methods(http.MethodGet)
	api.HandleFunc("/categories", s.handleCategories).Methods(http.MethodGet)
	api.HandleFunc("/dashboard", s.handleDashboard).Methods(http.MethodGet)

	limit := s.limiter.Middleware(s.clientIP, func(w http.ResponseWriter, r *http.Request) {
		log.FromContext(r.Context()).WarnContext(r.Context(), "Rate limit exceeded",
			log.FieldClientIP, s.clientIP(r),
			log.FieldPath, r.URL.Path)
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded, please try again later")
	})
	api.Handle("/refresh", limit(http.HandlerFunc(s.handleRefresh))).Methods(http.MethodPost)
	api.Handle("/expenses", limit(http.HandlerFunc(s.handleCreateExpense))).Methods(http.MethodPost)
	api.Handle("/expenses/{id}", limit(http.HandlerFunc(s.handleUpdateExpense))).Methods(http.MethodPut)
	api.Handle("/expenses/{id}", limit(http.HandlerFunc(s.handleDeleteExpense))).Methods(http.MethodDelete)
	api.Handle("/receipts", limit(http.HandlerFunc(s.handleUploadReceipt))).Methods(http.MethodPost)

	return r
}

// RunMaintenance drops idle rate limiter buckets until ctx is done.
func (s *Server) RunMaintenance(ctx context.Context) error {
	return s.limiter.Run(ctx, time.Minute)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports ready once the first fetch completed, even if it
// fell back to the snapshot.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	st := s.book.State()
	if !st.Loaded {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "loading"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ready",
		"version": st.Version,
		"stale":   st.Stale,
	})
}

// loadState returns the book state, running the first fetch when needed.
// A failed fetch is not an error here: the state carries the fallback
// list and its message. Only a state that never loaded is refused.
func (s *Server) loadState(ctx context.Context) (services.BookState, error) {
	st, err := s.book.EnsureLoaded(ctx)
	if err != nil && ctx.Err() != nil {
		return services.BookState{}, ctx.Err()
	}
	if !st.Loaded {
		st = s.book.State()
	}
	if !st.Loaded {
		return services.BookState{}, errNotLoaded
	}
	return st, nil
}

func writeLoadError(w http.ResponseWriter, err error) {
	if errors.Is(err, errNotLoaded) {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeError(w, http.StatusServiceUnavailable, "request canceled")
}

func sortOrDefault(key core.SortKey) core.SortKey {
	if key == "" {
		return core.DefaultSort
	}
	return key
}
