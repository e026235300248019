package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/cors"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"bookswap/auth"
	"bookswap/book"
	"bookswap/exchange"
	"bookswap/ledger"
	"bookswap/report"
)

type ctxKey string

const (
	ctxKeyUserID ctxKey = "user_id"
	ctxKeyRole   ctxKey = "role"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bookswap_http_requests_total",
		Help: "Total HTTP requests processed, labelled by route and status code.",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bookswap_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"method", "route"})
)

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	GetUserByID(ctx context.Context, userID string) (*auth.User, error)
	VerifyToken(token string) (string, auth.Role, error)
}

type ledgerReader interface {
	Balance(ctx context.Context, userID string) (int64, error)
	Entries(ctx context.Context, userID string, limit int) ([]ledger.Entry, error)
}

type bookService interface {
	Create(ctx context.Context, params book.CreateParams) (book.Book, error)
	Get(ctx context.Context, id string) (book.Book, error)
	ListByOwner(ctx context.Context, ownerID string) ([]book.Book, error)
	SetAvailability(ctx context.Context, id, ownerID string, available bool) (book.Book, error)
	SoftDelete(ctx context.Context, id, ownerID string) (book.Book, error)
}

type valuationService interface {
	BookPoints(ctx context.Context, bookID string) (int, error)
}

type exchangeService interface {
	Request(ctx context.Context, bookID, requesterID string) (exchange.Exchange, error)
	Approve(ctx context.Context, exchangeID, ownerID string) (exchange.Exchange, error)
	Reject(ctx context.Context, exchangeID, ownerID string) (exchange.Exchange, error)
	Cancel(ctx context.Context, exchangeID, requesterID string) error
	Get(ctx context.Context, exchangeID, viewerID string, admin bool) (exchange.Exchange, error)
	List(ctx context.Context, f exchange.Filter, viewerID string, admin bool) ([]exchange.Exchange, error)
}

type reportService interface {
	Create(ctx context.Context, params report.CreateParams) (report.Report, error)
	StartReview(ctx context.Context, reportID, adminID string) (report.Report, error)
	Resolve(ctx context.Context, reportID, adminID string) (report.Report, error)
	Reject(ctx context.Context, reportID, adminID string) (report.Report, error)
	Get(ctx context.Context, reportID, viewerID string) (report.Report, error)
	List(ctx context.Context, f report.Filter, viewerID string) ([]report.Report, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Server holds the HTTP handlers. Every dependency is an interface so the
// handlers can be tested with stubs.
type Server struct {
	authService      authService
	ledger           ledgerReader
	bookService      bookService
	valuationService valuationService
	exchangeService  exchangeService
	reportService    reportService
	db               pinger
	logger           *slog.Logger
	limiter          *clientLimiter
	corsOrigins      []string
}

func (s *Server) log() *slog.Logger {
	if s.logger == nil {
		return slog.Default()
	}
	return s.logger
}

// idVar only matches canonical UUIDs, so malformed ids 404 in the router and
// never reach a uuid column.
const idVar = "{id:[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}}"

func methodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	respondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.Use(s.instrument)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.throttle)
	api.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)
	r.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)

	api.HandleFunc("/auth/register", s.handleRegister).Methods(http.MethodPost)
	api.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)

	authed := func(method, path string, h http.HandlerFunc) {
		api.Handle(path, s.requireAuth(h)).Methods(method)
	}
	authed(http.MethodGet, "/me", s.handleMe)
	authed(http.MethodGet, "/me/entries", s.handleMyEntries)

	authed(http.MethodPost, "/books", s.handleCreateBook)
	authed(http.MethodGet, "/books", s.handleMyBooks)
	authed(http.MethodGet, "/books/"+idVar, s.handleGetBook)
	authed(http.MethodDelete, "/books/"+idVar, s.handleDeleteBook)
	authed(http.MethodGet, "/books/"+idVar+"/points", s.handleBookPoints)
	authed(http.MethodPut, "/books/"+idVar+"/availability", s.handleSetAvailability)

	authed(http.MethodPost, "/exchanges", s.handleRequestExchange)
	authed(http.MethodGet, "/exchanges", s.handleListExchanges)
	authed(http.MethodGet, "/exchanges/"+idVar, s.handleGetExchange)
	authed(http.MethodDelete, "/exchanges/"+idVar, s.handleCancelExchange)
	authed(http.MethodPost, "/exchanges/"+idVar+"/approve", s.handleApproveExchange)
	authed(http.MethodPost, "/exchanges/"+idVar+"/reject", s.handleRejectExchange)
	authed(http.MethodPost, "/exchanges/"+idVar+"/reports", s.handleCreateReport)

	authed(http.MethodGet, "/reports", s.handleListReports)
	authed(http.MethodGet, "/reports/"+idVar, s.handleGetReport)
	authed(http.MethodPost, "/reports/"+idVar+"/review", s.handleReviewReport)
	authed(http.MethodPost, "/reports/"+idVar+"/resolve", s.handleResolveReport)
	authed(http.MethodPost, "/reports/"+idVar+"/reject", s.handleRejectReport)

	origins := s.corsOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	})(r)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = strings.ReplaceAll(tpl, idVar, "{id}")
			}
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			respondWithError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, role, err := s.authService.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			respondWithError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.allow(clientKey(r)) {
			w.Header().Set("Retry-After", "1")
			respondWithError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// clientLimiter keeps one token bucket per client address.
type clientLimiter struct {
	mu      sync.Mutex
	rps     rate.Limit
	burst   int
	clients map[string]*limiterEntry
	idle    time.Duration
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newClientLimiter(rps float64, burst int) *clientLimiter {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &clientLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		clients: make(map[string]*limiterEntry),
		idle:    10 * time.Minute,
	}
}

func (l *clientLimiter) allow(key string) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.clients[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.clients[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// sweep drops limiters not used for the idle period.
func (l *clientLimiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, e := range l.clients {
		if now.Sub(e.lastSeen) > l.idle {
			delete(l.clients, key)
		}
	}
}

func (l *clientLimiter) run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.sweep(now)
		}
	}
}

func userIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyUserID).(string)
	return id
}

func roleFromContext(ctx context.Context) auth.Role {
	role, _ := ctx.Value(ctxKeyRole).(auth.Role)
	return role
}

func isAdmin(ctx context.Context) bool {
	return roleFromContext(ctx) == auth.RoleAdmin
}
