package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"net/netip"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/example/park-rides/internal/analytics"
	"github.com/example/park-rides/internal/auth"
	"github.com/example/park-rides/internal/booking"
	"github.com/example/park-rides/internal/catalog"
	"github.com/example/park-rides/internal/consistency"
	"github.com/example/park-rides/internal/faq"
	"github.com/example/park-rides/internal/messages"
	"github.com/example/park-rides/internal/notify"
	"github.com/example/park-rides/internal/queue"
	"github.com/example/park-rides/internal/tickets"
)

// Deps are the workflows exposed over HTTP.
type Deps struct {
	Users     *auth.Users
	Tokens    *auth.Tokens
	Catalog   *catalog.Catalog
	Queue     *queue.Manager
	Bookings  *booking.Recorder
	Notify    *notify.FanOut
	Messages  *messages.Service
	FAQ       *faq.Service
	Analytics *analytics.Service
	Tickets   *tickets.Issuer
	Signer    *tickets.Signer
	Sweeper   *consistency.Sweeper
	// Ready reports whether backing services are reachable.
	Ready func(ctx context.Context) error
}

type Options struct {
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
	// TrustedProxies lists addresses or CIDR ranges whose X-Forwarded-For
	// header is believed. Empty means the header is ignored.
	TrustedProxies []string
}

type Server struct {
	Deps
	logger   *slog.Logger
	mux      *mux.Router
	handler  http.Handler
	limiter  *ipLimiter
	proxies  []netip.Prefix
	sessions *wsRegistry
}

func NewServer(d Deps, opts Options, logger *slog.Logger) *Server {
	s := &Server{
		Deps:     d,
		logger:   logger,
		mux:      mux.NewRouter(),
		limiter:  newIPLimiter(opts.RateLimitRPS, opts.RateLimitBurst),
		sessions: newWSRegistry(),
	}
	proxies, err := parseProxies(opts.TrustedProxies)
	if err != nil {
		logger.Warn("ignoring trusted proxies", "error", err)
	}
	s.proxies = proxies
	s.registerMiddleware()
	s.routes()
	s.handler = cors.New(cors.Options{
		AllowedOrigins: opts.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
	}).Handler(s.mux)
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/readyz", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())

	api := s.mux.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/auth/register", s.handleRegister).Methods("POST")
	api.HandleFunc("/auth/login", s.handleLogin).Methods("POST")
	api.HandleFunc("/me", s.handleMe).Methods("GET")

	api.HandleFunc("/rides", s.handleListRides).Methods("GET")
	api.HandleFunc("/rides", s.handleCreateRide).Methods("POST")
	api.HandleFunc("/rides/nearby", s.handleNearbyRides).Methods("GET")
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods("GET")
	api.HandleFunc("/rides/{id}", s.handleUpdateRide).Methods("PUT")
	api.HandleFunc("/rides/{id}", s.handleDeleteRide).Methods("DELETE")
	api.HandleFunc("/rides/{id}/reviews", s.handleAddReview).Methods("POST")
	api.HandleFunc("/rides/{id}/queue", s.handleListQueue).Methods("GET")
	api.HandleFunc("/rides/{id}/queue", s.handleJoinQueue).Methods("POST")
	api.HandleFunc("/rides/{id}/queue", s.handleLeaveQueue).Methods("DELETE")
	api.HandleFunc("/rides/{id}/queue/position", s.handleQueuePosition).Methods("GET")
	api.HandleFunc("/rides/{id}/bookings", s.handleBookRide).Methods("POST")

	api.HandleFunc("/packages", s.handleListPackages).Methods("GET")
	api.HandleFunc("/packages", s.handleCreatePackage).Methods("POST")
	api.HandleFunc("/packages/{id}", s.handleGetPackage).Methods("GET")
	api.HandleFunc("/packages/{id}", s.handleUpdatePackage).Methods("PUT")
	api.HandleFunc("/packages/{id}", s.handleDeletePackage).Methods("DELETE")
	api.HandleFunc("/packages/{id}/bookings", s.handleBookPackage).Methods("POST")

	api.HandleFunc("/bookings", s.handleListBookings).Methods("GET")
	api.HandleFunc("/bookings/{id}/ticket", s.handleTicket(tickets.RideTicket)).Methods("GET")
	api.HandleFunc("/package-bookings", s.handleListPackageBookings).Methods("GET")
	api.HandleFunc("/package-bookings/{id}/ticket", s.handleTicket(tickets.PackageTicket)).Methods("GET")
	api.HandleFunc("/package-bookings/{id}/capture", s.handleCapturePayment).Methods("POST")
	api.HandleFunc("/tickets/verify", s.handleVerifyTicket).Methods("POST")

	api.HandleFunc("/notifications", s.handleListNotifications).Methods("GET")
	api.HandleFunc("/notifications/broadcast", s.handleBroadcast).Methods("POST")
	api.HandleFunc("/notifications/{id}/read", s.handleMarkRead).Methods("POST")

	api.HandleFunc("/chats", s.handleListChats).Methods("GET")
	api.HandleFunc("/chats/{chat_id}/messages", s.handleListMessages).Methods("GET")
	api.HandleFunc("/chats/{chat_id}/messages", s.handleSendMessage).Methods("POST")

	api.HandleFunc("/faq", s.handleListFAQ).Methods("GET")
	api.HandleFunc("/faq", s.handleAddFAQ).Methods("POST")
	api.HandleFunc("/faq/{id}", s.handleUpdateFAQ).Methods("PUT")
	api.HandleFunc("/faq/{id}", s.handleDeleteFAQ).Methods("DELETE")

	api.HandleFunc("/admin/analytics", s.handleAnalytics).Methods("GET")
	api.HandleFunc("/admin/consistency", s.handleConsistency).Methods("POST")

	s.mux.HandleFunc("/ws/rides/{id}/queue", s.handleQueueWS)
	s.mux.HandleFunc("/ws/chats/{chat_id}", s.handleChatWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.handler.ServeHTTP(w, r) }

// Shutdown closes every open websocket stream.
func (s *Server) Shutdown() { s.sessions.closeAll() }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.Ready != nil {
		if err := s.Ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", "error", err)
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(200)
	w.Write([]byte("ready"))
}
