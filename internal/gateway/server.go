// Package gateway serves the rider and driver channel endpoints and the two
// trip HTTP endpoints. Matching policy is deliberately simple: the nearest
// connected driver offering the requested package gets the trip request
// first, and declines walk down the candidate list.
package gateway

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-stream/internal/ingest"
	"github.com/example/ride-stream/internal/payments"
	"github.com/example/ride-stream/internal/protocol"
	"github.com/example/ride-stream/internal/roster"
	"github.com/example/ride-stream/internal/trips"
)

type Server struct {
	Roster      roster.Roster
	Trips       *trips.Service
	Payments    payments.SessionCreator
	Kafka       *ingest.KafkaProducer // optional
	NearbyLimit int
	// WebhookSecret verifies Stripe webhook signatures. Empty means the
	// payload is trusted as-is, for local runs with the local creator.
	WebhookSecret string

	hub      *Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
	mux      *mux.Router

	declinedMu sync.Mutex
	declined   map[string]map[string]bool
}

func NewServer(logger *slog.Logger, ros roster.Roster, svc *trips.Service, pay payments.SessionCreator, kafka *ingest.KafkaProducer, nearbyLimit int) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if nearbyLimit <= 0 {
		nearbyLimit = 8
	}
	s := &Server{
		Roster:      ros,
		Trips:       svc,
		Payments:    pay,
		Kafka:       kafka,
		NearbyLimit: nearbyLimit,
		hub:         NewHub(),
		logger:      logger,
		mux:         mux.NewRouter(),
		declined:    make(map[string]map[string]bool),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc(protocol.PreviewTripPath, s.handlePreviewTrip).Methods("POST")
	s.mux.HandleFunc(protocol.StartTripPath, s.handleStartTrip).Methods("POST")
	s.mux.HandleFunc(protocol.CancelTripPath, s.handleCancelTrip).Methods("POST")
	s.mux.HandleFunc("/webhook/stripe", s.handleStripeWebhook).Methods("POST")
	s.mux.HandleFunc(protocol.RidersPath, s.handleRidersWS)
	s.mux.HandleFunc(protocol.DriversPath, s.handleDriversWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
