package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/webhook"

	"github.com/example/ride-stream/internal/geo"
	"github.com/example/ride-stream/internal/models"
	"github.com/example/ride-stream/internal/observability"
	"github.com/example/ride-stream/internal/protocol"
)

type apiResponse struct {
	Data  any       `json:"data,omitempty"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respondData(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(apiResponse{Data: v})
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{Error: &apiError{Code: code, Message: message}})
}

func statusForError(err error) (int, string) {
	var pre *models.PreconditionError
	var exp *models.ExpiredResourceError
	switch {
	case errors.As(err, &pre):
		return http.StatusBadRequest, "precondition_failed"
	case errors.As(err, &exp):
		return http.StatusGone, "expired"
	}
	return http.StatusInternalServerError, "internal"
}

type previewTripRequest struct {
	UserID      string            `json:"userID"`
	Pickup      models.Coordinate `json:"pickup"`
	Destination models.Coordinate `json:"destination"`
}

type startTripRequest struct {
	RideFareID string `json:"rideFareID"`
	UserID     string `json:"userID"`
}

func (s *Server) handlePreviewTrip(w http.ResponseWriter, r *http.Request) {
	var req previewTripRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	preview, err := s.Trips.PreviewTrip(r.Context(), req.UserID, req.Pickup, req.Destination)
	if err != nil {
		status, code := statusForError(err)
		respondError(w, status, code, err.Error())
		return
	}
	respondData(w, preview)
}

func (s *Server) handleStartTrip(w http.ResponseWriter, r *http.Request) {
	var req startTripRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	trip, err := s.Trips.StartTrip(r.Context(), req.RideFareID, req.UserID)
	if err != nil {
		status, code := statusForError(err)
		respondError(w, status, code, err.Error())
		return
	}
	observability.TripsStartedTotal.Inc()
	respondData(w, map[string]string{"tripID": trip.ID})

	go s.dispatchTrip(*trip)
}

// dispatchTrip notifies the rider that the trip is committed, then offers it
// to the nearest driver of the requested package. The excluded set grows as
// drivers decline.
func (s *Server) dispatchTrip(trip models.Trip) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if env, err := protocol.NewEnvelope(protocol.TripEventCreated, trip); err == nil {
		if err := s.hub.SendToRider(trip.UserID, env); err != nil {
			s.logger.Warn("rider unreachable for trip.created", "trip_id", trip.ID, "error", err)
		}
	}

	s.offerTrip(ctx, trip, nil)
}

func (s *Server) offerTrip(ctx context.Context, trip models.Trip, exclude map[string]bool) {
	pickup := tripPickup(trip)
	candidates, err := s.Roster.Nearby(ctx, pickup, trip.SelectedFare.PackageSlug, s.NearbyLimit)
	if err != nil {
		s.logger.Error("roster lookup failed", "trip_id", trip.ID, "error", err)
		candidates = nil
	}

	env, err := protocol.NewEnvelope(protocol.DriverCmdTripRequest, trip)
	if err != nil {
		s.logger.Error("trip request envelope", "trip_id", trip.ID, "error", err)
		return
	}

	for _, d := range candidates {
		if exclude[d.ID] {
			continue
		}
		if err := s.hub.SendToDriver(d.ID, env); err != nil {
			continue
		}
		observability.TripRequestsDispatched.Inc()
		s.logger.Info("trip request dispatched", "trip_id", trip.ID, "driver_id", d.ID)
		return
	}

	s.notifyNoDrivers(trip)
}

func (s *Server) notifyNoDrivers(trip models.Trip) {
	s.clearDeclined(trip.ID)
	env, err := protocol.NewEnvelope(protocol.TripEventNoDriversFound, nil)
	if err != nil {
		return
	}
	if err := s.hub.SendToRider(trip.UserID, env); err != nil {
		s.logger.Warn("rider unreachable for no_drivers_found", "trip_id", trip.ID, "error", err)
	}
}

func tripPickup(trip models.Trip) models.Coordinate {
	if len(trip.Route.Geometry) > 0 && len(trip.Route.Geometry[0].Coordinates) > 0 {
		return trip.Route.Geometry[0].Coordinates[0]
	}
	return models.Coordinate{}
}

func (s *Server) handleRidersWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userID")
	if userID == "" {
		respondError(w, http.StatusBadRequest, "bad_request", "userID is required")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.hub.AddRider(userID, conn)
	observability.SessionsOpen.WithLabelValues("rider").Inc()
	defer func() {
		s.hub.RemoveRider(userID)
		observability.SessionsOpen.WithLabelValues("rider").Dec()
	}()

	// push the current roster so the rider has a map to look at immediately
	if drivers, err := s.Roster.All(r.Context()); err == nil {
		if env, err := protocol.NewEnvelope(protocol.DriverCmdLocation, drivers); err == nil {
			_ = s.hub.SendToRider(userID, env)
		}
	}

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.Parse(frame)
		if err != nil {
			observability.ProtocolErrorsTotal.Inc()
			s.logger.Warn("invalid rider envelope", "user_id", userID, "error", err)
			continue
		}
		observability.EnvelopesTotal.WithLabelValues(env.Type, "inbound").Inc()
		// riders only report their own location; it is informational here
		if env.Type != protocol.DriverCmdLocation {
			s.logger.Warn("unexpected rider command", "user_id", userID, "type", env.Type)
		}
	}
}

func (s *Server) handleDriversWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userID")
	if userID == "" {
		respondError(w, http.StatusBadRequest, "bad_request", "userID is required")
		return
	}
	packageSlug := r.URL.Query().Get("packageSlug")
	if !models.KnownPackage(packageSlug) {
		respondError(w, http.StatusBadRequest, "bad_request", "unknown packageSlug")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	identity := newDriverIdentity(userID, packageSlug)

	s.hub.AddDriver(userID, conn)
	observability.SessionsOpen.WithLabelValues("driver").Inc()
	defer func() {
		s.hub.RemoveDriver(userID)
		observability.SessionsOpen.WithLabelValues("driver").Dec()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.Roster.Remove(ctx, userID); err != nil {
			s.logger.Warn("roster remove failed", "driver_id", userID, "error", err)
		}
		s.broadcastRoster(ctx)
	}()

	// registration confirmation: until the driver receives this, it is not
	// matchable and will not accept trip requests
	if env, err := protocol.NewEnvelope(protocol.DriverCmdRegister, identity); err == nil {
		if err := s.hub.SendToDriver(userID, env); err != nil {
			s.logger.Warn("register send failed", "driver_id", userID, "error", err)
			return
		}
	}

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.Parse(frame)
		if err != nil {
			observability.ProtocolErrorsTotal.Inc()
			s.logger.Warn("invalid driver envelope", "driver_id", userID, "error", err)
			continue
		}
		observability.EnvelopesTotal.WithLabelValues(env.Type, "inbound").Inc()

		switch env.Type {
		case protocol.DriverCmdLocation:
			s.handleDriverLocation(r.Context(), &identity, env)
		case protocol.DriverCmdTripAccept:
			s.handleTripAccept(r.Context(), env)
		case protocol.DriverCmdTripDecline:
			s.handleTripDecline(r.Context(), env)
		default:
			s.logger.Warn("unexpected driver command", "driver_id", userID, "type", env.Type)
		}
	}
}

func (s *Server) handleDriverLocation(ctx context.Context, identity *models.Driver, env protocol.Envelope) {
	update, err := protocol.DecodeLocationUpdate(env)
	if err != nil {
		observability.ProtocolErrorsTotal.Inc()
		return
	}
	hash, err := geo.Encode(update.Location, geo.DriverPrecision)
	if err != nil {
		s.logger.Warn("driver reported bad location", "driver_id", identity.ID, "error", err)
		return
	}
	identity.Location = update.Location
	identity.Geohash = hash

	if err := s.Roster.Upsert(ctx, *identity); err != nil {
		s.logger.Error("roster upsert failed", "driver_id", identity.ID, "error", err)
		return
	}
	if s.Kafka != nil {
		if err := s.Kafka.PublishLocation(ctx, *identity); err != nil {
			s.logger.Warn("kafka publish failed", "driver_id", identity.ID, "error", err)
		}
	}
	s.broadcastRoster(ctx)
}

func (s *Server) broadcastRoster(ctx context.Context) {
	drivers, err := s.Roster.All(ctx)
	if err != nil {
		s.logger.Error("roster list failed", "error", err)
		return
	}
	env, err := protocol.NewEnvelope(protocol.DriverCmdLocation, drivers)
	if err != nil {
		return
	}
	observability.EnvelopesTotal.WithLabelValues(env.Type, "outbound").Inc()
	s.hub.BroadcastRiders(env)
}

func (s *Server) handleTripAccept(ctx context.Context, env protocol.Envelope) {
	resp, err := protocol.DecodeTripResponse(env)
	if err != nil {
		observability.ProtocolErrorsTotal.Inc()
		return
	}
	trip, err := s.Trips.AssignDriver(ctx, resp.TripID, resp.Driver)
	if err != nil {
		s.logger.Warn("assign driver failed", "trip_id", resp.TripID, "error", err)
		return
	}
	s.clearDeclined(trip.ID)

	if assigned, err := protocol.NewEnvelope(protocol.TripEventDriverAssigned, trip); err == nil {
		if err := s.hub.SendToRider(trip.UserID, assigned); err != nil {
			s.logger.Warn("rider unreachable for driver_assigned", "trip_id", trip.ID, "error", err)
		}
	}

	pay, err := s.Payments.CreateSession(ctx, &trip)
	if err != nil {
		s.logger.Error("payment session failed", "trip_id", trip.ID, "error", err)
		return
	}
	if env, err := protocol.NewEnvelope(protocol.TripEventPaymentSessionCreated, pay); err == nil {
		if err := s.hub.SendToRider(trip.UserID, env); err != nil {
			s.logger.Warn("rider unreachable for payment session", "trip_id", trip.ID, "error", err)
		}
	}
}

func (s *Server) handleTripDecline(ctx context.Context, env protocol.Envelope) {
	resp, err := protocol.DecodeTripResponse(env)
	if err != nil {
		observability.ProtocolErrorsTotal.Inc()
		return
	}
	trip, ok := s.Trips.Get(resp.TripID)
	if !ok {
		return
	}
	exclude := s.markDeclined(trip.ID, resp.Driver.ID)
	s.logger.Info("trip declined, reoffering", "trip_id", trip.ID,
		"driver_id", resp.Driver.ID, "declined_count", len(exclude))
	s.offerTrip(ctx, trip, exclude)
}

// markDeclined records the decliner and returns a copy of the trip's full
// exclusion set, so a driver who declined is never offered the same trip
// again.
func (s *Server) markDeclined(tripID, driverID string) map[string]bool {
	s.declinedMu.Lock()
	defer s.declinedMu.Unlock()
	set := s.declined[tripID]
	if set == nil {
		set = make(map[string]bool)
		s.declined[tripID] = set
	}
	set[driverID] = true
	out := make(map[string]bool, len(set))
	for id := range set {
		out[id] = true
	}
	return out
}

func (s *Server) clearDeclined(tripID string) {
	s.declinedMu.Lock()
	delete(s.declined, tripID)
	s.declinedMu.Unlock()
}

type cancelTripRequest struct {
	TripID string `json:"tripID"`
	UserID string `json:"userID"`
}

func (s *Server) handleCancelTrip(w http.ResponseWriter, r *http.Request) {
	var req cancelTripRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	trip, ok := s.Trips.Get(req.TripID)
	if !ok || trip.UserID != req.UserID {
		respondError(w, http.StatusBadRequest, "precondition_failed", "no active trip for user")
		return
	}
	finished, err := s.finishTrip(r.Context(), req.TripID, models.TripStatusCancelled)
	if err != nil {
		status, code := statusForError(err)
		respondError(w, status, code, err.Error())
		return
	}
	respondData(w, map[string]string{"tripID": finished.ID, "status": finished.Status})
}

// handleStripeWebhook closes the payment loop: a completed checkout session
// finishes the trip it carries in metadata. With a webhook secret configured
// the signature is verified; without one the payload is parsed directly.
func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", "unreadable body")
		return
	}

	var event stripe.Event
	if s.WebhookSecret != "" {
		event, err = webhook.ConstructEvent(body, r.Header.Get("Stripe-Signature"), s.WebhookSecret)
		if err != nil {
			respondError(w, http.StatusBadRequest, "bad_signature", err.Error())
			return
		}
	} else if err := json.Unmarshal(body, &event); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	if event.Type != "checkout.session.completed" {
		w.WriteHeader(http.StatusOK)
		return
	}
	if event.Data == nil {
		respondError(w, http.StatusBadRequest, "bad_request", "event missing data")
		return
	}
	var cs stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	tripID := cs.Metadata["trip_id"]
	if tripID == "" {
		respondError(w, http.StatusBadRequest, "bad_request", "missing trip_id metadata")
		return
	}
	if _, err := s.finishTrip(r.Context(), tripID, models.TripStatusCompleted); err != nil {
		s.logger.Warn("webhook completion failed", "trip_id", tripID, "error", err)
	}
	w.WriteHeader(http.StatusOK)
}

// finishTrip terminates the trip server-side and sends the closing snapshot
// to the rider and, when one was assigned, the driver.
func (s *Server) finishTrip(ctx context.Context, tripID, status string) (models.Trip, error) {
	trip, err := s.Trips.Finish(ctx, tripID, status)
	if err != nil {
		return models.Trip{}, err
	}
	s.clearDeclined(tripID)

	tag := protocol.TripEventCompleted
	if status == models.TripStatusCancelled {
		tag = protocol.TripEventCancelled
	}
	env, err := protocol.NewEnvelope(tag, trip)
	if err != nil {
		return trip, nil
	}
	observability.EnvelopesTotal.WithLabelValues(env.Type, "outbound").Inc()
	if err := s.hub.SendToRider(trip.UserID, env); err != nil {
		s.logger.Warn("rider unreachable for trip close", "trip_id", trip.ID, "error", err)
	}
	if trip.Driver != nil {
		if err := s.hub.SendToDriver(trip.Driver.ID, env); err != nil {
			s.logger.Warn("driver unreachable for trip close", "trip_id", trip.ID, "error", err)
		}
	}
	s.logger.Info("trip closed", "trip_id", trip.ID, "status", status)
	return trip, nil
}

// newDriverIdentity builds the driver record sent back as the registration
// confirmation. Display fields are synthesised; a production directory
// service would own them.
func newDriverIdentity(userID, packageSlug string) models.Driver {
	tag := uuid.NewString()[:6]
	return models.Driver{
		ID:             userID,
		Name:           "Driver " + tag,
		CarPlate:       fmt.Sprintf("RS-%s", tag),
		ProfilePicture: fmt.Sprintf("https://api.dicebear.com/9.x/avataaars/svg?seed=%s", userID),
		PackageSlug:    packageSlug,
	}
}
