// Package rider holds the rider-side reducer: it consumes validated channel
// envelopes plus the preview/start call results and produces immutable state
// snapshots. All transitions go through Apply or the action methods; callers
// only ever read snapshots.
package rider

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-stream/internal/models"
	"github.com/example/ride-stream/internal/protocol"
)

// Status is the rider-observable trip status.
type Status string

const (
	StatusIdle            Status = "idle"
	StatusPreviewReady    Status = "preview_ready"
	StatusCreated         Status = "created"
	StatusNoDriversFound  Status = "no_drivers_found"
	StatusDriverAssigned  Status = "driver_assigned"
	StatusPaymentRequired Status = "payment_required"
	StatusCompleted       Status = "completed"
	StatusCancelled       Status = "cancelled"
)

func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusNoDriversFound
}

// TripAPI is the external request/response collaborator for trip preview and
// trip start.
type TripAPI interface {
	PreviewTrip(ctx context.Context, userID string, pickup, destination models.Coordinate) (*models.TripPreview, error)
	StartTrip(ctx context.Context, rideFareID, userID string) (string, error)
}

// Snapshot is the rider's observable state. It is a value copy; mutating it
// has no effect on the machine.
type Snapshot struct {
	Status         Status
	Drivers        []models.Driver
	Preview        *models.TripPreview
	Trip           *models.Trip
	AssignedDriver *models.Driver
	Payment        *models.PaymentSession
	Err            error
}

// Machine is the rider state machine. It implements session.Handler.
type Machine struct {
	userID string
	trips  TripAPI
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	snap Snapshot

	previewSeq    uint64
	previewCancel context.CancelFunc
}

func NewMachine(userID string, trips TripAPI, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		userID: userID,
		trips:  trips,
		logger: logger,
		now:    time.Now,
		snap:   Snapshot{Status: StatusIdle},
	}
}

// Snapshot returns a copy of the current observable state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// OnEnvelope applies one validated inbound envelope. Events that are not
// meaningful in the current status are dropped without a transition; the
// next authoritative snapshot wins after any reconnect.
func (m *Machine) OnEnvelope(env protocol.Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch env.Type {
	case protocol.DriverCmdLocation:
		drivers, err := protocol.DecodeRoster(env)
		if err != nil {
			m.snap.Err = err
			return
		}
		// replace-whole-set, never merge; status is untouched
		m.snap.Drivers = drivers

	case protocol.TripEventCreated:
		trip, err := protocol.DecodeTrip(env)
		if err != nil {
			m.snap.Err = err
			return
		}
		if m.snap.Status != StatusPreviewReady && m.snap.Status != StatusCreated {
			m.logger.Debug("dropping trip.created outside active request", "status", string(m.snap.Status))
			return
		}
		m.snap.Trip = &trip
		m.snap.Status = StatusCreated

	case protocol.TripEventNoDriversFound:
		if m.snap.Status != StatusCreated {
			return
		}
		m.snap.Status = StatusNoDriversFound

	case protocol.TripEventDriverAssigned:
		if m.snap.Status != StatusCreated {
			return
		}
		trip, err := protocol.DecodeTrip(env)
		if err != nil {
			m.snap.Err = err
			return
		}
		m.snap.Trip = &trip
		m.snap.AssignedDriver = trip.Driver
		m.snap.Status = StatusDriverAssigned

	case protocol.TripEventPaymentSessionCreated:
		if m.snap.Status != StatusDriverAssigned {
			return
		}
		pay, err := protocol.DecodePaymentSession(env)
		if err != nil {
			m.snap.Err = err
			return
		}
		m.snap.Payment = &pay
		m.snap.Status = StatusPaymentRequired

	case protocol.TripEventCompleted:
		if m.snap.Status != StatusDriverAssigned && m.snap.Status != StatusPaymentRequired {
			return
		}
		if trip, err := protocol.DecodeTrip(env); err == nil {
			m.snap.Trip = &trip
		}
		m.snap.Status = StatusCompleted

	case protocol.TripEventCancelled:
		m.cancelLocked()
	}
}

// OnError records a session-level error (transport or protocol) as
// observable state. Nothing here is fatal.
func (m *Machine) OnError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.Err = err
}

// Preview asks the routing/pricing collaborator for a candidate route and
// fare set. Calls follow a single-slot latest-request-wins discipline: a new
// preview cancels any in-flight older one, and a stale result is never
// applied over a fresher request.
func (m *Machine) Preview(ctx context.Context, pickup, destination models.Coordinate) (*models.TripPreview, error) {
	if !pickup.Valid() || !destination.Valid() {
		return nil, &models.PreconditionError{Action: "trip preview", Missing: "valid coordinates"}
	}
	m.mu.Lock()
	if m.snap.Trip != nil {
		m.mu.Unlock()
		return nil, &models.PreconditionError{Action: "trip preview", Missing: "no committed trip"}
	}
	if m.previewCancel != nil {
		m.previewCancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	m.previewCancel = cancel
	m.previewSeq++
	seq := m.previewSeq
	m.mu.Unlock()

	preview, err := m.trips.PreviewTrip(ctx, m.userID, pickup, destination)

	m.mu.Lock()
	defer m.mu.Unlock()
	if seq != m.previewSeq {
		// a newer preview superseded this one; drop the result
		return nil, context.Canceled
	}
	m.previewCancel = nil
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		m.snap.Err = err
		return nil, err
	}
	m.snap.Preview = preview
	m.snap.Status = StatusPreviewReady
	m.snap.Err = nil
	return preview, nil
}

// StartTrip commits the selected fare. The fare must come from the current
// preview and be within its validity horizon; an expired fare is rejected
// before the external call is attempted.
func (m *Machine) StartTrip(ctx context.Context, rideFareID string) (string, error) {
	m.mu.Lock()
	if m.snap.Preview == nil {
		m.mu.Unlock()
		return "", &models.PreconditionError{Action: "trip start", Missing: "preview"}
	}
	var fare *models.RouteFare
	for i := range m.snap.Preview.RideFares {
		if m.snap.Preview.RideFares[i].ID == rideFareID {
			fare = &m.snap.Preview.RideFares[i]
			break
		}
	}
	if fare == nil {
		m.mu.Unlock()
		return "", &models.PreconditionError{Action: "trip start", Missing: "fare " + rideFareID}
	}
	if fare.Expired(m.now()) {
		m.mu.Unlock()
		return "", &models.ExpiredResourceError{Resource: "fare", ID: fare.ID, ExpiredAt: fare.ExpiresAt}
	}
	selected := *fare
	m.mu.Unlock()

	tripID, err := m.trips.StartTrip(ctx, rideFareID, m.userID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.snap.Err = err
		return "", err
	}
	m.snap.Trip = &models.Trip{
		ID:           tripID,
		UserID:       m.userID,
		Status:       models.TripStatusCreated,
		SelectedFare: selected,
		Route:        selected.Route,
	}
	m.snap.Status = StatusCreated
	m.snap.Err = nil
	return tripID, nil
}

// Cancel abandons the current ride attempt. Trip, preview and payment
// session are cleared together; partial resets are forbidden.
func (m *Machine) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelLocked()
}

func (m *Machine) cancelLocked() {
	if m.previewCancel != nil {
		m.previewCancel()
		m.previewCancel = nil
	}
	m.previewSeq++ // invalidate any in-flight preview
	m.snap.Trip = nil
	m.snap.Preview = nil
	m.snap.Payment = nil
	m.snap.AssignedDriver = nil
	m.snap.Status = StatusCancelled
}

// Reset returns the machine to Idle from a terminal or cancelled status so
// a new ride attempt can begin. The visible driver roster is kept.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.snap.Status.terminal() && m.snap.Status != StatusIdle {
		m.cancelLocked()
	}
	m.snap.Trip = nil
	m.snap.Preview = nil
	m.snap.Payment = nil
	m.snap.AssignedDriver = nil
	m.snap.Err = nil
	m.snap.Status = StatusIdle
}
