// Package driver holds the driver-side reducer. A driver must be registered
// before it can be matched; a trip request is only actionable while Idle,
// and a busy driver rejects further requests by declining them.
package driver

import (
	"log/slog"
	"sync"

	"github.com/example/ride-stream/internal/models"
	"github.com/example/ride-stream/internal/protocol"
)

// Status is the driver-observable trip status.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRequested Status = "requested"
	StatusAccepted  Status = "accepted"
	StatusDeclined  Status = "declined"
)

// Sender is the outbound half of the channel; *session.Session satisfies it.
type Sender interface {
	Send(env protocol.Envelope) error
}

// Snapshot is the driver's observable state.
type Snapshot struct {
	Status        Status
	Identity      *models.Driver
	RequestedTrip *models.Trip
	Err           error
}

// Machine is the driver state machine. It implements session.Handler.
type Machine struct {
	sender Sender
	logger *slog.Logger

	mu   sync.Mutex
	snap Snapshot
}

func NewMachine(sender Sender, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		sender: sender,
		logger: logger,
		snap:   Snapshot{Status: StatusIdle},
	}
}

// Snapshot returns a copy of the current observable state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// OnEnvelope applies one validated inbound envelope.
func (m *Machine) OnEnvelope(env protocol.Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch env.Type {
	case protocol.DriverCmdRegister:
		d, err := protocol.DecodeDriver(env)
		if err != nil {
			m.snap.Err = err
			return
		}
		m.snap.Identity = &d

	case protocol.DriverCmdTripRequest:
		trip, err := protocol.DecodeTrip(env)
		if err != nil {
			m.snap.Err = err
			return
		}
		if m.snap.Identity == nil {
			// not matchable until registration confirmation arrives
			m.snap.Err = &models.PreconditionError{Action: "trip request", Missing: "registered identity"}
			return
		}
		if m.snap.Status != StatusIdle {
			// busy: reject the new request, keep current state
			m.logger.Info("rejecting trip request while busy",
				"trip_id", trip.ID, "status", string(m.snap.Status))
			m.declineLocked(&trip)
			return
		}
		m.snap.RequestedTrip = &trip
		m.snap.Status = StatusRequested

	case protocol.TripEventCompleted, protocol.TripEventCancelled:
		m.snap.RequestedTrip = nil
		m.snap.Status = StatusIdle
	}
}

// OnError records a session-level error as observable state.
func (m *Machine) OnError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.Err = err
}

// Accept answers the pending trip request. The trip id, rider id and the
// driver's own registered identity are all required; any missing one is a
// precondition failure with no network effect.
func (m *Machine) Accept() error {
	m.mu.Lock()
	env, err := m.responseLocked(protocol.DriverCmdTripAccept)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	if err := m.sender.Send(env); err != nil {
		m.mu.Lock()
		m.snap.Err = err
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	m.snap.Status = StatusAccepted
	m.mu.Unlock()
	return nil
}

// Decline answers the pending trip request negatively and resets to Idle.
// Request data never stays resident after a decline.
func (m *Machine) Decline() error {
	m.mu.Lock()
	env, err := m.responseLocked(protocol.DriverCmdTripDecline)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	if err := m.sender.Send(env); err != nil {
		m.mu.Lock()
		m.snap.Err = err
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	m.snap.RequestedTrip = nil
	m.snap.Status = StatusIdle
	m.mu.Unlock()
	return nil
}

func (m *Machine) responseLocked(tag string) (protocol.Envelope, error) {
	action := "trip accept"
	if tag == protocol.DriverCmdTripDecline {
		action = "trip decline"
	}
	switch {
	case m.snap.RequestedTrip == nil || m.snap.RequestedTrip.ID == "":
		return protocol.Envelope{}, &models.PreconditionError{Action: action, Missing: "trip id"}
	case m.snap.RequestedTrip.UserID == "":
		return protocol.Envelope{}, &models.PreconditionError{Action: action, Missing: "rider id"}
	case m.snap.Identity == nil:
		return protocol.Envelope{}, &models.PreconditionError{Action: action, Missing: "registered identity"}
	}
	return protocol.NewEnvelope(tag, protocol.TripResponse{
		TripID:  m.snap.RequestedTrip.ID,
		RiderID: m.snap.RequestedTrip.UserID,
		Driver:  *m.snap.Identity,
	})
}

// declineLocked sends a decline for a trip that is not the pending one, used
// to reject requests arriving while busy. Best-effort: a send failure is
// recorded but does not disturb the current trip.
func (m *Machine) declineLocked(trip *models.Trip) {
	if m.snap.Identity == nil {
		return
	}
	env, err := protocol.NewEnvelope(protocol.DriverCmdTripDecline, protocol.TripResponse{
		TripID:  trip.ID,
		RiderID: trip.UserID,
		Driver:  *m.snap.Identity,
	})
	if err != nil {
		return
	}
	if err := m.sender.Send(env); err != nil {
		m.snap.Err = err
	}
}

// Reset returns the machine to Idle, clearing any request data.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.RequestedTrip = nil
	m.snap.Err = nil
	m.snap.Status = StatusIdle
}
