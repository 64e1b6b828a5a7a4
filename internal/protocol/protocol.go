// Package protocol defines the closed set of event envelopes exchanged over
// a ride channel and the structural validation both roles apply to them.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/example/ride-stream/internal/models"
)

// Wire tags. These are stable across versions; both roles validate against
// the same set.
const (
	TripEventNoDriversFound        = "trip.event.no_drivers_found"
	TripEventDriverAssigned        = "trip.event.driver_assigned"
	TripEventCompleted             = "trip.event.completed"
	TripEventCancelled             = "trip.event.cancelled"
	TripEventCreated               = "trip.event.created"
	TripEventPaymentSessionCreated = "trip.event.payment_session_created"

	DriverCmdLocation    = "driver.cmd.location"
	DriverCmdTripRequest = "driver.cmd.trip_request"
	DriverCmdTripAccept  = "driver.cmd.trip_accept"
	DriverCmdTripDecline = "driver.cmd.trip_decline"
	DriverCmdRegister    = "driver.cmd.register"
)

// Channel and HTTP endpoint paths served by the gateway.
const (
	RidersPath      = "/ws/riders"
	DriversPath     = "/ws/drivers"
	PreviewTripPath = "/trip/preview"
	StartTripPath   = "/trip/start"
	CancelTripPath  = "/trip/cancel"
)

// Envelope is the tagged message carried on the channel. Type determines
// the shape of Data.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Known reports whether t is a member of the taxonomy.
func Known(t string) bool {
	switch t {
	case TripEventNoDriversFound, TripEventDriverAssigned, TripEventCompleted,
		TripEventCancelled, TripEventCreated, TripEventPaymentSessionCreated,
		DriverCmdLocation, DriverCmdTripRequest, DriverCmdTripAccept,
		DriverCmdTripDecline, DriverCmdRegister:
		return true
	}
	return false
}

// Error is a non-fatal protocol violation: an envelope whose type is outside
// the taxonomy or whose data does not match the shape for its type. The
// session stays open; the error is surfaced to the consuming state machine.
type Error struct {
	Reason  string
	RawType string
}

func (e *Error) Error() string {
	return fmt.Sprintf("protocol: %s (type %q)", e.Reason, e.RawType)
}

// LocationUpdate is the client-to-server location report. Geohash is set by
// drivers and empty for riders.
type LocationUpdate struct {
	Location models.Coordinate `json:"location"`
	Geohash  string            `json:"geohash,omitempty"`
}

// TripResponse is the driver's accept/decline answer to a trip request.
type TripResponse struct {
	TripID  string        `json:"tripID"`
	RiderID string        `json:"riderID"`
	Driver  models.Driver `json:"driver"`
}

// NewEnvelope marshals v into a tagged envelope. The tag must be a taxonomy
// member.
func NewEnvelope(tag string, v any) (Envelope, error) {
	if !Known(tag) {
		return Envelope{}, &Error{Reason: "unknown event type", RawType: tag}
	}
	if v == nil {
		return Envelope{Type: tag}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("protocol: marshal %s payload: %w", tag, err)
	}
	return Envelope{Type: tag, Data: b}, nil
}

// Parse decodes a raw frame into an envelope and validates it. Malformed
// frames and invalid envelopes both yield a *Error.
func Parse(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, &Error{Reason: "malformed frame: " + err.Error()}
	}
	if err := Validate(env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Validate checks that the envelope's type is a taxonomy member and that its
// data matches the shape associated with that type. Membership of the tag
// alone is not sufficient.
func Validate(env Envelope) error {
	v, ok := validators[env.Type]
	if !ok {
		return &Error{Reason: "unknown event type", RawType: env.Type}
	}
	if err := v(env.Data); err != nil {
		return &Error{Reason: err.Error(), RawType: env.Type}
	}
	return nil
}

var validators = map[string]func(json.RawMessage) error{
	TripEventNoDriversFound:        validateEmpty,
	TripEventCreated:               validateTrip,
	TripEventDriverAssigned:        validateAssignedTrip,
	TripEventCompleted:             validateTrip,
	TripEventCancelled:             validateTrip,
	TripEventPaymentSessionCreated: validatePaymentSession,
	DriverCmdLocation:              validateLocation,
	DriverCmdTripRequest:           validateTrip,
	DriverCmdTripAccept:            validateTripResponse,
	DriverCmdTripDecline:           validateTripResponse,
	DriverCmdRegister:              validateDriver,
}

func validateEmpty(data json.RawMessage) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	// tolerate an empty object; anything else is noise
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil || len(m) != 0 {
		return fmt.Errorf("unexpected payload")
	}
	return nil
}

func validateTrip(data json.RawMessage) error {
	t, err := decodeTrip(data)
	if err != nil {
		return err
	}
	if t.ID == "" {
		return fmt.Errorf("trip payload missing id")
	}
	if t.UserID == "" {
		return fmt.Errorf("trip payload missing userID")
	}
	return nil
}

func validateAssignedTrip(data json.RawMessage) error {
	if err := validateTrip(data); err != nil {
		return err
	}
	t, _ := decodeTrip(data)
	if t.Driver == nil || t.Driver.ID == "" {
		return fmt.Errorf("assigned trip missing driver")
	}
	return nil
}

func validatePaymentSession(data json.RawMessage) error {
	var p models.PaymentSession
	if err := strictUnmarshal(data, &p); err != nil {
		return err
	}
	switch {
	case p.TripID == "":
		return fmt.Errorf("payment session missing tripID")
	case p.SessionID == "":
		return fmt.Errorf("payment session missing sessionID")
	case p.Amount <= 0:
		return fmt.Errorf("payment session amount must be positive")
	case p.Currency == "":
		return fmt.Errorf("payment session missing currency")
	}
	return nil
}

func validateLocation(data json.RawMessage) error {
	// Two shapes share this tag: the client-to-server location report and
	// the server-to-rider roster broadcast.
	var drivers []models.Driver
	if err := json.Unmarshal(data, &drivers); err == nil {
		for _, d := range drivers {
			if d.ID == "" {
				return fmt.Errorf("roster entry missing id")
			}
			if !d.Location.Valid() {
				return fmt.Errorf("roster entry %s has invalid location", d.ID)
			}
		}
		return nil
	}
	var u struct {
		Location *models.Coordinate `json:"location"`
		Geohash  string             `json:"geohash"`
	}
	if err := strictUnmarshal(data, &u); err != nil {
		return err
	}
	if u.Location == nil {
		return fmt.Errorf("location update missing location")
	}
	if !u.Location.Valid() {
		return fmt.Errorf("location out of range")
	}
	return nil
}

func validateTripResponse(data json.RawMessage) error {
	var r TripResponse
	if err := strictUnmarshal(data, &r); err != nil {
		return err
	}
	switch {
	case r.TripID == "":
		return fmt.Errorf("trip response missing tripID")
	case r.RiderID == "":
		return fmt.Errorf("trip response missing riderID")
	case r.Driver.ID == "":
		return fmt.Errorf("trip response missing driver")
	}
	return nil
}

func validateDriver(data json.RawMessage) error {
	var d models.Driver
	if err := strictUnmarshal(data, &d); err != nil {
		return err
	}
	if d.ID == "" {
		return fmt.Errorf("driver payload missing id")
	}
	if !d.Location.Valid() {
		return fmt.Errorf("driver %s has invalid location", d.ID)
	}
	return nil
}

func decodeTrip(data json.RawMessage) (models.Trip, error) {
	var t models.Trip
	if err := strictUnmarshal(data, &t); err != nil {
		return models.Trip{}, err
	}
	return t, nil
}

func strictUnmarshal(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("missing payload")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("malformed payload: %w", err)
	}
	return nil
}

// Typed decode helpers. Each assumes Validate already passed and returns the
// payload for its tag.

func DecodeRoster(env Envelope) ([]models.Driver, error) {
	var drivers []models.Driver
	if err := json.Unmarshal(env.Data, &drivers); err != nil {
		return nil, &Error{Reason: "malformed roster: " + err.Error(), RawType: env.Type}
	}
	return drivers, nil
}

func DecodeLocationUpdate(env Envelope) (LocationUpdate, error) {
	var u LocationUpdate
	if err := strictUnmarshal(env.Data, &u); err != nil {
		return LocationUpdate{}, &Error{Reason: err.Error(), RawType: env.Type}
	}
	return u, nil
}

func DecodeTrip(env Envelope) (models.Trip, error) {
	t, err := decodeTrip(env.Data)
	if err != nil {
		return models.Trip{}, &Error{Reason: err.Error(), RawType: env.Type}
	}
	return t, nil
}

func DecodeDriver(env Envelope) (models.Driver, error) {
	var d models.Driver
	if err := strictUnmarshal(env.Data, &d); err != nil {
		return models.Driver{}, &Error{Reason: err.Error(), RawType: env.Type}
	}
	return d, nil
}

func DecodePaymentSession(env Envelope) (models.PaymentSession, error) {
	var p models.PaymentSession
	if err := strictUnmarshal(env.Data, &p); err != nil {
		return models.PaymentSession{}, &Error{Reason: err.Error(), RawType: env.Type}
	}
	return p, nil
}

func DecodeTripResponse(env Envelope) (TripResponse, error) {
	var r TripResponse
	if err := strictUnmarshal(env.Data, &r); err != nil {
		return TripResponse{}, &Error{Reason: err.Error(), RawType: env.Type}
	}
	return r, nil
}
