package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/example/ride-stream/internal/models"
)

func mustEnvelope(t *testing.T, tag string, v any) Envelope {
	t.Helper()
	env, err := NewEnvelope(tag, v)
	if err != nil {
		t.Fatalf("NewEnvelope(%s): %v", tag, err)
	}
	return env
}

func TestValidateAcceptsWellFormedEnvelopes(t *testing.T) {
	driver := models.Driver{
		ID:          "d1",
		Location:    models.Coordinate{Latitude: 37.7749, Longitude: -122.4194},
		Geohash:     "9q8yyk8",
		Name:        "Alice",
		CarPlate:    "ABC-123",
		PackageSlug: models.PackageSedan,
	}
	trip := models.Trip{ID: "t1", UserID: "r1", Status: models.TripStatusCreated}
	assigned := trip
	assigned.Driver = &driver

	cases := []Envelope{
		mustEnvelope(t, TripEventNoDriversFound, nil),
		mustEnvelope(t, TripEventCreated, trip),
		mustEnvelope(t, TripEventDriverAssigned, assigned),
		mustEnvelope(t, TripEventCompleted, trip),
		mustEnvelope(t, TripEventCancelled, trip),
		mustEnvelope(t, TripEventPaymentSessionCreated, models.PaymentSession{
			TripID: "t1", SessionID: "cs_1", Amount: 500, Currency: "usd",
		}),
		mustEnvelope(t, DriverCmdLocation, LocationUpdate{Location: driver.Location, Geohash: driver.Geohash}),
		mustEnvelope(t, DriverCmdLocation, []models.Driver{driver}),
		mustEnvelope(t, DriverCmdTripRequest, trip),
		mustEnvelope(t, DriverCmdTripAccept, TripResponse{TripID: "t1", RiderID: "r1", Driver: driver}),
		mustEnvelope(t, DriverCmdTripDecline, TripResponse{TripID: "t1", RiderID: "r1", Driver: driver}),
		mustEnvelope(t, DriverCmdRegister, driver),
	}
	for _, env := range cases {
		if err := Validate(env); err != nil {
			t.Errorf("Validate(%s) = %v, want nil", env.Type, err)
		}
	}
}

func TestValidateRejectsUnknownType(t *testing.T) {
	err := Validate(Envelope{Type: "trip.event.exploded"})
	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("want *Error, got %v", err)
	}
	if perr.RawType != "trip.event.exploded" {
		t.Fatalf("RawType = %q", perr.RawType)
	}
}

// A taxonomy-member type with a malformed payload must still be rejected;
// tag membership alone is not validity.
func TestValidateRejectsKnownTypeWithBadPayload(t *testing.T) {
	cases := []Envelope{
		{Type: TripEventCreated, Data: json.RawMessage(`{}`)},
		{Type: TripEventCreated, Data: json.RawMessage(`{"id":"t1"}`)},
		{Type: TripEventCreated},
		{Type: TripEventDriverAssigned, Data: json.RawMessage(`{"id":"t1","userID":"r1"}`)},
		{Type: TripEventPaymentSessionCreated, Data: json.RawMessage(`{"tripID":"t1","sessionID":"s1","currency":"usd"}`)},
		{Type: TripEventPaymentSessionCreated, Data: json.RawMessage(`{"tripID":"t1","amount":500,"currency":"usd"}`)},
		{Type: DriverCmdLocation, Data: json.RawMessage(`{"geohash":"9q8yyk8"}`)},
		{Type: DriverCmdLocation, Data: json.RawMessage(`{"location":{"latitude":95,"longitude":0}}`)},
		{Type: DriverCmdTripAccept, Data: json.RawMessage(`{"tripID":"t1"}`)},
		{Type: DriverCmdRegister, Data: json.RawMessage(`{"name":"Bob"}`)},
		{Type: TripEventNoDriversFound, Data: json.RawMessage(`{"surprise":true}`)},
	}
	for _, env := range cases {
		err := Validate(env)
		var perr *Error
		if !errors.As(err, &perr) {
			t.Errorf("Validate(%s %s) = %v, want *Error", env.Type, env.Data, err)
		}
	}
}

func TestParseMalformedFrame(t *testing.T) {
	_, err := Parse([]byte(`{not json`))
	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("want *Error, got %v", err)
	}
}

func TestNewEnvelopeRejectsUnknownTag(t *testing.T) {
	if _, err := NewEnvelope("nope", nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	p := models.PaymentSession{TripID: "t1", SessionID: "cs_1", Amount: 1200, Currency: "usd"}
	env := mustEnvelope(t, TripEventPaymentSessionCreated, p)
	frame, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := Parse(frame)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodePaymentSession(parsed)
	if err != nil {
		t.Fatal(err)
	}
	if got != p {
		t.Fatalf("got %+v, want %+v", got, p)
	}
}
