package models

import "time"

// Coordinate is a WGS84 point.
type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Valid reports whether the coordinate is inside the legal lat/lon ranges.
func (c Coordinate) Valid() bool {
	return c.Latitude >= -90 && c.Latitude <= 90 &&
		c.Longitude >= -180 && c.Longitude <= 180
}

type Geometry struct {
	Coordinates []Coordinate `json:"coordinates"`
}

type Route struct {
	Geometry []Geometry `json:"geometry"`
	Duration float64    `json:"duration"` // seconds
	Distance float64    `json:"distance"` // meters
}

// Car packages a driver can offer.
const (
	PackageSedan  = "sedan"
	PackageSUV    = "suv"
	PackageVan    = "van"
	PackageLuxury = "luxury"
)

// KnownPackage reports whether slug is one of the supported car packages.
func KnownPackage(slug string) bool {
	switch slug {
	case PackageSedan, PackageSUV, PackageVan, PackageLuxury:
		return true
	}
	return false
}

// RouteFare is a priced, time-bounded offer for one car package on one route.
type RouteFare struct {
	ID                string    `json:"id"`
	PackageSlug       string    `json:"packageSlug"`
	BasePrice         float64   `json:"basePrice"`
	TotalPriceInCents int64     `json:"totalPriceInCents,omitempty"`
	ExpiresAt         time.Time `json:"expiresAt"`
	Route             Route     `json:"route"`
}

// Expired reports whether the fare's validity horizon has passed.
func (f RouteFare) Expired(now time.Time) bool {
	return !f.ExpiresAt.IsZero() && now.After(f.ExpiresAt)
}

type Driver struct {
	ID             string     `json:"id"`
	Location       Coordinate `json:"location"`
	Geohash        string     `json:"geohash"`
	Name           string     `json:"name"`
	ProfilePicture string     `json:"profilePicture"`
	CarPlate       string     `json:"carPlate"`
	PackageSlug    string     `json:"packageSlug"`
}

// Trip statuses as stored and broadcast by the gateway.
const (
	TripStatusCreated   = "created"
	TripStatusAssigned  = "assigned"
	TripStatusCompleted = "completed"
	TripStatusCancelled = "cancelled"
)

// Trip is the committed ride. It is replaced wholesale on every relevant
// event; clients never patch individual fields.
type Trip struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userID"`
	Status       string    `json:"status"`
	SelectedFare RouteFare `json:"selectedFare"`
	Route        Route     `json:"route"`
	Driver       *Driver   `json:"driver,omitempty"`
}

// TripPreview is an uncommitted candidate route plus the fares it produced.
type TripPreview struct {
	Route     Route       `json:"route"`
	RideFares []RouteFare `json:"rideFares"`
}

// PaymentSession is an opaque handle to the external payment provider.
// It is stored and handed off verbatim, never re-derived locally.
type PaymentSession struct {
	TripID    string `json:"tripID"`
	SessionID string `json:"sessionID"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
}
