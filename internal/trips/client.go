package trips

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ride-stream/internal/models"
	"github.com/example/ride-stream/internal/protocol"
)

// ExternalCallError reports a failed preview/start call. No local state is
// mutated when one is returned.
type ExternalCallError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *ExternalCallError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: unexpected status %d", e.Op, e.StatusCode)
}

func (e *ExternalCallError) Unwrap() error { return e.Err }

// Client calls the gateway's trip endpoints. It is the request/response half
// of the rider core; responses use the {data, error} envelope.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{BaseURL: baseURL, HTTPClient: &http.Client{Timeout: 5 * time.Second}}
}

type apiResponse struct {
	Data  json.RawMessage `json:"data,omitempty"`
	Error *apiError       `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type previewRequest struct {
	UserID      string            `json:"userID"`
	Pickup      models.Coordinate `json:"pickup"`
	Destination models.Coordinate `json:"destination"`
}

type startRequest struct {
	RideFareID string `json:"rideFareID"`
	UserID     string `json:"userID"`
}

type startResponse struct {
	TripID string `json:"tripID"`
}

type cancelRequest struct {
	TripID string `json:"tripID"`
	UserID string `json:"userID"`
}

// PreviewTrip requests a candidate route and fare set.
func (c *Client) PreviewTrip(ctx context.Context, userID string, pickup, destination models.Coordinate) (*models.TripPreview, error) {
	var preview models.TripPreview
	err := c.post(ctx, protocol.PreviewTripPath, previewRequest{
		UserID:      userID,
		Pickup:      pickup,
		Destination: destination,
	}, &preview)
	if err != nil {
		return nil, err
	}
	return &preview, nil
}

// StartTrip commits a fare and returns the created trip id. A non-OK status
// surfaces a typed failure, never a partial result.
func (c *Client) StartTrip(ctx context.Context, rideFareID, userID string) (string, error) {
	var out startResponse
	err := c.post(ctx, protocol.StartTripPath, startRequest{RideFareID: rideFareID, UserID: userID}, &out)
	if err != nil {
		return "", err
	}
	if out.TripID == "" {
		return "", &ExternalCallError{Op: "trip start", Err: fmt.Errorf("response missing tripID")}
	}
	return out.TripID, nil
}

// CancelTrip abandons the committed trip server-side; the gateway notifies
// both participants with the closing snapshot.
func (c *Client) CancelTrip(ctx context.Context, tripID, userID string) error {
	var out struct {
		Status string `json:"status"`
	}
	return c.post(ctx, protocol.CancelTripPath, cancelRequest{TripID: tripID, UserID: userID}, &out)
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	op := "trip preview"
	switch path {
	case protocol.StartTripPath:
		op = "trip start"
	case protocol.CancelTripPath:
		op = "trip cancel"
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return &ExternalCallError{Op: op, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return &ExternalCallError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &ExternalCallError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	var envelope apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		if resp.StatusCode != http.StatusOK {
			return &ExternalCallError{Op: op, StatusCode: resp.StatusCode}
		}
		return &ExternalCallError{Op: op, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		if envelope.Error != nil {
			return &ExternalCallError{Op: op, StatusCode: resp.StatusCode,
				Err: fmt.Errorf("%s: %s", envelope.Error.Code, envelope.Error.Message)}
		}
		return &ExternalCallError{Op: op, StatusCode: resp.StatusCode}
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return &ExternalCallError{Op: op, Err: err}
	}
	return nil
}
