// Package session manages the lifecycle of one persistent duplex connection
// for a single role and identity. Inbound frames are validated and handed to
// the bound handler strictly in arrival order; ordering across reconnects is
// not guaranteed.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/ride-stream/internal/models"
	"github.com/example/ride-stream/internal/protocol"
)

// Role tags the session with the participant it carries.
type Role string

const (
	RoleRider  Role = "rider"
	RoleDriver Role = "driver"
)

// State of the underlying connection.
type State int

const (
	Connecting State = iota
	Open
	Closing
	Closed
	Faulted
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	case Faulted:
		return "faulted"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// TransportError reports a failure of the channel itself: dial, read or
// write. The session moves to Faulted; recovery is a fresh Dial.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// ErrNotOpen is wrapped by Send when the session cannot carry messages.
var ErrNotOpen = fmt.Errorf("session not open")

// Handler consumes validated envelopes and session-level errors. Both
// callbacks run on the session's single receive goroutine, so arrival order
// equals dispatch order.
type Handler interface {
	OnEnvelope(env protocol.Envelope)
	OnError(err error)
}

// Options configures a Dial.
type Options struct {
	// BaseURL is the gateway websocket origin, e.g. "ws://localhost:8080".
	BaseURL string
	Role    Role
	UserID  string
	// PackageSlug is required for driver sessions.
	PackageSlug string
	// InitialLocation, when set, is reported once immediately after the
	// session opens. The report is at-most-once and never retried.
	InitialLocation *models.Coordinate
	// Geohash accompanies the initial location for driver sessions.
	Geohash string
	Handler Handler
	Logger  *slog.Logger
	Dialer  *websocket.Dialer
}

// Session is one channel session. All sends are serialized; the receive loop
// runs on its own goroutine until the connection closes or faults.
type Session struct {
	role   Role
	userID string
	logger *slog.Logger

	handler Handler

	mu    sync.Mutex
	state State
	conn  *websocket.Conn

	done chan struct{}
}

// Dial opens a session and, if an initial location was provided, emits the
// one-shot location report before the receive loop starts.
func Dial(ctx context.Context, opts Options) (*Session, error) {
	if opts.UserID == "" {
		return nil, &models.PreconditionError{Action: "session dial", Missing: "userID"}
	}
	if opts.Role == RoleDriver && opts.PackageSlug == "" {
		return nil, &models.PreconditionError{Action: "session dial", Missing: "packageSlug"}
	}
	if opts.Handler == nil {
		return nil, &models.PreconditionError{Action: "session dial", Missing: "handler"}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Session{
		role:    opts.Role,
		userID:  opts.UserID,
		logger:  logger,
		handler: opts.Handler,
		state:   Connecting,
		done:    make(chan struct{}),
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, endpointURL(opts), nil)
	if err != nil {
		s.setState(Faulted)
		return nil, &TransportError{Op: "dial", Err: err}
	}

	s.mu.Lock()
	s.conn = conn
	s.state = Open
	s.mu.Unlock()
	logger.Info("session open", "role", string(opts.Role), "user_id", opts.UserID)

	if opts.InitialLocation != nil {
		env, err := protocol.NewEnvelope(protocol.DriverCmdLocation, protocol.LocationUpdate{
			Location: *opts.InitialLocation,
			Geohash:  opts.Geohash,
		})
		if err == nil {
			if err := s.Send(env); err != nil {
				// at-most-once: report, do not retry
				s.handler.OnError(err)
			}
		}
	}

	go s.readLoop()
	return s, nil
}

func endpointURL(opts Options) string {
	path := protocol.RidersPath
	q := url.Values{"userID": {opts.UserID}}
	if opts.Role == RoleDriver {
		path = protocol.DriversPath
		q.Set("packageSlug", opts.PackageSlug)
	}
	return opts.BaseURL + path + "?" + q.Encode()
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Done is closed when the receive loop has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Send writes one envelope. It fails locally when the session is not Open;
// there is no buffering or retry, the caller reacts to the error.
func (s *Session) Send(env protocol.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Open {
		return &TransportError{Op: "send", Err: fmt.Errorf("%w (%s)", ErrNotOpen, s.state)}
	}
	if err := s.conn.WriteJSON(env); err != nil {
		s.state = Faulted
		return &TransportError{Op: "send", Err: err}
	}
	return nil
}

// Close tears the session down. Closing an already closing or closed session
// is a no-op, never an error.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == Closing || s.state == Closed {
		s.mu.Unlock()
		return nil
	}
	s.state = Closing
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}

	s.setState(Closed)
	s.logger.Info("session closed", "role", string(s.role), "user_id", s.userID)
	return nil
}

// readLoop parses, validates and dispatches inbound frames one at a time.
// Protocol errors are surfaced to the handler and the loop continues;
// transport errors fault the session and end the loop.
func (s *Session) readLoop() {
	defer close(s.done)
	for {
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			closing := s.state == Closing || s.state == Closed
			if !closing {
				s.state = Faulted
			}
			s.mu.Unlock()
			if !closing {
				s.handler.OnError(&TransportError{Op: "receive", Err: err})
			}
			return
		}

		env, err := protocol.Parse(frame)
		if err != nil {
			s.logger.Warn("invalid envelope", "role", string(s.role), "error", err)
			s.handler.OnError(err)
			continue
		}
		s.handler.OnEnvelope(env)
	}
}
