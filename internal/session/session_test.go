package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-stream/internal/models"
	"github.com/example/ride-stream/internal/protocol"
)

type recordingHandler struct {
	mu        sync.Mutex
	envelopes []protocol.Envelope
	errs      []error
	notify    chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{notify: make(chan struct{}, 64)}
}

func (h *recordingHandler) OnEnvelope(env protocol.Envelope) {
	h.mu.Lock()
	h.envelopes = append(h.envelopes, env)
	h.mu.Unlock()
	h.notify <- struct{}{}
}

func (h *recordingHandler) OnError(err error) {
	h.mu.Lock()
	h.errs = append(h.errs, err)
	h.mu.Unlock()
	h.notify <- struct{}{}
}

func (h *recordingHandler) wait(t *testing.T, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		h.mu.Lock()
		total := len(h.envelopes) + len(h.errs)
		h.mu.Unlock()
		if total >= n {
			return
		}
		select {
		case <-h.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d callbacks", n)
		}
	}
}

type wsServer struct {
	*httptest.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns []*websocket.Conn

	gotFrames chan []byte
	gotURL    chan string
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{
		gotFrames: make(chan []byte, 64),
		gotURL:    make(chan string, 8),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.gotURL <- r.URL.String()
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		for {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.gotFrames <- frame
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *wsServer) baseURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *wsServer) send(t *testing.T, env protocol.Envelope) {
	t.Helper()
	s.sendRaw(t, mustMarshal(t, env))
}

func (s *wsServer) sendRaw(t *testing.T, frame []byte) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		t.Fatal("no server-side connection")
	}
	if err := s.conns[len(s.conns)-1].WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestDialSendsInitialLocationOnce(t *testing.T) {
	srv := newWSServer(t)
	h := newRecordingHandler()

	loc := models.Coordinate{Latitude: 37.7749, Longitude: -122.4194}
	sess, err := Dial(context.Background(), Options{
		BaseURL:         srv.baseURL(),
		Role:            RoleDriver,
		UserID:          "d1",
		PackageSlug:     models.PackageSedan,
		InitialLocation: &loc,
		Geohash:         "9q8yyk8",
		Handler:         h,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer sess.Close()

	u := <-srv.gotURL
	if !strings.Contains(u, protocol.DriversPath) || !strings.Contains(u, "userID=d1") || !strings.Contains(u, "packageSlug=sedan") {
		t.Fatalf("unexpected dial URL %q", u)
	}

	select {
	case frame := <-srv.gotFrames:
		env, err := protocol.Parse(frame)
		if err != nil {
			t.Fatalf("parse initial report: %v", err)
		}
		if env.Type != protocol.DriverCmdLocation {
			t.Fatalf("initial report type = %s", env.Type)
		}
		upd, err := protocol.DecodeLocationUpdate(env)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if upd.Location != loc || upd.Geohash != "9q8yyk8" {
			t.Fatalf("unexpected report: %+v", upd)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("initial location report never arrived")
	}

	// exactly once
	select {
	case frame := <-srv.gotFrames:
		t.Fatalf("unexpected second frame: %s", frame)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRiderDialOmitsLocationWhenUnset(t *testing.T) {
	srv := newWSServer(t)
	h := newRecordingHandler()

	sess, err := Dial(context.Background(), Options{
		BaseURL: srv.baseURL(),
		Role:    RoleRider,
		UserID:  "r1",
		Handler: h,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer sess.Close()

	u := <-srv.gotURL
	if !strings.Contains(u, protocol.RidersPath) {
		t.Fatalf("unexpected dial URL %q", u)
	}

	select {
	case frame := <-srv.gotFrames:
		t.Fatalf("unexpected frame: %s", frame)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDialPreconditions(t *testing.T) {
	h := newRecordingHandler()
	cases := []Options{
		{BaseURL: "ws://x", Role: RoleRider, Handler: h},                 // no userID
		{BaseURL: "ws://x", Role: RoleDriver, UserID: "d1", Handler: h},  // no packageSlug
		{BaseURL: "ws://x", Role: RoleRider, UserID: "r1", Handler: nil}, // no handler
	}
	for i, opts := range cases {
		_, err := Dial(context.Background(), opts)
		var pre *models.PreconditionError
		if !errors.As(err, &pre) {
			t.Fatalf("case %d: expected PreconditionError, got %v", i, err)
		}
	}
}

func TestDispatchFollowsArrivalOrder(t *testing.T) {
	srv := newWSServer(t)
	h := newRecordingHandler()

	sess, err := Dial(context.Background(), Options{
		BaseURL: srv.baseURL(),
		Role:    RoleRider,
		UserID:  "r1",
		Handler: h,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer sess.Close()
	<-srv.gotURL

	tags := []string{
		protocol.TripEventCreated,
		protocol.TripEventDriverAssigned,
		protocol.TripEventCompleted,
	}
	trip := models.Trip{
		ID: "t1", UserID: "r1", Status: models.TripStatusCreated,
		Driver: &models.Driver{ID: "d1", Location: models.Coordinate{Latitude: 1, Longitude: 1}},
	}
	for _, tag := range tags {
		env, err := protocol.NewEnvelope(tag, trip)
		if err != nil {
			t.Fatalf("envelope %s: %v", tag, err)
		}
		srv.send(t, env)
	}

	h.wait(t, 3)
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.envelopes) != 3 {
		t.Fatalf("got %d envelopes, want 3", len(h.envelopes))
	}
	for i, tag := range tags {
		if h.envelopes[i].Type != tag {
			t.Fatalf("envelope %d = %s, want %s", i, h.envelopes[i].Type, tag)
		}
	}
}

func TestInvalidEnvelopeSurfacedWithoutClosing(t *testing.T) {
	srv := newWSServer(t)
	h := newRecordingHandler()

	sess, err := Dial(context.Background(), Options{
		BaseURL: srv.baseURL(),
		Role:    RoleRider,
		UserID:  "r1",
		Handler: h,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer sess.Close()
	<-srv.gotURL

	srv.sendRaw(t, []byte(`{"type":"trip.event.teleported","data":{}}`))
	h.wait(t, 1)

	h.mu.Lock()
	if len(h.errs) != 1 {
		h.mu.Unlock()
		t.Fatalf("got %d errors, want 1", len(h.errs))
	}
	var perr *protocol.Error
	if !errors.As(h.errs[0], &perr) {
		h.mu.Unlock()
		t.Fatalf("expected protocol error, got %v", h.errs[0])
	}
	h.mu.Unlock()

	if got := sess.State(); got != Open {
		t.Fatalf("state = %s, want open", got)
	}

	// a valid envelope still gets through afterwards
	env, _ := protocol.NewEnvelope(protocol.TripEventNoDriversFound, nil)
	srv.send(t, env)
	h.wait(t, 2)

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.envelopes) != 1 || h.envelopes[0].Type != protocol.TripEventNoDriversFound {
		t.Fatalf("envelopes = %+v", h.envelopes)
	}
}

func TestSendAfterCloseFailsLocally(t *testing.T) {
	srv := newWSServer(t)
	h := newRecordingHandler()

	sess, err := Dial(context.Background(), Options{
		BaseURL: srv.baseURL(),
		Role:    RoleRider,
		UserID:  "r1",
		Handler: h,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	<-srv.gotURL

	if err := sess.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// idempotent
	if err := sess.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if got := sess.State(); got != Closed {
		t.Fatalf("state = %s, want closed", got)
	}

	env, _ := protocol.NewEnvelope(protocol.TripEventNoDriversFound, nil)
	err = sess.Send(env)
	if !errors.Is(err, ErrNotOpen) {
		t.Fatalf("send error = %v, want ErrNotOpen", err)
	}
	var terr *TransportError
	if !errors.As(err, &terr) || terr.Op != "send" {
		t.Fatalf("expected transport send error, got %v", err)
	}

	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("receive loop never exited")
	}

	// clean close does not surface a transport error
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range h.errs {
		var te *TransportError
		if errors.As(e, &te) {
			t.Fatalf("unexpected transport error after clean close: %v", e)
		}
	}
}

func TestServerDropFaultsSession(t *testing.T) {
	srv := newWSServer(t)
	h := newRecordingHandler()

	sess, err := Dial(context.Background(), Options{
		BaseURL: srv.baseURL(),
		Role:    RoleRider,
		UserID:  "r1",
		Handler: h,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	<-srv.gotURL

	srv.mu.Lock()
	srv.conns[0].Close()
	srv.mu.Unlock()

	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("receive loop never exited")
	}
	if got := sess.State(); got != Faulted {
		t.Fatalf("state = %s, want faulted", got)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.errs) != 1 {
		t.Fatalf("got %d errors, want 1", len(h.errs))
	}
	var terr *TransportError
	if !errors.As(h.errs[0], &terr) || terr.Op != "receive" {
		t.Fatalf("expected receive transport error, got %v", h.errs[0])
	}
}
