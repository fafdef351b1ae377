package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/park-rides/internal/analytics"
	"github.com/example/park-rides/internal/auth"
	"github.com/example/park-rides/internal/booking"
	"github.com/example/park-rides/internal/catalog"
	"github.com/example/park-rides/internal/consistency"
	"github.com/example/park-rides/internal/faq"
	"github.com/example/park-rides/internal/logging"
	"github.com/example/park-rides/internal/messages"
	"github.com/example/park-rides/internal/notify"
	"github.com/example/park-rides/internal/queue"
	"github.com/example/park-rides/internal/storage"
	"github.com/example/park-rides/internal/tickets"
)

var (
	adminP = auth.Principal{ID: "admin-1", Name: "Admin", Email: "admin@park.test", Role: auth.Admin}
	userP  = auth.Principal{ID: "user-1", Name: "Ana", Email: "ana@park.test", Role: auth.User}
)

func newTestServer(t *testing.T, opts Options) *Server {
	t.Helper()
	logger := logging.Discard()
	store := storage.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	fan := notify.NewFanOut(store, logger)
	rec := booking.NewRecorder(store, logger)
	signer := tickets.NewSigner("ticket-secret")
	d := Deps{
		Users:     &auth.Users{Store: store, Logger: logger, BcryptCost: bcrypt.MinCost},
		Tokens:    auth.NewTokens("jwt-secret", time.Hour),
		Catalog:   catalog.New(store, fan, nil, nil, logger),
		Queue:     queue.NewManager(store, nil, logger),
		Bookings:  rec,
		Notify:    fan,
		Messages:  messages.NewService(store, logger),
		FAQ:       faq.NewService(store, logger),
		Analytics: analytics.NewService(store, logger),
		Tickets:   tickets.NewIssuer(rec, signer),
		Signer:    signer,
		Sweeper:   consistency.NewSweeper(store, logger),
	}
	return NewServer(d, opts, logger)
}

func token(t *testing.T, s *Server, p auth.Principal) string {
	t.Helper()
	tok, err := s.Tokens.Issue(p)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

func do(t *testing.T, s *Server, method, path, tok string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
}

func createRide(t *testing.T, s *Server) string {
	t.Helper()
	rr := do(t, s, http.MethodPost, "/api/v1/rides", token(t, s, adminP), map[string]any{
		"name": "Coaster", "description": "fast", "image": "https://img.example.com/c.png",
		"latitude": 28.4, "longitude": -81.5,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create ride: %d %s", rr.Code, rr.Body.String())
	}
	var out struct {
		Item struct {
			ID string `json:"id"`
		} `json:"item"`
	}
	decode(t, rr, &out)
	if out.Item.ID == "" {
		t.Fatalf("ride id missing")
	}
	return out.Item.ID
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, Options{})
	rr := do(t, s, http.MethodGet, "/healthz", "", nil)
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Fatalf("healthz: %d %q", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("request id header missing")
	}
}

func TestRegisterLoginMe(t *testing.T) {
	s := newTestServer(t, Options{})
	rr := do(t, s, http.MethodPost, "/api/v1/auth/register", "", map[string]string{
		"name": "Ana", "email": "Ana@Park.test", "password": "pw123456", "confirmPassword": "pw123456",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("register: %d %s", rr.Code, rr.Body.String())
	}
	rr = do(t, s, http.MethodPost, "/api/v1/auth/register", "", map[string]string{
		"name": "Ana", "email": "ana@park.test", "password": "x", "confirmPassword": "x",
	})
	if rr.Code != http.StatusConflict {
		t.Fatalf("duplicate register: want 409, got %d", rr.Code)
	}

	rr = do(t, s, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"email": "ana@park.test", "password": "pw123456"})
	if rr.Code != http.StatusOK {
		t.Fatalf("login: %d %s", rr.Code, rr.Body.String())
	}
	var login authResponse
	decode(t, rr, &login)
	if login.Token == "" || login.User.Role != auth.User {
		t.Fatalf("unexpected login response %+v", login)
	}

	rr = do(t, s, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"email": "ana@park.test", "password": "wrong"})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("bad password: want 401, got %d", rr.Code)
	}

	rr = do(t, s, http.MethodGet, "/api/v1/me", login.Token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("me: %d %s", rr.Code, rr.Body.String())
	}
	if strings.Contains(rr.Body.String(), "password") {
		t.Fatalf("me must not expose the password hash: %s", rr.Body.String())
	}
}

func TestBadTokenRejected(t *testing.T) {
	s := newTestServer(t, Options{})
	rr := do(t, s, http.MethodGet, "/api/v1/rides", "not-a-jwt", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("want 401, got %d", rr.Code)
	}
}

func TestAdminOnlyRoutes(t *testing.T) {
	s := newTestServer(t, Options{})
	body := map[string]any{"name": "X", "description": "d", "image": "https://a.b/c.png", "latitude": 1, "longitude": 2}
	if rr := do(t, s, http.MethodPost, "/api/v1/rides", "", body); rr.Code != http.StatusUnauthorized {
		t.Fatalf("guest create ride: want 401, got %d", rr.Code)
	}
	if rr := do(t, s, http.MethodPost, "/api/v1/rides", token(t, s, userP), body); rr.Code != http.StatusForbidden {
		t.Fatalf("user create ride: want 403, got %d", rr.Code)
	}
	if rr := do(t, s, http.MethodGet, "/api/v1/admin/analytics", token(t, s, userP), nil); rr.Code != http.StatusForbidden {
		t.Fatalf("user analytics: want 403, got %d", rr.Code)
	}
	if rr := do(t, s, http.MethodPost, "/api/v1/admin/consistency", token(t, s, adminP), nil); rr.Code != http.StatusOK {
		t.Fatalf("admin consistency: want 200, got %d", rr.Code)
	}
}

func TestValidationError(t *testing.T) {
	s := newTestServer(t, Options{})
	rr := do(t, s, http.MethodPost, "/api/v1/rides", token(t, s, adminP), map[string]any{
		"name": "X", "description": "d", "image": "https://a.b/c.png", "latitude": 91, "longitude": 2,
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("want 400, got %d", rr.Code)
	}
	var e errorBody
	decode(t, rr, &e)
	if e.Field != "latitude" {
		t.Fatalf("want latitude field error, got %+v", e)
	}
}

type downNotifier struct{}

func (downNotifier) NotifyAll(context.Context, string) (notify.Report, error) {
	return notify.Report{}, errors.New("load users: connection refused")
}

func TestRideNotifiedCarriesFailure(t *testing.T) {
	s := newTestServer(t, Options{})
	s.Catalog = catalog.New(storage.NewMemoryStore(), downNotifier{}, nil, nil, logging.Discard())
	rr := do(t, s, http.MethodPost, "/api/v1/rides", token(t, s, adminP), map[string]any{
		"name": "Coaster", "description": "fast", "image": "https://img.example.com/c.png",
		"latitude": 28.4, "longitude": -81.5,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create ride: %d %s", rr.Code, rr.Body.String())
	}
	var out struct {
		Notified notify.Report `json:"notified"`
	}
	decode(t, rr, &out)
	if len(out.Notified.Errors) != 1 || !strings.Contains(out.Notified.Errors[0], "connection refused") {
		t.Fatalf("notified body hides the failure: %+v", out.Notified)
	}
}

func TestQueueJoinLeave(t *testing.T) {
	s := newTestServer(t, Options{})
	id := createRide(t, s)
	tok := token(t, s, userP)
	path := "/api/v1/rides/" + id + "/queue"

	if rr := do(t, s, http.MethodPost, path, "", nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("guest join: want 401, got %d", rr.Code)
	}

	rr := do(t, s, http.MethodPost, path, tok, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("join: %d %s", rr.Code, rr.Body.String())
	}
	var res struct {
		Outcome  string `json:"outcome"`
		Position int    `json:"position"`
		Length   int    `json:"length"`
	}
	decode(t, rr, &res)
	if res.Outcome != "joined" || res.Position != 1 || res.Length != 1 {
		t.Fatalf("unexpected join result %+v", res)
	}

	rr = do(t, s, http.MethodPost, path, tok, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("second join: want 200, got %d", rr.Code)
	}
	decode(t, rr, &res)
	if res.Outcome != "already_queued" || res.Length != 1 {
		t.Fatalf("unexpected second join result %+v", res)
	}

	rr = do(t, s, http.MethodGet, path, "", nil)
	var q queueMessage
	decode(t, rr, &q)
	if q.Length != 1 || q.Queue[0].UserID != userP.ID {
		t.Fatalf("unexpected queue %+v", q)
	}

	rr = do(t, s, http.MethodDelete, path, tok, nil)
	decode(t, rr, &res)
	if rr.Code != http.StatusOK || res.Outcome != "left" || res.Length != 0 {
		t.Fatalf("leave: %d %+v", rr.Code, res)
	}

	if rr := do(t, s, http.MethodPost, "/api/v1/rides/missing/queue", tok, nil); rr.Code != http.StatusNotFound {
		t.Fatalf("join missing ride: want 404, got %d", rr.Code)
	}
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, Options{RateLimitRPS: 0.001, RateLimitBurst: 1})
	if rr := do(t, s, http.MethodGet, "/healthz", "", nil); rr.Code != http.StatusOK {
		t.Fatalf("first request: %d", rr.Code)
	}
	if rr := do(t, s, http.MethodGet, "/healthz", "", nil); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: want 429, got %d", rr.Code)
	}
}

func healthzFrom(s *Server, remoteAddr, forwarded string) int {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = remoteAddr
	if forwarded != "" {
		req.Header.Set("X-Forwarded-For", forwarded)
	}
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	return rr.Code
}

func TestRateLimitIgnoresForwardedFor(t *testing.T) {
	s := newTestServer(t, Options{RateLimitRPS: 0.001, RateLimitBurst: 1})
	if code := healthzFrom(s, "203.0.113.7:4000", "198.51.100.1"); code != http.StatusOK {
		t.Fatalf("first request: %d", code)
	}
	for i := 2; i <= 20; i++ {
		xff := fmt.Sprintf("198.51.100.%d", i)
		if code := healthzFrom(s, "203.0.113.7:4000", xff); code != http.StatusTooManyRequests {
			t.Fatalf("request with X-Forwarded-For %s: want 429, got %d", xff, code)
		}
	}
}

func TestRateLimitTrustedProxy(t *testing.T) {
	s := newTestServer(t, Options{RateLimitRPS: 0.001, RateLimitBurst: 1, TrustedProxies: []string{"10.0.0.0/8"}})
	if code := healthzFrom(s, "10.1.2.3:4000", "198.51.100.1"); code != http.StatusOK {
		t.Fatalf("first client: %d", code)
	}
	if code := healthzFrom(s, "10.1.2.3:4000", "198.51.100.2"); code != http.StatusOK {
		t.Fatalf("second client behind the proxy: %d", code)
	}
	// a spoofed left-most hop does not change the client seen by the proxy
	if code := healthzFrom(s, "10.1.2.3:4000", "192.0.2.99, 198.51.100.1"); code != http.StatusTooManyRequests {
		t.Fatalf("spoofed hop: want 429, got %d", code)
	}
	if got := s.clientIP(&http.Request{RemoteAddr: "10.1.2.3:4000", Header: http.Header{"X-Forwarded-For": {"10.9.9.9"}}}); got != "10.9.9.9" {
		t.Fatalf("all hops trusted: got %s", got)
	}
}

func TestQueueWebsocket(t *testing.T) {
	s := newTestServer(t, Options{})
	id := createRide(t, s)
	ts := httptest.NewServer(s)
	defer ts.Close()
	defer s.Shutdown()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/rides/" + id + "/queue"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var msg queueMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read initial: %v", err)
	}
	if msg.RideID != id || msg.Length != 0 {
		t.Fatalf("unexpected initial message %+v", msg)
	}

	if rr := do(t, s, http.MethodPost, "/api/v1/rides/"+id+"/queue", token(t, s, userP), nil); rr.Code != http.StatusCreated {
		t.Fatalf("join: %d", rr.Code)
	}
	for msg.Length != 1 {
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read update: %v", err)
		}
	}
	if msg.Queue[0].UserID != userP.ID {
		t.Fatalf("unexpected queue entry %+v", msg.Queue[0])
	}

	waitSessions(t, s, 1)
	conn.Close()
	waitSessions(t, s, 0)
}

func waitSessions(t *testing.T, s *Server, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.sessions.count() != want {
		if time.Now().After(deadline) {
			t.Fatalf("sessions: want %d, got %d", want, s.sessions.count())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestChatWebsocketRequiresOwner(t *testing.T) {
	s := newTestServer(t, Options{})
	ts := httptest.NewServer(s)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/chats/someone-else?token=" + token(t, s, userP)
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("want 403, got %+v", resp)
	}
}
