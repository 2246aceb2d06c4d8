package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"livkit-live/internal/models"
	"livkit-live/internal/storage"
)

type fakeClock struct {
	mu      sync.Mutex
	current time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

func newTestHandler(t *testing.T) (*Handler, *storage.Storage, *fakeClock) {
	t.Helper()
	clock := &fakeClock{current: time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)}
	path := filepath.Join(t.TempDir(), "store.json")
	store, err := storage.NewStorage(path, storage.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewStorage error: %v", err)
	}
	return NewHandler(store), store, clock
}

func postJSON(t *testing.T, handler http.HandlerFunc, target string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, target, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dest); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func createUserViaAPI(t *testing.T, handler *Handler, name string) models.User {
	t.Helper()
	rec := postJSON(t, handler.Users, "/api/users", map[string]interface{}{"displayName": name})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected user create status 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var user models.User
	decodeBody(t, rec, &user)
	return user
}

func TestUsersEndpointCreatesAndListsUsers(t *testing.T) {
	handler, _, _ := newTestHandler(t)

	createUserViaAPI(t, handler, "Alice")

	req := httptest.NewRequest(http.MethodGet, "/api/users", nil)
	rec := httptest.NewRecorder()
	handler.Users(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var users []models.User
	decodeBody(t, rec, &users)
	if len(users) != 1 {
		t.Fatalf("expected 1 user, got %d", len(users))
	}
	if users[0].DisplayName != "Alice" {
		t.Fatalf("expected display name Alice, got %s", users[0].DisplayName)
	}
}

func TestUsersEndpointRejectsBlankName(t *testing.T) {
	handler, _, _ := newTestHandler(t)

	rec := postJSON(t, handler.Users, "/api/users", map[string]interface{}{"displayName": "  "})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rec.Code)
	}
}

func TestPaymentsWebhookCreditsAndIgnoresReplay(t *testing.T) {
	handler, _, _ := newTestHandler(t)
	viewer := createUserViaAPI(t, handler, "Viewer")

	payload := map[string]interface{}{
		"reference": "txn-100",
		"userId":    viewer.ID,
		"seconds":   600,
	}
	rec := postJSON(t, handler.PaymentsWebhook, "/api/payments/webhook", payload)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var response purchaseWebhookResponse
	decodeBody(t, rec, &response)
	if !response.Applied || response.SecondsBalance != 600 {
		t.Fatalf("expected applied credit of 600 seconds, got %+v", response)
	}

	// Provider retries the same delivery. The credit must not double.
	rec = postJSON(t, handler.PaymentsWebhook, "/api/payments/webhook", payload)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected replay status 200, got %d", rec.Code)
	}
	decodeBody(t, rec, &response)
	if response.Applied {
		t.Fatal("expected replay to report applied=false")
	}
	if response.SecondsBalance != 600 {
		t.Fatalf("expected balance to stay 600, got %d", response.SecondsBalance)
	}
}

func TestPaymentsWebhookRequiresReference(t *testing.T) {
	handler, _, _ := newTestHandler(t)
	viewer := createUserViaAPI(t, handler, "Viewer")

	rec := postJSON(t, handler.PaymentsWebhook, "/api/payments/webhook", map[string]interface{}{
		"userId":  viewer.ID,
		"seconds": 60,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rec.Code)
	}
}

func TestGiftsEndpointMovesCoins(t *testing.T) {
	handler, store, _ := newTestHandler(t)
	sender := createUserViaAPI(t, handler, "Sender")
	receiver := createUserViaAPI(t, handler, "Receiver")
	if _, err := store.CreditWallet(storage.CreditParams{UserID: sender.ID, Coins: 50, SourceID: "txn-coins"}); err != nil {
		t.Fatalf("CreditWallet: %v", err)
	}

	rec := postJSON(t, handler.UserByID, "/api/users/"+sender.ID+"/gifts", map[string]interface{}{
		"toUserId": receiver.ID,
		"coins":    20,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var wallet models.Wallet
	decodeBody(t, rec, &wallet)
	if wallet.CoinBalance != 30 {
		t.Fatalf("expected sender balance 30, got %d", wallet.CoinBalance)
	}

	received, err := store.GetWallet(receiver.ID)
	if err != nil {
		t.Fatalf("GetWallet: %v", err)
	}
	if received.CoinBalance != 20 {
		t.Fatalf("expected receiver balance 20, got %d", received.CoinBalance)
	}
}

func setupLiveStream(t *testing.T, handler *Handler) (host, viewer models.User, stream models.Stream) {
	t.Helper()
	host = createUserViaAPI(t, handler, "Host")
	viewer = createUserViaAPI(t, handler, "Viewer")

	rec := postJSON(t, handler.PaymentsWebhook, "/api/payments/webhook", map[string]interface{}{
		"reference": "txn-setup",
		"userId":    viewer.ID,
		"seconds":   600,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("fund wallet: status %d", rec.Code)
	}

	rec = postJSON(t, handler.Streams, "/api/streams", map[string]interface{}{
		"hostId": host.ID,
		"title":  "Morning Show",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected stream create status 201, got %d: %s", rec.Code, rec.Body.String())
	}
	decodeBody(t, rec, &stream)

	rec = postJSON(t, handler.StreamByID, "/api/streams/"+stream.ID+"/start", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected start status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	decodeBody(t, rec, &stream)
	if !stream.IsLive() {
		t.Fatalf("expected live stream, got %s", stream.Status)
	}
	return host, viewer, stream
}

func TestStreamLifecycleEndpoints(t *testing.T) {
	handler, _, _ := newTestHandler(t)
	_, _, stream := setupLiveStream(t, handler)

	// Starting twice conflicts.
	rec := postJSON(t, handler.StreamByID, "/api/streams/"+stream.ID+"/start", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected second start status 409, got %d", rec.Code)
	}

	rec = postJSON(t, handler.StreamByID, "/api/streams/"+stream.ID+"/heartbeat", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected heartbeat status 200, got %d", rec.Code)
	}

	rec = postJSON(t, handler.StreamByID, "/api/streams/"+stream.ID+"/end", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected end status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var ended endStreamResponse
	decodeBody(t, rec, &ended)
	if ended.Stream.Status != models.StreamStatusEnded {
		t.Fatalf("expected ended status, got %s", ended.Stream.Status)
	}

	// Ended is terminal.
	rec = postJSON(t, handler.StreamByID, "/api/streams/"+stream.ID+"/end", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected second end status 409, got %d", rec.Code)
	}
}

func TestStreamListFiltersByStatus(t *testing.T) {
	handler, _, _ := newTestHandler(t)
	_, _, stream := setupLiveStream(t, handler)

	req := httptest.NewRequest(http.MethodGet, "/api/streams?status=live", nil)
	rec := httptest.NewRecorder()
	handler.Streams(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var live []models.Stream
	decodeBody(t, rec, &live)
	if len(live) != 1 || live[0].ID != stream.ID {
		t.Fatalf("expected the live stream in the filter, got %+v", live)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/streams?status=bogus", nil)
	rec = httptest.NewRecorder()
	handler.Streams(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for unknown filter, got %d", rec.Code)
	}
}

func TestJoinIssuesSessionAndToken(t *testing.T) {
	handler, _, _ := newTestHandler(t)
	_, viewer, stream := setupLiveStream(t, handler)

	rec := postJSON(t, handler.StreamByID, "/api/streams/"+stream.ID+"/join", map[string]interface{}{
		"viewerId": viewer.ID,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected join status 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var joined joinResponse
	decodeBody(t, rec, &joined)
	if joined.Session.ViewerID != viewer.ID || !joined.Session.IsActive {
		t.Fatalf("expected active session for viewer, got %+v", joined.Session)
	}
	if joined.JoinToken == "" {
		t.Fatal("expected a join token in the response")
	}
}

func TestJoinRequiresFundedWallet(t *testing.T) {
	handler, _, _ := newTestHandler(t)
	_, _, stream := setupLiveStream(t, handler)
	broke := createUserViaAPI(t, handler, "Broke")

	rec := postJSON(t, handler.StreamByID, "/api/streams/"+stream.ID+"/join", map[string]interface{}{
		"viewerId": broke.ID,
	})
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected status 402, got %d", rec.Code)
	}
}

func TestHostCannotJoinOwnStream(t *testing.T) {
	handler, _, _ := newTestHandler(t)
	host, _, stream := setupLiveStream(t, handler)

	rec := postJSON(t, handler.StreamByID, "/api/streams/"+stream.ID+"/join", map[string]interface{}{
		"viewerId": host.ID,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", rec.Code)
	}
}

func TestViewerHeartbeatAccruesMinutes(t *testing.T) {
	handler, _, clock := newTestHandler(t)
	_, viewer, stream := setupLiveStream(t, handler)

	rec := postJSON(t, handler.StreamByID, "/api/streams/"+stream.ID+"/join", map[string]interface{}{
		"viewerId": viewer.ID,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("join: status %d", rec.Code)
	}

	var response heartbeatResponse
	for tick := 0; tick < 2; tick++ {
		clock.Advance(30 * time.Second)
		rec = postJSON(t, handler.StreamByID, "/api/streams/"+stream.ID+"/viewer-heartbeat", map[string]interface{}{
			"viewerId": viewer.ID,
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("tick %d: expected status 200, got %d: %s", tick, rec.Code, rec.Body.String())
		}
		decodeBody(t, rec, &response)
	}
	if response.Session.ActiveSeconds != 60 {
		t.Fatalf("expected 60 active seconds, got %d", response.Session.ActiveSeconds)
	}
	if response.CompletedMinutes != 1 {
		t.Fatalf("expected the second tick to complete 1 minute, got %d", response.CompletedMinutes)
	}
}

func TestViewerHeartbeatGoneAfterTimeout(t *testing.T) {
	handler, _, clock := newTestHandler(t)
	_, viewer, stream := setupLiveStream(t, handler)

	rec := postJSON(t, handler.StreamByID, "/api/streams/"+stream.ID+"/join", map[string]interface{}{
		"viewerId": viewer.ID,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("join: status %d", rec.Code)
	}

	clock.Advance(61 * time.Second)
	rec = postJSON(t, handler.StreamByID, "/api/streams/"+stream.ID+"/viewer-heartbeat", map[string]interface{}{
		"viewerId": viewer.ID,
	})
	if rec.Code != http.StatusGone {
		t.Fatalf("expected status 410, got %d: %s", rec.Code, rec.Body.String())
	}
	var response heartbeatResponse
	decodeBody(t, rec, &response)
	if response.Session.EndedReason != models.EndReasonHeartbeatTimeout {
		t.Fatalf("expected heartbeat_timeout reason, got %s", response.Session.EndedReason)
	}
}

func TestViewerHeartbeatPaymentRequiredWhenWalletDry(t *testing.T) {
	handler, _, clock := newTestHandler(t)
	_, _, stream := setupLiveStream(t, handler)

	viewer := createUserViaAPI(t, handler, "Shortfall")
	rec := postJSON(t, handler.PaymentsWebhook, "/api/payments/webhook", map[string]interface{}{
		"reference": "txn-short",
		"userId":    viewer.ID,
		"seconds":   30,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("fund wallet: status %d", rec.Code)
	}

	rec = postJSON(t, handler.StreamByID, "/api/streams/"+stream.ID+"/join", map[string]interface{}{
		"viewerId": viewer.ID,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("join: status %d", rec.Code)
	}

	clock.Advance(30 * time.Second)
	rec = postJSON(t, handler.StreamByID, "/api/streams/"+stream.ID+"/viewer-heartbeat", map[string]interface{}{
		"viewerId": viewer.ID,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("first tick: expected status 200, got %d", rec.Code)
	}

	clock.Advance(30 * time.Second)
	rec = postJSON(t, handler.StreamByID, "/api/streams/"+stream.ID+"/viewer-heartbeat", map[string]interface{}{
		"viewerId": viewer.ID,
	})
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected status 402, got %d: %s", rec.Code, rec.Body.String())
	}
	var response heartbeatResponse
	decodeBody(t, rec, &response)
	if response.Session.EndedReason != models.EndReasonMinutesExhausted {
		t.Fatalf("expected minutes_exhausted reason, got %s", response.Session.EndedReason)
	}
}

func TestLeaveFinalizesSession(t *testing.T) {
	handler, store, clock := newTestHandler(t)
	_, viewer, stream := setupLiveStream(t, handler)

	rec := postJSON(t, handler.StreamByID, "/api/streams/"+stream.ID+"/join", map[string]interface{}{
		"viewerId": viewer.ID,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("join: status %d", rec.Code)
	}

	for tick := 0; tick < 3; tick++ {
		clock.Advance(30 * time.Second)
		rec = postJSON(t, handler.StreamByID, "/api/streams/"+stream.ID+"/viewer-heartbeat", map[string]interface{}{
			"viewerId": viewer.ID,
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("tick %d: status %d", tick, rec.Code)
		}
	}

	rec = postJSON(t, handler.StreamByID, "/api/streams/"+stream.ID+"/leave", map[string]interface{}{
		"viewerId": viewer.ID,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected leave status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var session models.ViewerSession
	decodeBody(t, rec, &session)
	if session.IsActive || session.EndedReason != models.EndReasonLeft {
		t.Fatalf("expected finalized left session, got %+v", session)
	}

	// 90 reserved seconds, 60 billed, 30 refunded on leave.
	wallet, err := store.GetWallet(viewer.ID)
	if err != nil {
		t.Fatalf("GetWallet: %v", err)
	}
	if wallet.SecondsBalance != 540 {
		t.Fatalf("expected balance 540, got %d", wallet.SecondsBalance)
	}

	// Leaving again has no session to close.
	rec = postJSON(t, handler.StreamByID, "/api/streams/"+stream.ID+"/leave", map[string]interface{}{
		"viewerId": viewer.ID,
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected repeat leave status 404, got %d", rec.Code)
	}
}

func TestSessionsEndpointFiltersActive(t *testing.T) {
	handler, _, clock := newTestHandler(t)
	_, viewer, stream := setupLiveStream(t, handler)

	rec := postJSON(t, handler.StreamByID, "/api/streams/"+stream.ID+"/join", map[string]interface{}{
		"viewerId": viewer.ID,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("join: status %d", rec.Code)
	}
	clock.Advance(30 * time.Second)
	rec = postJSON(t, handler.StreamByID, "/api/streams/"+stream.ID+"/leave", map[string]interface{}{
		"viewerId": viewer.ID,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("leave: status %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/streams/"+stream.ID+"/sessions?active=true", nil)
	rec2 := httptest.NewRecorder()
	handler.StreamByID(rec2, req)
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec2.Code)
	}
	var active []models.ViewerSession
	decodeBody(t, rec2, &active)
	if len(active) != 0 {
		t.Fatalf("expected no active sessions, got %d", len(active))
	}

	req = httptest.NewRequest(http.MethodGet, "/api/streams/"+stream.ID+"/sessions", nil)
	rec2 = httptest.NewRecorder()
	handler.StreamByID(rec2, req)
	var all []models.ViewerSession
	decodeBody(t, rec2, &all)
	if len(all) != 1 {
		t.Fatalf("expected 1 session in history, got %d", len(all))
	}
}

func TestEndStreamSettlesEarnings(t *testing.T) {
	handler, _, clock := newTestHandler(t)
	_, viewer, stream := setupLiveStream(t, handler)

	rec := postJSON(t, handler.StreamByID, "/api/streams/"+stream.ID+"/join", map[string]interface{}{
		"viewerId": viewer.ID,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("join: status %d", rec.Code)
	}
	for tick := 0; tick < 4; tick++ {
		clock.Advance(30 * time.Second)
		rec = postJSON(t, handler.StreamByID, "/api/streams/"+stream.ID+"/viewer-heartbeat", map[string]interface{}{
			"viewerId": viewer.ID,
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("tick %d: status %d", tick, rec.Code)
		}
	}

	rec = postJSON(t, handler.StreamByID, "/api/streams/"+stream.ID+"/end", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected end status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var ended endStreamResponse
	decodeBody(t, rec, &ended)
	if len(ended.EndedSessions) != 1 {
		t.Fatalf("expected 1 finalized session, got %d", len(ended.EndedSessions))
	}
	if ended.EndedSessions[0].EndedReason != models.EndReasonStreamEnded {
		t.Fatalf("expected stream_ended reason, got %s", ended.EndedSessions[0].EndedReason)
	}
	// 2 viewer-minutes at the fixed rate of 200 cents.
	if ended.Earnings == nil || ended.Earnings.TotalCents != 400 {
		t.Fatalf("expected 400 cents settled, got %+v", ended.Earnings)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/streams/"+stream.ID+"/earnings", nil)
	rec2 := httptest.NewRecorder()
	handler.StreamByID(rec2, req)
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected earnings status 200, got %d", rec2.Code)
	}
	var earnings earningsResponse
	decodeBody(t, rec2, &earnings)
	if earnings.TotalCents != 400 || earnings.MinutesBilled != 2 {
		t.Fatalf("expected 400 cents over 2 minutes, got %+v", earnings)
	}
	if earnings.UnbilledMinutes != 0 {
		t.Fatalf("expected no unbilled minutes after settlement, got %d", earnings.UnbilledMinutes)
	}
}

func TestHealthReportsStoreStatus(t *testing.T) {
	handler, _, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.Health(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var status map[string]string
	decodeBody(t, rec, &status)
	if status["status"] != "ok" {
		t.Fatalf("expected ok status, got %q", status["status"])
	}
}
