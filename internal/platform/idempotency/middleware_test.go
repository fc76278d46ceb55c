package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/waterjunction/api/internal/platform/auth"
)

var fixedTime = time.Date(2025, time.May, 1, 12, 0, 0, 0, time.UTC)

func newRequest(key, body string, identity *auth.Identity) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/orders", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	if identity != nil {
		req = req.WithContext(auth.WithIdentity(req.Context(), identity))
	}
	return req
}

func TestMiddlewarePassesThroughWithoutKey(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
	}))

	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, newRequest("", `{}`, nil))
		if rr.Code != http.StatusCreated {
			t.Fatalf("unexpected status %d", rr.Code)
		}
	}
	if calls != 2 {
		t.Fatalf("expected handler to run twice, got %d", calls)
	}
}

func TestMiddlewareRequiredKey(t *testing.T) {
	handler := Middleware(NewMemoryStore(), WithRequired())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run without key")
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newRequest("", `{}`, nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	assertErrorCode(t, rr.Body.Bytes(), "idempotency_key_required")
}

func TestMiddlewareReplaysStoredResponse(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore(), WithClock(func() time.Time { return fixedTime }))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id":"ord_1"}`))
		}))

	buyer := &auth.Identity{UID: "user-1"}
	first := httptest.NewRecorder()
	handler.ServeHTTP(first, newRequest("abc", `{"a":1}`, buyer))
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, newRequest("abc", `{"a":1}`, buyer))

	if calls != 1 {
		t.Fatalf("expected one handler call, got %d", calls)
	}
	if second.Code != http.StatusCreated || second.Body.String() != `{"id":"ord_1"}` {
		t.Fatalf("unexpected replay %d %q", second.Code, second.Body.String())
	}
	if second.Header().Get(replayHeader) != "true" {
		t.Fatalf("expected replay header")
	}
}

func TestMiddlewareScopesKeysPerUser(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), newRequest("abc", `{}`, &auth.Identity{UID: "a"}))
	handler.ServeHTTP(httptest.NewRecorder(), newRequest("abc", `{}`, &auth.Identity{UID: "b"}))
	if calls != 2 {
		t.Fatalf("expected both users to reach the handler, got %d", calls)
	}
}

func TestMiddlewareRejectsDifferentBody(t *testing.T) {
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), newRequest("abc", `{"a":1}`, nil))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newRequest("abc", `{"a":2}`, nil))
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	assertErrorCode(t, rr.Body.Bytes(), "idempotency_key_conflict")
}

func TestMiddlewareForgetsServerErrors(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), newRequest("abc", `{}`, nil))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newRequest("abc", `{}`, nil))
	if calls != 2 || rr.Code != http.StatusCreated {
		t.Fatalf("expected retry to reach handler, calls=%d status=%d", calls, rr.Code)
	}
}

func TestMemoryStoreInFlight(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if claim, err := store.Claim(ctx, "k", "fp", fixedTime, time.Minute); err != nil || claim.State != ClaimAcquired {
		t.Fatalf("first claim: %+v %v", claim, err)
	}
	if claim, err := store.Claim(ctx, "k", "fp", fixedTime, time.Minute); err != nil || claim.State != ClaimInFlight {
		t.Fatalf("second claim: %+v %v", claim, err)
	}
	if claim, err := store.Claim(ctx, "k", "fp", fixedTime.Add(2*time.Minute), time.Minute); err != nil || claim.State != ClaimAcquired {
		t.Fatalf("expired claim should be reacquired: %+v %v", claim, err)
	}
}

func assertErrorCode(t *testing.T, body []byte, code string) {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if payload["error"] != code {
		t.Fatalf("expected error %q, got %v", code, payload["error"])
	}
}
