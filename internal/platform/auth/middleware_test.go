package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	firebaseauth "firebase.google.com/go/v4/auth"

	"github.com/waterjunction/api/internal/domain"
)

type stubTokenVerifier struct {
	token    *firebaseauth.Token
	err      error
	received string
}

func (s *stubTokenVerifier) VerifyIDToken(_ context.Context, idToken string) (*firebaseauth.Token, error) {
	s.received = idToken
	if s.err != nil {
		return nil, s.err
	}
	return s.token, nil
}

func TestRequireFirebaseAuthDefaultsToBuyer(t *testing.T) {
	verifier := &stubTokenVerifier{token: &firebaseauth.Token{
		UID:    "buyer-1",
		Claims: map[string]any{"email": "buyer@example.com", "phone_number": "+919800000000"},
	}}
	authn := NewAuthenticator(verifier)

	var identity *Identity
	handler := authn.RequireFirebaseAuth()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, _ = IdentityFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	req.Header.Set("Authorization", "Bearer abc")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if verifier.received != "abc" {
		t.Fatalf("expected token to be forwarded, got %q", verifier.received)
	}
	if identity == nil || identity.UID != "buyer-1" || !identity.HasRole(RoleBuyer) {
		t.Fatalf("unexpected identity %+v", identity)
	}
	if identity.Phone != "+919800000000" {
		t.Fatalf("expected phone claim, got %q", identity.Phone)
	}
}

func TestRequireAdminRejectsBuyer(t *testing.T) {
	authn := NewAuthenticator(&stubTokenVerifier{token: &firebaseauth.Token{UID: "buyer-1", Claims: map[string]any{}}})
	handler := authn.RequireAdmin()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/orders/shipping-pending", nil)
	req.Header.Set("Authorization", "Bearer abc")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestRequireAdminAcceptsRoleMap(t *testing.T) {
	authn := NewAuthenticator(&stubTokenVerifier{token: &firebaseauth.Token{
		UID:    "ops-1",
		Claims: map[string]any{"role": map[string]any{"Ops": true, "viewer": false}},
	}}, WithAdminRole("ops"))

	called := false
	handler := authn.RequireAdmin()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "bearer abc")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if !called {
		t.Fatalf("expected ops role to satisfy admin requirement")
	}
}

func TestRequireFirebaseAuthRejectsMissingOrInvalidToken(t *testing.T) {
	authn := NewAuthenticator(&stubTokenVerifier{err: errors.New("bad token")})
	handler := authn.RequireFirebaseAuth()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler must not run")
	}))

	for _, header := range []string{"", "Basic abc", "Bearer xyz"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%q: expected 401, got %d", header, rec.Code)
		}
	}
}

type stubFirebaseUsers struct {
	record *firebaseauth.UserRecord
	err    error
}

func (s stubFirebaseUsers) VerifyIDToken(context.Context, string) (*firebaseauth.Token, error) {
	return nil, errors.New("unused")
}

func (s stubFirebaseUsers) GetUser(context.Context, string) (*firebaseauth.UserRecord, error) {
	return s.record, s.err
}

func TestLookupCustomerMapsUserRecord(t *testing.T) {
	client := &FirebaseClient{users: stubFirebaseUsers{record: &firebaseauth.UserRecord{UserInfo: &firebaseauth.UserInfo{
		UID:         "buyer-1",
		DisplayName: "Asha Rao",
		Email:       "asha@example.com",
		PhoneNumber: "+919800000000",
	}}}, timeout: defaultVerifyTimeout}

	customer, err := client.LookupCustomer(context.Background(), "buyer-1")
	if err != nil {
		t.Fatalf("LookupCustomer: %v", err)
	}
	want := domain.Customer{UserID: "buyer-1", DisplayName: "Asha Rao", Email: "asha@example.com", Phone: "+919800000000"}
	if customer != want {
		t.Fatalf("expected %+v, got %+v", want, customer)
	}
}
