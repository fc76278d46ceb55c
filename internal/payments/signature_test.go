package payments

import "testing"

func TestSignIsDeterministicPerSecret(t *testing.T) {
	got := Sign("secret", "order_G1", "pay_1")
	if len(got) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(got))
	}
	if Sign("secret", "order_G1", "pay_1") != got {
		t.Fatalf("signature must be deterministic")
	}
	if Sign("other", "order_G1", "pay_1") == got {
		t.Fatalf("signature must depend on the secret")
	}
}

func TestVerifySignature(t *testing.T) {
	sig := Sign("secret", "order_G1", "pay_1")
	cases := []struct {
		name      string
		secret    string
		orderID   string
		paymentID string
		signature string
		want      bool
	}{
		{"valid", "secret", "order_G1", "pay_1", sig, true},
		{"uppercase hex", "secret", "order_G1", "pay_1", upper(sig), true},
		{"swapped ids", "secret", "pay_1", "order_G1", sig, false},
		{"wrong secret", "nope", "order_G1", "pay_1", sig, false},
		{"empty signature", "secret", "order_G1", "pay_1", "", false},
		{"empty secret", "", "order_G1", "pay_1", sig, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := VerifySignature(tc.secret, tc.orderID, tc.paymentID, tc.signature); got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func upper(s string) string {
	out := []byte(s)
	for i, c := range out {
		if c >= 'a' && c <= 'f' {
			out[i] = c - 'a' + 'A'
		}
	}
	return string(out)
}
