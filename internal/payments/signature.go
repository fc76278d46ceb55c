package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Sign returns hex(HMAC-SHA256(secret, gatewayOrderID + "|" + paymentID)).
func Sign(secret, gatewayOrderID, paymentID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(gatewayOrderID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature compares the client signature against the expected one in
// constant time. Empty inputs never verify.
func VerifySignature(secret, gatewayOrderID, paymentID, signature string) bool {
	signature = strings.TrimSpace(signature)
	if secret == "" || gatewayOrderID == "" || paymentID == "" || signature == "" {
		return false
	}
	expected := Sign(secret, gatewayOrderID, paymentID)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}
