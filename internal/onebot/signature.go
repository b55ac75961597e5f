// ABOUTME: OneBot v11 webhook signature verification
// ABOUTME: Checks the X-Signature header (sha1=<hex hmac of body>) against a shared secret

package onebot

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"strings"
)

// SignatureHeader carries the body signature on HTTP POST reports.
const SignatureHeader = "X-Signature"

// Sign returns the header value the gateway would send for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	return "sha1=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether header matches the body. An empty secret
// disables the check.
func VerifySignature(secret string, body []byte, header string) bool {
	if secret == "" {
		return true
	}
	got, ok := strings.CutPrefix(strings.TrimSpace(header), "sha1=")
	if !ok {
		return false
	}
	sig, err := hex.DecodeString(got)
	if err != nil {
		return false
	}
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(sig, mac.Sum(nil))
}
