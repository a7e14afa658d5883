package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// HMACAuth holds CLOB L2 API credentials.
type HMACAuth struct {
	Key        string
	Secret     string // base64 (URL-safe or standard)
	Passphrase string
}

// L2Headers returns the headers for an authenticated CLOB request signed at
// the current time.
func (h HMACAuth) L2Headers(address, method, path, body string) map[string]string {
	return h.L2HeadersAt(address, method, path, body, time.Now().Unix())
}

// L2HeadersAt is L2Headers with an explicit Unix timestamp. The signature
// is base64url(HMAC-SHA256(decode(secret), ts+method+path+body)).
func (h HMACAuth) L2HeadersAt(address, method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	return map[string]string{
		"POLY_ADDRESS":    address,
		"POLY_API_KEY":    h.Key,
		"POLY_TIMESTAMP":  ts,
		"POLY_PASSPHRASE": h.Passphrase,
		"POLY_SIGNATURE":  sign(decodeSecret(h.Secret), ts+method+path+body, base64.URLEncoding),
	}
}

// String returns a redacted representation suitable for logging.
func (h HMACAuth) String() string {
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}

// RelaySignature signs a relay request body with the shared relay secret.
func RelaySignature(secret string, unixTS int64, method, path string, body []byte) string {
	msg := strconv.FormatInt(unixTS, 10) + method + path + string(body)
	return sign([]byte(secret), msg, base64.StdEncoding)
}

// VerifyRelaySignature checks sig in constant time and rejects timestamps
// further than skew from now.
func VerifyRelaySignature(secret string, unixTS int64, method, path string, body []byte, sig string, now time.Time, skew time.Duration) bool {
	if d := now.Sub(time.Unix(unixTS, 0)); d > skew || d < -skew {
		return false
	}
	want := RelaySignature(secret, unixTS, method, path, body)
	return hmac.Equal([]byte(want), []byte(sig))
}

func sign(key []byte, message string, enc *base64.Encoding) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return enc.EncodeToString(mac.Sum(nil))
}

func decodeSecret(secret string) []byte {
	for _, enc := range []*base64.Encoding{base64.URLEncoding, base64.StdEncoding} {
		if b, err := enc.DecodeString(secret); err == nil {
			return b
		}
	}
	return []byte(secret)
}

func redact(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "****"
}
