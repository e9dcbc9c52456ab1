package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Header names for HMAC-signed admin requests.
const (
	HeaderAdminKey       = "X-Kestrel-Key"
	HeaderAdminTimestamp = "X-Kestrel-Timestamp"
	HeaderAdminSignature = "X-Kestrel-Signature"
)

// maxTimestampDrift bounds how far a signed request's timestamp may be from
// server time before it is rejected as a replay.
const maxTimestampDrift = 30 * time.Second

// AdminAuth holds the shared credentials for HMAC-authenticated admin
// requests (market creation, resolution, rate pushes).
type AdminAuth struct {
	Key    string // key id sent in the clear
	Secret string // shared secret, never sent on the wire
}

// Headers returns the HTTP headers for a signed admin request. The signature
// is HMAC-SHA256(secret, timestamp+method+path+body) encoded as base64.
func (a *AdminAuth) Headers(method, path, body string) map[string]string {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	return map[string]string{
		HeaderAdminKey:       a.Key,
		HeaderAdminTimestamp: ts,
		HeaderAdminSignature: a.sign(ts, method, path, body),
	}
}

// Verify checks the key id, timestamp drift, and signature of an incoming
// request. The caller passes the header values and the raw request body.
func (a *AdminAuth) Verify(key, timestamp, signature, method, path, body string, now time.Time) error {
	if key != a.Key {
		return errors.New("crypto: unknown admin key")
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("crypto: parsing request timestamp: %w", err)
	}
	drift := now.Sub(time.Unix(ts, 0))
	if drift < 0 {
		drift = -drift
	}
	if drift > maxTimestampDrift {
		return errors.New("crypto: request timestamp outside allowed drift")
	}

	expected := a.sign(timestamp, method, path, body)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return errors.New("crypto: invalid request signature")
	}
	return nil
}

func (a *AdminAuth) sign(timestamp, method, path, body string) string {
	mac := hmac.New(sha256.New, []byte(a.Secret))
	mac.Write([]byte(timestamp + method + path + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
