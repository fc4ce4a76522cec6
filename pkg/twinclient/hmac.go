package twinclient

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// HMACSigner signs Operation Service requests:
// X-TwinOps-Signature = base64(HMAC_SHA256(secret, ts || '\n' || method ||
// '\n' || path || '\n' || body)), X-TwinOps-Timestamp = ts.
type HMACSigner struct {
	KeyID  string
	Secret []byte
}

func (s HMACSigner) Sign(req *http.Request, body []byte, now time.Time) {
	ts := strconv.FormatInt(now.Unix(), 10)
	mac := hmac.New(sha256.New, s.Secret)
	mac.Write([]byte(ts))
	mac.Write([]byte("\n"))
	mac.Write([]byte(req.Method))
	mac.Write([]byte("\n"))
	mac.Write([]byte(req.URL.Path))
	mac.Write([]byte("\n"))
	mac.Write(body)

	req.Header.Set("X-TwinOps-Signature", base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	req.Header.Set("X-TwinOps-Timestamp", ts)
	req.Header.Set("X-TwinOps-Key-Id", s.KeyID)
}

// VerifyHMAC checks a signature a receiver observed, rejecting signatures
// older than ttl or timestamped too far in the future.
func VerifyHMAC(secret []byte, method, path string, body []byte, tsHeader, sigHeader string, ttl time.Duration, now time.Time) error {
	tsUnix, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return fmt.Errorf("twinclient: invalid timestamp header: %w", err)
	}
	ts := time.Unix(tsUnix, 0)
	if now.Sub(ts) > ttl || ts.After(now.Add(time.Minute)) {
		return fmt.Errorf("twinclient: signature timestamp outside ttl window")
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(tsHeader))
	mac.Write([]byte("\n"))
	mac.Write([]byte(method))
	mac.Write([]byte("\n"))
	mac.Write([]byte(path))
	mac.Write([]byte("\n"))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	given, err := base64.StdEncoding.DecodeString(sigHeader)
	if err != nil {
		return fmt.Errorf("twinclient: invalid signature encoding: %w", err)
	}
	expectedRaw, _ := base64.StdEncoding.DecodeString(expected)
	if !hmac.Equal(given, expectedRaw) {
		return fmt.Errorf("twinclient: signature mismatch")
	}
	return nil
}
