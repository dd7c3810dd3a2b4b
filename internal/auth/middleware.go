// Package auth guards the staff routes and throttles the public API.
package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/csai/battle-agent/internal/config"
)

const (
	headerTimestamp = "X-Agent-Timestamp"
	headerNonce     = "X-Agent-Nonce"
	headerSignature = "X-Agent-Signature"
)

var (
	errMissingHeaders = errors.New("missing hmac headers")
	errBadTimestamp   = errors.New("invalid timestamp")
	errSkew           = errors.New("timestamp skew too large")
	errReplay         = errors.New("nonce replay detected")
)

// StaffGuard accepts a static bearer token, an HMAC-signed request, or
// either, depending on the configured mode.
type StaffGuard struct {
	cfg   config.AuthConfig
	nonce *NonceCache
	now   func() time.Time
}

func NewStaffGuard(cfg config.AuthConfig) *StaffGuard {
	ttl := cfg.NonceTTLSeconds
	if ttl <= 0 {
		ttl = 360
	}
	if cfg.HMACSkewSeconds <= 0 {
		cfg.HMACSkewSeconds = 300
	}
	return &StaffGuard{
		cfg:   cfg,
		nonce: NewNonceCache(time.Duration(ttl) * time.Second),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (g *StaffGuard) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.allowed(r) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"code":"unauthorized","message":"Invalid API authentication.","details":null}}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *StaffGuard) allowed(r *http.Request) bool {
	bearerOK := g.cfg.BearerToken != "" && validateBearer(r, g.cfg.BearerToken)
	hmacOK := false
	if g.cfg.HMACSecret != "" && (!bearerOK || g.cfg.Mode == "hmac") {
		hmacOK = g.validateHMAC(r) == nil
	}
	switch strings.ToLower(g.cfg.Mode) {
	case "bearer":
		return bearerOK
	case "hmac":
		return hmacOK
	default:
		return bearerOK || hmacOK
	}
}

func validateBearer(r *http.Request, token string) bool {
	provided, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return hmac.Equal([]byte(strings.TrimSpace(provided)), []byte(token))
}

// validateHMAC checks hex(HMAC-SHA256(secret, method\npath\nts\nnonce\nsha256(body))).
// A nonce is only remembered once the signature is valid.
func (g *StaffGuard) validateHMAC(r *http.Request) error {
	tsRaw := r.Header.Get(headerTimestamp)
	nonce := r.Header.Get(headerNonce)
	sig := strings.TrimSpace(r.Header.Get(headerSignature))
	if tsRaw == "" || nonce == "" || sig == "" {
		return errMissingHeaders
	}
	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return errBadTimestamp
	}
	now := g.now()
	skew := time.Duration(g.cfg.HMACSkewSeconds) * time.Second
	if d := now.Sub(time.Unix(ts, 0)); d > skew || d < -skew {
		return errSkew
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	if !hmac.Equal([]byte(Sign(g.cfg.HMACSecret, r.Method, r.URL.Path, tsRaw, nonce, body)), []byte(sig)) {
		return errors.New("signature mismatch")
	}
	if !g.nonce.MarkIfNew(nonce, now.Add(skew+time.Minute)) {
		return errReplay
	}
	return nil
}

// Sign produces the X-Agent-Signature value for a request.
func Sign(secret, method, path, timestamp, nonce string, body []byte) string {
	bodyHash := sha256.Sum256(body)
	canonical := method + "\n" + path + "\n" + timestamp + "\n" + nonce + "\n" + hex.EncodeToString(bodyHash[:])
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}
