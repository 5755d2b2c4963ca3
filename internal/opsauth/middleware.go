// Package opsauth guards operator endpoints with an HMAC-SHA256 signature over
// the request timestamp, method, path and body.
package opsauth

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

	"github.com/benbjohnson/clock"

	"computepay/internal/logger"
)

const (
	HeaderSignature = "X-Ops-Signature"
	HeaderTimestamp = "X-Ops-Timestamp"

	maxBody = 1 << 20
)

var (
	ErrNotConfigured    = errors.New("operator access not configured")
	ErrMissingSignature = errors.New("missing request signature")
	ErrMissingTimestamp = errors.New("missing request timestamp")
	ErrStaleTimestamp   = errors.New("stale request timestamp")
	ErrInvalidSignature = errors.New("invalid request signature")
)

// Verifier rejects requests without a fresh, valid signature. An empty Secret
// rejects everything.
type Verifier struct {
	Secret  string
	MaxSkew time.Duration
	Clock   clock.Clock
	Logger  *logger.Logger
}

func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := v.verify(r); err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, ErrNotConfigured) {
				status = http.StatusForbidden
			}
			v.Logger.Warn("operator request rejected", "path", r.URL.Path,
				"request_id", r.Header.Get("X-Request-Id"), "error", err)
			http.Error(w, err.Error(), status)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (v *Verifier) verify(r *http.Request) error {
	if v.Secret == "" {
		return ErrNotConfigured
	}

	sig := r.Header.Get(HeaderSignature)
	if sig == "" {
		return ErrMissingSignature
	}
	tsHeader := r.Header.Get(HeaderTimestamp)
	if tsHeader == "" {
		return ErrMissingTimestamp
	}
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return ErrMissingTimestamp
	}

	now := time.Now()
	if v.Clock != nil {
		now = v.Clock.Now()
	}
	reqTime := time.Unix(ts, 0)
	if now.Sub(reqTime) > v.MaxSkew || reqTime.Sub(now) > v.MaxSkew {
		return ErrStaleTimestamp
	}

	body, err := readBody(r)
	if err != nil {
		return err
	}
	expected := Sign(v.Secret, tsHeader, r.Method, r.URL.Path, body)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(sig))) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign computes the hex signature a caller sends in HeaderSignature.
func Sign(secret, timestamp, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("\n" + method + "\n" + path + "\n"))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return []byte{}, nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
