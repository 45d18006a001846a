package rpc

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// HeaderTimestamp is the unix timestamp (seconds) the caller signed.
	HeaderTimestamp = "X-Timestamp"
	// HeaderNonce provides replay protection within the skew window.
	HeaderNonce = "X-Nonce"
	// HeaderSignature carries the hex HMAC-SHA256 over the request.
	HeaderSignature = "X-Signature"

	maxSignedBody = 1 << 20
	allowedSkew   = 2 * time.Minute
)

var (
	errMissingAuthHeader = errors.New("rpc: missing authentication header")
	errBadTimestamp      = errors.New("rpc: timestamp invalid or outside allowed skew")
	errBadSignature      = errors.New("rpc: signature mismatch")
	errNonceReplay       = errors.New("rpc: nonce already used")
	errBodyTooLarge      = errors.New("rpc: request body too large to sign")
)

// Authenticator verifies HMAC-signed mutating requests against the node's
// shared secret. Nonces are held in memory for the skew window only; the
// timestamp bound makes older replays fail before the nonce check.
type Authenticator struct {
	secret []byte
	nowFn  func() time.Time

	mu     sync.Mutex
	nonces map[string]time.Time
}

// NewAuthenticator builds an authenticator for the shared secret. An empty
// secret disables authentication and every request passes.
func NewAuthenticator(secret string, nowFn func() time.Time) *Authenticator {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Authenticator{
		secret: []byte(strings.TrimSpace(secret)),
		nowFn:  nowFn,
		nonces: make(map[string]time.Time),
	}
}

// Enabled reports whether requests must carry a signature.
func (a *Authenticator) Enabled() bool {
	return a != nil && len(a.secret) > 0
}

// Authenticate validates the signature headers for a request whose body has
// already been read.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) error {
	if !a.Enabled() {
		return nil
	}
	if len(body) > maxSignedBody {
		return errBodyTooLarge
	}
	tsHeader := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	sigHeader := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if tsHeader == "" || nonce == "" || sigHeader == "" {
		return errMissingAuthHeader
	}
	secs, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return errBadTimestamp
	}
	now := a.nowFn().UTC()
	skew := now.Sub(time.Unix(secs, 0).UTC())
	if skew < 0 {
		skew = -skew
	}
	if skew > allowedSkew {
		return errBadTimestamp
	}
	provided, err := hex.DecodeString(sigHeader)
	if err != nil {
		return errBadSignature
	}
	expected := ComputeSignature(string(a.secret), tsHeader, nonce, r.Method, canonicalPath(r), body)
	if !hmac.Equal(provided, expected) {
		return errBadSignature
	}
	if a.replayed(tsHeader+"|"+nonce, now) {
		return errNonceReplay
	}
	return nil
}

func (a *Authenticator) replayed(key string, now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for k, seen := range a.nonces {
		if now.Sub(seen) > allowedSkew {
			delete(a.nonces, k)
		}
	}
	if _, ok := a.nonces[key]; ok {
		return true
	}
	a.nonces[key] = now
	return false
}

// ComputeSignature builds the HMAC-SHA256 bytes for the request metadata.
// Clients sign timestamp, nonce, upper-cased method, canonical path and the
// raw body joined by newlines.
func ComputeSignature(secret, timestamp, nonce, method, path string, body []byte) []byte {
	payload := strings.Join([]string{timestamp, nonce, strings.ToUpper(method), path, string(body)}, "\n")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

// canonicalPath normalises the path and query ordering for signing.
func canonicalPath(r *http.Request) string {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		parts := strings.Split(r.URL.RawQuery, "&")
		sort.Strings(parts)
		path += "?" + strings.Join(parts, "&")
	}
	return path
}
