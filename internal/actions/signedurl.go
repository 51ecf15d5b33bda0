package actions

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"procurement-automation/internal/models"
)

// Verification failure reasons, each distinct so callers can report why a
// handoff link was rejected.
var (
	ErrMalformedURL     = errors.New("malformed URL")
	ErrMissingParams    = errors.New("missing parameters")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrExpired          = errors.New("expired")
)

// Signer builds and verifies signed, time-limited handoff URLs. The
// signature is HMAC-SHA256 over the canonical (sorted) query string.
type Signer struct {
	secret  []byte
	baseURL string
	ttl     time.Duration
	now     func() time.Time
}

func NewSigner(secret, baseURL string, ttl time.Duration) *Signer {
	if ttl == 0 {
		ttl = time.Hour
	}
	return &Signer{secret: []byte(secret), baseURL: baseURL, ttl: ttl, now: time.Now}
}

// Sign produces a URL carrying the params, an expires timestamp, and a sig.
func (s *Signer) Sign(params map[string]string) (string, error) {
	base, err := url.Parse(s.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	values.Set("expires", strconv.FormatInt(s.now().Add(s.ttl).Unix(), 10))
	values.Set("sig", s.signature(values))
	base.RawQuery = values.Encode()
	return base.String(), nil
}

// Verify recomputes the signature and independently checks expiry.
func (s *Signer) Verify(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return ErrMalformedURL
	}
	values := parsed.Query()
	sig := values.Get("sig")
	expires := values.Get("expires")
	if sig == "" || expires == "" {
		return ErrMissingParams
	}
	values.Del("sig")
	expected := s.signature(values)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return ErrInvalidSignature
	}
	ts, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return ErrMissingParams
	}
	if s.now().Unix() > ts {
		return ErrExpired
	}
	return nil
}

// signature computes the hex HMAC over the canonical parameter string,
// sorted by key so encoding order never changes the digest.
func (s *Signer) signature(values url.Values) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var canonical strings.Builder
	for i, k := range keys {
		if i > 0 {
			canonical.WriteByte('&')
		}
		canonical.WriteString(k)
		canonical.WriteByte('=')
		canonical.WriteString(values.Get(k))
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(canonical.String()))
	return hex.EncodeToString(mac.Sum(nil))
}

// URLHandoffAdapter builds a signed link pointing an external party at a
// resource (a PO approval page, a receiving slip) without a login session.
type URLHandoffAdapter struct {
	signer *Signer
}

func NewURLHandoffAdapter(signer *Signer) *URLHandoffAdapter {
	return &URLHandoffAdapter{signer: signer}
}

func (a *URLHandoffAdapter) Execute(_ context.Context, job models.AutomationJob) models.ActionResult {
	resource, _ := job.Context["resource"].(string)
	resourceID, _ := job.Context["resourceId"].(string)
	if resource == "" || resourceID == "" {
		return models.ActionResult{Success: false, Error: "resource and resourceId are required"}
	}
	signed, err := a.signer.Sign(map[string]string{
		"resource": resource,
		"id":       resourceID,
		"tenant":   job.TenantID,
	})
	if err != nil {
		return models.ActionResult{Success: false, Error: fmt.Sprintf("sign url: %v", err)}
	}
	return models.ActionResult{
		Success: true,
		Data:    map[string]any{"url": signed},
	}
}
