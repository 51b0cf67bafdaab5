package foundry

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/shpitdev/labour-choropleth/pkg/pipeline/redact"
)

// conjureErrorEnvelope is the error body shape Foundry APIs return. Extra fields are ignored.
type conjureErrorEnvelope struct {
	ErrorCode       string `json:"errorCode"`
	ErrorName       string `json:"errorName"`
	ErrorInstanceID string `json:"errorInstanceId"`
}

// HTTPError is a sanitized summary of a non-2xx Foundry API response. It never carries the raw body.
type HTTPError struct {
	Op              string
	StatusCode      int
	Status          string
	ErrorName       string
	ErrorCode       string
	ErrorInstanceID string

	// Snippet is a redacted, truncated hint for non-Conjure responses.
	Snippet string
}

func (e *HTTPError) Error() string {
	if e == nil {
		return "foundry http error"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "foundry api error: op=%s status=%s", e.Op, e.Status)
	for _, kv := range [][2]string{
		{"errorName", e.ErrorName},
		{"errorCode", e.ErrorCode},
		{"instance", e.ErrorInstanceID},
		{"body", e.Snippet},
	} {
		if kv[1] != "" {
			sb.WriteString(" " + kv[0] + "=" + kv[1])
		}
	}
	return sb.String()
}

// Transient reports whether the request is worth retrying (429 or 5xx).
func (e *HTTPError) Transient() bool {
	return e != nil && (e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500)
}

// IsOpenTransactionConflict reports whether err is the 409 Foundry returns when the branch
// already has an OPEN transaction.
func IsOpenTransactionConflict(err error) bool {
	var he *HTTPError
	if !errors.As(err, &he) || he.StatusCode != http.StatusConflict {
		return false
	}
	return strings.Contains(he.ErrorName, "OpenTransactionAlreadyExists")
}

func newHTTPError(op string, resp *http.Response, body []byte) error {
	h := &HTTPError{Op: strings.TrimSpace(op)}
	if resp != nil {
		h.StatusCode = resp.StatusCode
		h.Status = strings.TrimSpace(resp.Status)
	}

	var env conjureErrorEnvelope
	if len(body) > 0 && json.Unmarshal(body, &env) == nil {
		h.ErrorName = strings.TrimSpace(env.ErrorName)
		h.ErrorCode = strings.TrimSpace(env.ErrorCode)
		h.ErrorInstanceID = strings.TrimSpace(env.ErrorInstanceID)
		if h.ErrorName != "" || h.ErrorCode != "" || h.ErrorInstanceID != "" {
			return h
		}
	}

	h.Snippet = redactAndTruncate(body)
	return h
}

func redactAndTruncate(body []byte) string {
	const max = 256
	b := body
	if len(b) > max {
		b = b[:max]
	}
	s := strings.NewReplacer("\n", " ", "\r", " ").Replace(redact.Secrets(string(b)))
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if len(body) > max {
		return s + "..."
	}
	return s
}
