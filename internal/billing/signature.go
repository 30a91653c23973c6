package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/billbridge/internal/syncerr"
)

const (
	SignatureHeader  = "Billing-Signature"
	DefaultTolerance = 5 * time.Minute
)

// SignPayload builds a signature header value for payload at ts:
// "t=<unix>,v1=<hex hmac-sha256(secret, t.payload)>".
func SignPayload(secret string, payload []byte, ts time.Time) string {
	unix := strconv.FormatInt(ts.Unix(), 10)
	return "t=" + unix + ",v1=" + computeSignature(secret, unix, payload)
}

// VerifySignature checks header against payload. Any v1 entry may match, so
// secrets can be rolled. Every failure is a *syncerr.SignatureError.
func VerifySignature(secret, header string, payload []byte, tolerance time.Duration, now time.Time) error {
	if secret == "" {
		return &syncerr.SignatureError{Reason: "signing secret is empty"}
	}
	header = strings.TrimSpace(header)
	if header == "" {
		return &syncerr.SignatureError{Reason: "missing signature header"}
	}
	var timestamp string
	var candidates []string
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			timestamp = value
		case "v1":
			candidates = append(candidates, strings.ToLower(value))
		}
	}
	if timestamp == "" {
		return &syncerr.SignatureError{Reason: "missing timestamp"}
	}
	if len(candidates) == 0 {
		return &syncerr.SignatureError{Reason: "missing v1 signature"}
	}
	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return &syncerr.SignatureError{Reason: "invalid timestamp"}
	}
	if tolerance > 0 {
		delta := now.Sub(time.Unix(unix, 0))
		if delta < 0 {
			delta = -delta
		}
		if delta > tolerance {
			return &syncerr.SignatureError{Reason: "timestamp outside tolerance"}
		}
	}
	expected := []byte(computeSignature(secret, timestamp, payload))
	for _, candidate := range candidates {
		if hmac.Equal([]byte(candidate), expected) {
			return nil
		}
	}
	return &syncerr.SignatureError{Reason: "signature mismatch"}
}

func computeSignature(secret, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Event is a decoded webhook delivery.
type Event struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Account string          `json:"account,omitempty"`
	Object  json.RawMessage `json:"-"`
}

// ObjectID returns data.object.id.
func (e Event) ObjectID() string {
	var obj struct {
		ID string `json:"id"`
	}
	if len(e.Object) == 0 || json.Unmarshal(e.Object, &obj) != nil {
		return ""
	}
	return obj.ID
}

// ParseEvent decodes a verified payload. The caller must verify the
// signature first.
func ParseEvent(payload []byte) (Event, error) {
	var wire struct {
		Event
		Data struct {
			Object json.RawMessage `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &wire); err != nil {
		return Event{}, &syncerr.ValidationError{Field: "payload", Message: fmt.Sprintf("invalid json: %v", err)}
	}
	event := wire.Event
	event.Object = wire.Data.Object
	if strings.TrimSpace(event.Type) == "" {
		return Event{}, &syncerr.ValidationError{Field: "type", Message: "required"}
	}
	if strings.TrimSpace(event.ID) == "" {
		return Event{}, &syncerr.ValidationError{Field: "id", Message: "required"}
	}
	return event, nil
}
