package outbox

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/settld-labs/magic-link/pkg/config"
)

// Outbound signing headers. Receivers recompute
// hmac-sha256(secret, timestamp "." body) and compare against the v1 value.
const (
	HeaderTimestamp = "x-settld-timestamp"
	HeaderSignature = "x-settld-signature"
	HeaderEvent     = "x-settld-event"
)

// Sign returns the v1 signature header value for a timestamp and body.
func Sign(secret string, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return "v1=" + hex.EncodeToString(mac.Sum(nil))
}

func (q *Queue) modeFor(e *Entry) config.DeliveryMode {
	if e.DeliveryMode != "" {
		return config.DeliveryMode(e.DeliveryMode)
	}
	if e.Provider == ProviderPaymentTrigger {
		return q.paymentTriggerMode
	}
	return q.webhookMode
}

func (q *Queue) deliver(ctx context.Context, e *Entry) error {
	switch q.modeFor(e) {
	case config.DeliveryRecord:
		return q.record(e)
	case config.DeliveryEmail:
		return q.emailRow(e)
	default:
		return q.post(ctx, e)
	}
}

// record writes the would-be request to disk instead of performing HTTP.
func (q *Queue) record(e *Entry) error {
	ts := strconv.FormatInt(q.now().UTC().Unix(), 10)
	row := map[string]interface{}{
		"tenantId":       e.TenantID,
		"token":          e.Token,
		"provider":       e.Provider,
		"event":          e.Event,
		"url":            e.URL,
		"idempotencyKey": e.IdempotencyKey,
		"timestamp":      ts,
		"body":           json.RawMessage(e.Body),
	}
	if e.EncryptedSecret != "" {
		secret, err := q.box.Unseal(e.EncryptedSecret)
		if err != nil {
			return err
		}
		row["signature"] = Sign(secret, ts, e.Body)
	}
	raw, err := json.MarshalIndent(row, "", "  ")
	if err != nil {
		return err
	}
	name := fmt.Sprintf("%s_%s_%d.json", sanitize(e.TenantID), sanitize(e.Event), q.now().UTC().UnixNano())
	path := filepath.Join(q.recordDir(), name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

// emailRow hands the payload to the external mailer via the provider's
// outbox directory.
func (q *Queue) emailRow(e *Entry) error {
	row := map[string]interface{}{
		"tenantId":  e.TenantID,
		"token":     e.Token,
		"event":     e.Event,
		"emails":    e.Emails,
		"body":      json.RawMessage(e.Body),
		"createdAt": q.now().UTC().Format(time.RFC3339),
	}
	raw, err := json.MarshalIndent(row, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(q.emailDir(e.Provider), entryFileName(e))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

// post performs one signed HTTP delivery. Any status outside 2xx is a
// retryable failure.
func (q *Queue) post(ctx context.Context, e *Entry) error {
	if e.URL == "" {
		return fmt.Errorf("outbox: entry %s has no destination url", e.IdempotencyKey)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL, bytes.NewReader(e.Body))
	if err != nil {
		return err
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set(HeaderEvent, e.Event)
	ts := strconv.FormatInt(q.now().UTC().Unix(), 10)
	req.Header.Set(HeaderTimestamp, ts)
	if e.EncryptedSecret != "" {
		secret, err := q.box.Unseal(e.EncryptedSecret)
		if err != nil {
			return err
		}
		req.Header.Set(HeaderSignature, Sign(secret, ts, e.Body))
	}
	for k, v := range e.Headers {
		req.Header.Set(k, v)
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return fmt.Errorf("outbox: post %s: %w", e.Event, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("outbox: %s responded %d", e.Event, resp.StatusCode)
	}
	return nil
}
