// Package transport delivers queue items to the sync backend. Each Send is
// exactly one bounded HTTP attempt; every retry decision belongs to the queue
// manager, which is why failures are returned classified rather than retried
// here.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"fieldsync/internal/config"
	"fieldsync/internal/logging"
	"fieldsync/internal/outbox"
)

const userAgent = "fieldsync/0.1.0"

// TokenSource supplies the current bearer token for outgoing requests.
type TokenSource interface {
	Token() string
}

// Client posts items to the backend sync endpoint.
type Client struct {
	endpoint string
	deviceID string
	tokens   TokenSource
	client   *http.Client
	logger   *slog.Logger
}

// NewClient builds a transport client from configuration. The HTTP client's
// timeout bounds every attempt.
func NewClient(cfg *config.Config, tokens TokenSource, logger *slog.Logger) *Client {
	timeout := time.Duration(cfg.Backend.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		endpoint: cfg.Backend.URL,
		deviceID: cfg.Device.ID,
		tokens:   tokens,
		client:   &http.Client{Timeout: timeout},
		logger:   logging.NewComponentLogger(logger, "transport"),
	}
}

// submission is the wire format for one item.
type submission struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Priority   int             `json:"priority"`
	CapturedAt time.Time       `json:"captured_at"`
	Checksum   string          `json:"checksum"`
	DeviceID   string          `json:"device_id"`
}

// acknowledgment is the backend's success response body.
type acknowledgment struct {
	ConfirmationID string `json:"confirmation_id"`
	TransactionID  string `json:"transaction_id"`
}

// Send performs one delivery attempt. On success the returned receipt always
// carries a non-empty confirmation id; a 2xx response without one is treated
// as an implicit success and logged as a protocol violation.
func (c *Client) Send(ctx context.Context, item *outbox.Item) (outbox.Receipt, error) {
	body, err := json.Marshal(submission{
		ID:         item.ID,
		Type:       string(item.Type),
		Payload:    item.Payload,
		Priority:   item.Priority,
		CapturedAt: item.CreatedAt,
		Checksum:   item.Checksum,
		DeviceID:   c.deviceID,
	})
	if err != nil {
		// A payload that cannot be marshalled can never be delivered.
		return outbox.Receipt{}, outbox.Wrap(outbox.ErrValidation, "encode submission", "", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return outbox.Receipt{}, outbox.Wrap(outbox.ErrValidation, "build request", "", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/json")
	if c.tokens != nil {
		if token := strings.TrimSpace(c.tokens.Token()); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return outbox.Receipt{}, outbox.Wrap(outbox.ErrTransient, "send item", "network failure", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return c.receiptFrom(resp, item)
	}
	return outbox.Receipt{}, classifyStatus(resp)
}

func (c *Client) receiptFrom(resp *http.Response, item *outbox.Item) (outbox.Receipt, error) {
	var ack acknowledgment
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err == nil && len(data) > 0 {
		// Tolerate non-JSON bodies; only the confirmation id matters.
		_ = json.Unmarshal(data, &ack)
	}

	confirmationID := strings.TrimSpace(ack.ConfirmationID)
	if confirmationID == "" {
		confirmationID = strings.TrimSpace(ack.TransactionID)
	}
	if confirmationID != "" {
		return outbox.Receipt{ConfirmationID: confirmationID}, nil
	}

	// Protocol violation: the delivery contract requires a confirmation id
	// on success. Fall back to implicit success so the item is not retried
	// into a duplicate.
	c.logger.Warn("success response missing confirmation id",
		logging.String(logging.FieldItemID, item.ID),
		logging.Int("status", resp.StatusCode),
	)
	return outbox.Receipt{
		ConfirmationID: "implicit-" + uuid.NewString(),
		Implicit:       true,
	}, nil
}

// StatusError carries the HTTP status of a rejected delivery.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend returned %d", e.Status)
	}
	return fmt.Sprintf("backend returned %d: %s", e.Status, e.Body)
}

func classifyStatus(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	cause := &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return outbox.Wrap(outbox.ErrSessionExpired, "send item", "", cause)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return outbox.Wrap(outbox.ErrValidation, "send item", "", cause)
	default:
		return outbox.Wrap(outbox.ErrTransient, "send item", "", cause)
	}
}
