// Package webhook delivers settlement notifications to registered
// endpoints. Delivery is fire-and-forget: failures are logged and never
// affect settlement outcomes.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/x402kit/facilitator/audit"
)

const deliveryTimeout = 10 * time.Second

// Registration is one webhook subscription.
type Registration struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Secret    string    `json:"-"`
	Events    []string  `json:"events"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

// payload is the wire format posted to subscribers.
type payload struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Data      eventData `json:"data"`
}

type eventData struct {
	TransactionID string `json:"transactionId"`
	TxHash        string `json:"txHash,omitempty"`
	Payer         string `json:"payer"`
	Receiver      string `json:"receiver"`
	Token         string `json:"token"`
	Amount        string `json:"amount"`
	Fee           string `json:"fee"`
	Network       string `json:"network"`
	Status        string `json:"status"`
	ErrorReason   string `json:"errorReason,omitempty"`
}

// Dispatcher owns the registrations and performs deliveries. With a
// Store attached, registrations survive restarts.
type Dispatcher struct {
	mu     sync.RWMutex
	hooks  map[string]*Registration
	store  Store
	client *http.Client
	logger *slog.Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		hooks:  make(map[string]*Registration),
		client: &http.Client{Timeout: deliveryTimeout},
		logger: logger,
	}
}

// WithStore attaches a durable store and hydrates prior registrations.
func (d *Dispatcher) WithStore(ctx context.Context, store Store) error {
	regs, err := store.LoadAll(ctx)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.store = store
	for i := range regs {
		reg := regs[i]
		d.hooks[reg.ID] = &reg
	}
	return nil
}

// Register adds a subscription and returns it with its assigned id.
func (d *Dispatcher) Register(url, secret string, events []string) (Registration, error) {
	if url == "" {
		return Registration{}, fmt.Errorf("webhook url is required")
	}
	if len(events) == 0 {
		events = []string{"settlement.success", "settlement.failed"}
	}

	reg := Registration{
		ID:        uuid.NewString(),
		URL:       url,
		Secret:    secret,
		Events:    events,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.store.Save(ctx, reg); err != nil {
			return Registration{}, err
		}
	}
	stored := reg
	d.hooks[reg.ID] = &stored
	return reg, nil
}

// List returns every registration, secrets omitted.
func (d *Dispatcher) List() []Registration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Registration, 0, len(d.hooks))
	for _, reg := range d.hooks {
		r := *reg
		r.Secret = ""
		out = append(out, r)
	}
	return out
}

// Deactivate disables a registration. Unknown ids are an error.
func (d *Dispatcher) Deactivate(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	reg, ok := d.hooks[id]
	if !ok {
		return fmt.Errorf("webhook not found: %s", id)
	}
	reg.Active = false
	if d.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.store.SetActive(ctx, id, false); err != nil {
			d.logger.Warn("webhook deactivation not persisted", "id", id, "err", err)
		}
	}
	return nil
}

// EmitSettlement fans the event out to every active subscriber of it.
// Implements the orchestrator's EventSink.
func (d *Dispatcher) EmitSettlement(event string, rec audit.Record) {
	body := payload{
		Event:     event,
		Timestamp: time.Now().UTC(),
		Data: eventData{
			TransactionID: rec.ID,
			TxHash:        rec.TxID,
			Payer:         rec.Payer,
			Receiver:      rec.Receiver,
			Token:         rec.TokenAddress,
			Amount:        rec.Amount,
			Fee:           rec.Fee,
			Network:       rec.Network,
			Status:        string(rec.Status),
			ErrorReason:   rec.ErrorReason,
		},
	}

	d.mu.RLock()
	targets := make([]Registration, 0, len(d.hooks))
	for _, reg := range d.hooks {
		if reg.Active && subscribed(reg.Events, event) {
			targets = append(targets, *reg)
		}
	}
	d.mu.RUnlock()

	for _, target := range targets {
		go d.deliver(target, body)
	}
}

func subscribed(events []string, event string) bool {
	for _, e := range events {
		if e == event || e == "*" {
			return true
		}
	}
	return false
}

func (d *Dispatcher) deliver(target Registration, body payload) {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	raw, err := json.Marshal(body)
	if err != nil {
		d.logger.Error("webhook payload marshal failed", "err", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(raw))
	if err != nil {
		d.logger.Warn("webhook request build failed", "id", target.ID, "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", body.Event)
	req.Header.Set("X-Webhook-Timestamp", body.Timestamp.Format(time.RFC3339))
	if target.Secret != "" {
		req.Header.Set("X-Webhook-Signature", "sha256="+Sign(raw, target.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Warn("webhook delivery failed", "id", target.ID, "err", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		d.logger.Warn("webhook delivery rejected", "id", target.ID, "status", resp.StatusCode)
	}
}

// Sign computes the hex HMAC-SHA256 of a body with the shared secret.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
