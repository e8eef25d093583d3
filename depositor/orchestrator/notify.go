package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/piggyvault/piggy-hub/depositor/models"
)

// Event is posted to the webhook after a successful deposit
type Event struct {
	Event string         `json:"event"`
	Data  DepositedEvent `json:"data"`
}

// DepositedEvent describes a completed run
type DepositedEvent struct {
	SessionID     string   `json:"sessionId"`
	Account       string   `json:"account"`
	ChainID       uint64   `json:"chainId"`
	Handle        string   `json:"handle"`
	TxHashes      []string `json:"transactionHashes"`
	DepositEntry  string   `json:"depositEntry"`
	DepositAmount string   `json:"depositAmount"`
	Invested      bool     `json:"invested"`
	Timestamp     int64    `json:"timestamp"`
}

// Notifier delivers deposit events
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// WebhookNotifier posts events as JSON
type WebhookNotifier struct {
	url    string
	client *http.Client
}

func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{url: url, client: &http.Client{Timeout: timeout}}
}

func (w *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post event: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &models.UpstreamError{Status: resp.StatusCode, Body: http.StatusText(resp.StatusCode), Err: models.ErrUpstreamRejected}
	}
	return nil
}

func depositedEvent(sess *Session, outcome *models.OperationOutcome, now time.Time) Event {
	var hashes []string
	if outcome.TerminalReceipt != nil {
		hashes = outcome.TerminalReceipt.TransactionHash
	}
	return Event{
		Event: "deposit.succeeded",
		Data: DepositedEvent{
			SessionID:     sess.ID,
			Account:       sess.Account.Hex(),
			ChainID:       sess.ChainID,
			Handle:        outcome.SubmittedHandle,
			TxHashes:      hashes,
			DepositEntry:  outcome.DepositEntry,
			DepositAmount: outcome.DepositAmount,
			Invested:      outcome.Invested,
			Timestamp:     now.Unix(),
		},
	}
}
