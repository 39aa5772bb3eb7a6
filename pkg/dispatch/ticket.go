package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/fieldline/drivergate/pkg/evaluate"
	"github.com/fieldline/drivergate/pkg/resiliency"
)

// TicketClient files remediation tickets against a REST ticket system.
// The dedupe key travels with the request so the ticket system can apply
// its own server-side deduplication as a second line of defense.
type TicketClient struct {
	baseURL string
	token   string
	client  *resiliency.Client
}

// NewTicketClient creates a ticket client. token may be empty for
// unauthenticated endpoints (test rigs).
func NewTicketClient(baseURL, token string) *TicketClient {
	return &TicketClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  resiliency.NewClient("tickets"),
	}
}

type ticketRequest struct {
	Subject   string   `json:"subject"`
	Body      string   `json:"body"`
	DedupeKey string   `json:"dedupe_key"`
	Labels    []string `json:"labels,omitempty"`
}

type ticketResponse struct {
	ID string `json:"id"`
}

// File creates a ticket for a non-compliant verdict and returns the
// ticket ID.
func (t *TicketClient) File(ctx context.Context, v *evaluate.Verdict, dedupeKey string) (string, error) {
	body := fmt.Sprintf(
		"Driver artifact %s (%s/%s) failed signing compliance.\nViolated rules: %s\nPolicy: %s",
		v.ArtifactID, v.Platform, v.Class, strings.Join(v.ViolatedRules, ", "), v.PolicyRef)

	payload, err := json.Marshal(ticketRequest{
		Subject:   fmt.Sprintf("Non-compliant driver: %s/%s %s", v.Platform, v.Class, shortID(v.ArtifactID)),
		Body:      body,
		DedupeKey: dedupeKey,
		Labels:    []string{"driver-signing", "compliance"},
	})
	if err != nil {
		return "", fmt.Errorf("dispatch: ticket payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/api/v2/tickets", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("dispatch: ticket request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("dispatch: ticket call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("dispatch: ticket system returned %d: %s", resp.StatusCode, string(raw))
	}

	var ticket ticketResponse
	if err := json.NewDecoder(resp.Body).Decode(&ticket); err != nil {
		return "", fmt.Errorf("dispatch: ticket response: %w", err)
	}
	return ticket.ID, nil
}

// shortID trims a digest-style artifact ID down to a readable tail.
func shortID(id string) string {
	if i := strings.IndexByte(id, ':'); i >= 0 && len(id) > i+13 {
		return id[i+1 : i+13]
	}
	return id
}
