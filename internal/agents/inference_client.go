package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"cloudshift/backend/pkg/models"
)

// InferenceClient is an HTTP implementation of the Factory interface backed
// by the inference sidecar.
type InferenceClient struct {
	url    string
	client *http.Client
}

// NewInferenceClient creates a new InferenceClient for the sidecar base URL.
func NewInferenceClient(url string) *InferenceClient {
	return &InferenceClient{url: url, client: http.DefaultClient}
}

// New opens a session on the sidecar for the given tenant and worker kind.
func (c *InferenceClient) New(ctx context.Context, tenant models.Tenant, kind string) (Agent, error) {
	requestBody, err := json.Marshal(map[string]string{
		"client_id":     tenant.ClientID,
		"engagement_id": tenant.EngagementID,
		"kind":          kind,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/v1/sessions", bytes.NewBuffer(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to open agent session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("failed to open agent session: status code %d", resp.StatusCode)
	}

	var session struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, fmt.Errorf("failed to decode session response: %w", err)
	}
	if session.SessionID == "" {
		return nil, fmt.Errorf("sidecar returned an empty session id")
	}

	return &inferenceAgent{client: c, sessionID: session.SessionID, kind: kind}, nil
}

// inferenceAgent is a live sidecar session. It is owned by exactly one pool
// entry and must not be used after Close.
type inferenceAgent struct {
	client    *InferenceClient
	sessionID string
	kind      string
}

func (a *inferenceAgent) Kind() string { return a.kind }

func (a *inferenceAgent) Complete(ctx context.Context, task string, payload map[string]any) (map[string]any, error) {
	requestBody, err := json.Marshal(map[string]any{
		"task":    task,
		"payload": payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal completion request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/sessions/%s/complete", a.client.url, a.sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("completion request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("completion request failed: status code %d", resp.StatusCode)
	}

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode completion response: %w", err)
	}
	return out, nil
}

func (a *inferenceAgent) Close(ctx context.Context) error {
	url := fmt.Sprintf("%s/v1/sessions/%s", a.client.url, a.sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := a.client.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to close agent session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("failed to close agent session: status code %d", resp.StatusCode)
	}
	return nil
}
