/**
 * @description
 * This package provides a client for interacting with the Didit verification
 * API. It encapsulates the logic for making authenticated HTTP requests,
 * handling request/response bodies, and managing errors from the API.
 *
 * @notes
 * - The client includes a default HTTP client with a timeout to prevent
 *   requests from hanging indefinitely.
 * - Server-side (5xx) and transport failures are wrapped in
 *   domain.ErrProviderUnavailable so callers can fail soft and tell the user
 *   to retry, without committing any partial state.
 */
package diditclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shebn/identity-service/internal/domain"
)

// Client is a client for interacting with the Didit API.
type Client struct {
	BaseURL    string
	APIKey     string
	httpClient *http.Client
}

// NewClient creates a new Didit API client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// CreateSession asks Didit to create a new verification session for the
// given workflow. The returned session carries the URL the user must visit
// to run the document flow.
func (c *Client) CreateSession(ctx context.Context, req domain.DiditCreateSessionRequest) (*domain.DiditCreateSessionResponse, error) {
	url := fmt.Sprintf("%s/v2/session/", c.BaseURL)
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session request body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create http request: %w", err)
	}

	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	// Didit answers 200 OK or 201 Created depending on API version.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, c.handleErrorResponse(resp)
	}

	var sessionResp domain.DiditCreateSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&sessionResp); err != nil {
		return nil, fmt.Errorf("failed to decode session response: %w", err)
	}

	return &sessionResp, nil
}

// GetSessionDecision fetches the current status and decision payload for a
// session. Used by the reconciliation poll path when webhook delivery is
// delayed or lost.
func (c *Client) GetSessionDecision(ctx context.Context, sessionID string) (*domain.DiditSessionDecisionResponse, error) {
	url := fmt.Sprintf("%s/v2/session/%s/decision/", c.BaseURL, sessionID)

	httpReq, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create http request: %w", err)
	}

	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, domain.ErrSessionNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.handleErrorResponse(resp)
	}

	var decisionResp domain.DiditSessionDecisionResponse
	if err := json.NewDecoder(resp.Body).Decode(&decisionResp); err != nil {
		return nil, fmt.Errorf("failed to decode decision response: %w", err)
	}

	return &decisionResp, nil
}

// VerificationURL resolves the URL the user must be sent to across the
// response shapes Didit has used: an explicit URL field when present,
// otherwise built from the session token, otherwise from the session ID.
func VerificationURL(resp *domain.DiditCreateSessionResponse) string {
	if resp.URL != "" {
		return resp.URL
	}
	if resp.VerificationURL != "" {
		return resp.VerificationURL
	}
	if resp.SessionToken != "" {
		return fmt.Sprintf("https://verify.didit.me/session/%s", resp.SessionToken)
	}
	return fmt.Sprintf("https://verify.didit.me/session/%s", resp.SessionID)
}

// setHeaders adds the authentication and content-type headers to the request.
func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-api-key", c.APIKey)
}

// handleErrorResponse reads the error body and returns a formatted error with
// the status code for easier debugging. Server errors are marked retryable.
func (c *Client) handleErrorResponse(resp *http.Response) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("didit API request failed with status %d and unreadable body", resp.StatusCode)
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d: %s", domain.ErrProviderUnavailable, resp.StatusCode, string(bodyBytes))
	}
	return fmt.Errorf("didit API request failed with status %d: %s", resp.StatusCode, string(bodyBytes))
}
