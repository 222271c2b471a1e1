package diditclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shebn/identity-service/internal/domain"
)

func TestCreateSession(t *testing.T) {
	var gotPath, gotAPIKey string
	var gotReq domain.DiditCreateSessionRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAPIKey = r.Header.Get("x-api-key")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(domain.DiditCreateSessionResponse{
			SessionID: "S1",
			URL:       "https://verify.didit.me/session/S1",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, "key-123")
	resp, err := client.CreateSession(context.Background(), domain.DiditCreateSessionRequest{
		WorkflowID: "wf-1",
		VendorData: "ana@example.com",
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if resp.SessionID != "S1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if gotPath != "/v2/session/" {
		t.Fatalf("unexpected path: %q", gotPath)
	}
	if gotAPIKey != "key-123" {
		t.Fatalf("api key header missing, got %q", gotAPIKey)
	}
	if gotReq.WorkflowID != "wf-1" || gotReq.VendorData != "ana@example.com" {
		t.Fatalf("unexpected request body: %+v", gotReq)
	}
}

func TestGetSessionDecision(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/session/S1/decision/" {
			t.Errorf("unexpected path: %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(domain.DiditSessionDecisionResponse{
			SessionID: "S1",
			Status:    "Approved",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, "key-123")
	resp, err := client.GetSessionDecision(context.Background(), "S1")
	if err != nil {
		t.Fatalf("get decision: %v", err)
	}
	if resp.Status != "Approved" {
		t.Fatalf("unexpected decision: %+v", resp)
	}
}

func TestGetSessionDecisionNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClient(server.URL, "key-123")
	if _, err := client.GetSessionDecision(context.Background(), "missing"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestServerErrorsAreRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(server.URL, "key-123")
	if _, err := client.CreateSession(context.Background(), domain.DiditCreateSessionRequest{}); !errors.Is(err, domain.ErrProviderUnavailable) {
		t.Fatalf("expected provider unavailable, got %v", err)
	}
	if _, err := client.GetSessionDecision(context.Background(), "S1"); !errors.Is(err, domain.ErrProviderUnavailable) {
		t.Fatalf("expected provider unavailable, got %v", err)
	}
}

func TestClientErrorsAreNotRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"detail":"workflow not found"}`, http.StatusBadRequest)
	}))
	defer server.Close()

	client := NewClient(server.URL, "key-123")
	_, err := client.CreateSession(context.Background(), domain.DiditCreateSessionRequest{})
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, domain.ErrProviderUnavailable) {
		t.Fatal("4xx must not be marked retryable")
	}
}

func TestVerificationURLResolution(t *testing.T) {
	tests := []struct {
		name string
		resp domain.DiditCreateSessionResponse
		want string
	}{
		{"explicit url", domain.DiditCreateSessionResponse{URL: "https://a/x"}, "https://a/x"},
		{"verification_url field", domain.DiditCreateSessionResponse{VerificationURL: "https://b/y"}, "https://b/y"},
		{"from session token", domain.DiditCreateSessionResponse{SessionToken: "tok"}, "https://verify.didit.me/session/tok"},
		{"from session id", domain.DiditCreateSessionResponse{SessionID: "S1"}, "https://verify.didit.me/session/S1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerificationURL(&tt.resp); got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}
