package reconstruct

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClientStart(t *testing.T) {
	var gotReq ControlRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &gotReq); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		json.NewEncoder(w).Encode(ControlResponse{
			Success: true,
			ChatID:  "chat-42",
			Status:  StitchProcessing,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	resp, err := c.Start(context.Background(), "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if gotReq.Action != "start" || gotReq.SessionID != "sess-1" {
		t.Errorf("request = %+v", gotReq)
	}
	if resp.ChatID != "chat-42" || resp.Status != StitchProcessing {
		t.Errorf("response = %+v", resp)
	}
}

func TestClientPoll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ControlRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Action != "poll" || req.ChatID != "chat-42" {
			t.Errorf("request = %+v", req)
		}
		json.NewEncoder(w).Encode(ControlResponse{Success: true, Status: StitchComplete})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	resp, err := c.Poll(context.Background(), "sess-1", "chat-42")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != StitchComplete {
		t.Errorf("status = %q", resp.Status)
	}
}

func TestClientErrors(t *testing.T) {
	t.Run("http_error_status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}))
		defer srv.Close()

		c := NewClient(srv.URL, 5*time.Second)
		if _, err := c.Start(context.Background(), "sess-1"); err == nil {
			t.Error("expected error on 500")
		}
	})

	t.Run("rejected", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(ControlResponse{Success: false, Error: "unknown session"})
		}))
		defer srv.Close()

		c := NewClient(srv.URL, 5*time.Second)
		if _, err := c.Start(context.Background(), "sess-1"); err == nil {
			t.Error("expected error on success=false")
		}
	})

	t.Run("unconfigured", func(t *testing.T) {
		c := NewClient("", 5*time.Second)
		if _, err := c.Start(context.Background(), "sess-1"); err == nil {
			t.Error("expected error with empty URL")
		}
	})

	t.Run("unreachable", func(t *testing.T) {
		c := NewClient("http://127.0.0.1:1", 500*time.Millisecond)
		if _, err := c.Poll(context.Background(), "sess-1", "chat-42"); err == nil {
			t.Error("expected error on connection refusal")
		}
	})
}
