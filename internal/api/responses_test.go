package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParsePagination(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantLimit  int
		wantOffset int
		wantErr    bool
	}{
		{"defaults", "", 50, 0, false},
		{"valid_custom", "limit=25&offset=10", 25, 10, false},
		{"zero_limit_rejected", "limit=0", 0, 0, true},
		{"negative_offset_rejected", "offset=-5", 0, 0, true},
		{"non_numeric_limit_rejected", "limit=abc", 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/?"+tt.query, nil)
			p, err := ParsePagination(req)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if p.Limit != tt.wantLimit || p.Offset != tt.wantOffset {
				t.Errorf("got limit=%d offset=%d, want %d/%d", p.Limit, p.Offset, tt.wantLimit, tt.wantOffset)
			}
		})
	}
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusCreated, map[string]any{"success": true})
	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["success"] != true {
		t.Errorf("body = %v", body)
	}
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, http.StatusBadRequest, "bad input")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
	var body ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Error != "bad input" {
		t.Errorf("error = %q", body.Error)
	}
}

func TestDecodeJSON(t *testing.T) {
	req := httptest.NewRequest("POST", "/", strings.NewReader(`{"session_id":"s1"}`))
	var body struct {
		SessionID string `json:"session_id"`
	}
	if err := DecodeJSON(req, &body); err != nil {
		t.Fatal(err)
	}
	if body.SessionID != "s1" {
		t.Errorf("session_id = %q", body.SessionID)
	}

	bad := httptest.NewRequest("POST", "/", strings.NewReader("not json"))
	if err := DecodeJSON(bad, &body); err == nil {
		t.Error("expected decode error")
	}
}

func TestQueryString(t *testing.T) {
	req := httptest.NewRequest("GET", "/?status=completed&empty=", nil)
	if v, ok := QueryString(req, "status"); !ok || v != "completed" {
		t.Errorf("got %q, %v", v, ok)
	}
	if _, ok := QueryString(req, "empty"); ok {
		t.Error("empty param should report absent")
	}
	if _, ok := QueryString(req, "missing"); ok {
		t.Error("missing param should report absent")
	}
}
