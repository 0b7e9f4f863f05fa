package apiresp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWriteOKEnvelope(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	WriteOK(w, req, http.StatusOK, "Exams retrieved successfully", map[string]any{"exams": []int{1, 2}})

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != float64(200) {
		t.Fatalf("expected status 200 in body, got %v", body["status"])
	}
	if body["message"] != "Exams retrieved successfully" {
		t.Fatalf("unexpected message %v", body["message"])
	}
	if _, ok := body["error"]; ok {
		t.Fatalf("success envelope must not carry error")
	}
	data, ok := body["data"].(map[string]any)
	if !ok || data["exams"] == nil {
		t.Fatalf("expected data.exams, got %v", body["data"])
	}
}

func TestWriteErrorEnvelope(t *testing.T) {
	tests := []struct {
		status int
		code   string
	}{
		{status: http.StatusBadRequest, code: "invalid_request"},
		{status: http.StatusForbidden, code: "forbidden"},
		{status: http.StatusNotFound, code: "not_found"},
		{status: http.StatusConflict, code: "conflict"},
		{status: http.StatusInternalServerError, code: "internal_error"},
	}
	for _, tc := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		w := httptest.NewRecorder()

		WriteError(w, req, tc.status, "")

		var body Envelope
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.Status != tc.status || w.Code != tc.status {
			t.Fatalf("status mismatch: body=%d header=%d want=%d", body.Status, w.Code, tc.status)
		}
		if body.Error == nil || body.Error.Code != tc.code {
			t.Fatalf("expected code %q, got %+v", tc.code, body.Error)
		}
		if body.Message != http.StatusText(tc.status) {
			t.Fatalf("expected default message, got %q", body.Message)
		}
	}
}
