package statusapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

type fakeSource struct{}

func (fakeSource) GlobalStatus() string { return "NORMAL" }
func (fakeSource) Recorders() []string  { return []string{"DR1"} }
func (fakeSource) RecorderStatus(name string) (RecorderStatus, bool) {
	if name != "DR1" {
		return RecorderStatus{}, false
	}
	return RecorderStatus{QueueSize: 2, QueueState: "active", ActiveID: "None"}, true
}

func TestSummaryWithoutAuth(t *testing.T) {
	h := New(Config{}, fakeSource{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status/summary", nil)
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "NORMAL" {
		t.Fatalf("status field = %v", body["status"])
	}
}

func TestRecorderStatusNotFound(t *testing.T) {
	h := New(Config{}, fakeSource{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status/recorders/DR9", nil)
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestBasicAuthRejectsWrongPassword(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("correct-horse"), bcrypt.DefaultCost)
	if err != nil {
		t.Fatalf("GenerateFromPassword: %v", err)
	}
	h := New(Config{PasswordHash: string(hash)}, fakeSource{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status/summary", nil)
	req.SetBasicAuth("any", "wrong")
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestBasicAuthAcceptsCorrectPassword(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("correct-horse"), bcrypt.DefaultCost)
	if err != nil {
		t.Fatalf("GenerateFromPassword: %v", err)
	}
	h := New(Config{PasswordHash: string(hash)}, fakeSource{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status/summary", nil)
	req.SetBasicAuth("any", "correct-horse")
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
