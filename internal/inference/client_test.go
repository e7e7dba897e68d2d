package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCompleteParsesChoice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Errorf("messages = %+v", req.Messages)
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"{\"action\":\"refuse\"}"}}]}`))
	}))
	defer srv.Close()

	c := NewLocalClient(LocalConfig{BaseURL: srv.URL + "/v1", Model: "test"})
	out, err := c.Complete(context.Background(), "sys", "user", time.Second)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out != `{"action":"refuse"}` {
		t.Fatalf("out = %q", out)
	}
}

func TestCompleteTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	c := NewLocalClient(LocalConfig{BaseURL: srv.URL + "/v1", Model: "test"})
	start := time.Now()
	_, err := c.Complete(context.Background(), "", "user", 100*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("per-call timeout not honored")
	}
}

func TestCompleteRejectsGarbageBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>definitely not json</html>"))
	}))
	defer srv.Close()

	c := NewLocalClient(LocalConfig{BaseURL: srv.URL + "/v1", Model: "test"})
	if _, err := c.Complete(context.Background(), "", "u", time.Second); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestCompleteSurfacesEndpointError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"message":"model fell over"}}`))
	}))
	defer srv.Close()

	c := NewLocalClient(LocalConfig{BaseURL: srv.URL + "/v1", Model: "test"})
	if _, err := c.Complete(context.Background(), "", "u", time.Second); err == nil {
		t.Fatal("expected endpoint error")
	}
}
