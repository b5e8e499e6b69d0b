package inference

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bdougie/uicollage/internal/models"
)

func newServer(t *testing.T, status int, body string, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		if r.URL.Path == "/calculation" {
			var req calculationRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Images) != 3 {
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRequestReferencesSuccess(t *testing.T) {
	srv := newServer(t, http.StatusOK, `{"images":["1","2","3","4","5","6","7","8","9"]}`, nil)
	c := NewClient(srv.URL, time.Second)

	out, err := c.RequestReferences(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("RequestReferences: %v", err)
	}
	if len(out) != 9 || out[0] != "1" || out[8] != "9" {
		t.Fatalf("unexpected images %v", out)
	}
}

func TestRequestReferencesInvalidShape(t *testing.T) {
	cases := map[string]string{
		"eight":     `{"images":["1","2","3","4","5","6","7","8"]}`,
		"missing":   `{}`,
		"not array": `{"images":"nope"}`,
	}
	for name, body := range cases {
		srv := newServer(t, http.StatusOK, body, nil)
		_, err := NewClient(srv.URL, time.Second).RequestReferences(context.Background(), []string{"a", "b", "c"})
		var ire *models.InvalidResponseError
		if !errors.As(err, &ire) {
			t.Fatalf("%s: expected InvalidResponseError, got %v", name, err)
		}
	}
}

func TestRequestReferencesServiceError(t *testing.T) {
	var calls atomic.Int32
	srv := newServer(t, http.StatusBadGateway, "upstream down", &calls)
	_, err := NewClient(srv.URL, time.Second).RequestReferences(context.Background(), []string{"a", "b", "c"})

	var se *models.ServiceError
	if !errors.As(err, &se) {
		t.Fatalf("expected ServiceError, got %v", err)
	}
	if se.Status != http.StatusBadGateway || se.Body != "upstream down" {
		t.Fatalf("unexpected error detail: %+v", se)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", calls.Load())
	}
}

func TestRequestReferencesNeedsThree(t *testing.T) {
	var calls atomic.Int32
	srv := newServer(t, http.StatusOK, `{}`, &calls)
	_, err := NewClient(srv.URL, time.Second).RequestReferences(context.Background(), []string{"a", "b"})
	var ve *models.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("server must not be called")
	}
}

func TestPing(t *testing.T) {
	srv := newServer(t, http.StatusOK, `{"message":"pong"}`, nil)
	msg, err := NewClient(srv.URL, time.Second).Ping(context.Background())
	if err != nil || msg != "pong" {
		t.Fatalf("Ping = %q, %v", msg, err)
	}
}
