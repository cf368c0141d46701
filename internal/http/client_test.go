package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"
)

func TestGet(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		if got := r.URL.Query().Get("format"); got != "csv" {
			t.Errorf("expected format=csv, got %q", got)
		}
		if got := r.Header.Get("X-Api-Key"); got != "secret" {
			t.Errorf("expected api key header, got %q", got)
		}
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		io.WriteString(w, "Alpha-3 code,2020\nAFG,1\n")
	}))
	defer server.Close()

	client := NewClient(DefaultOptions())
	resp, err := client.Get(context.Background(), server.URL+"/data?x=1",
		url.Values{"format": {"csv"}},
		http.Header{"X-Api-Key": {"secret"}})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(resp.Body) != "Alpha-3 code,2020\nAFG,1\n" {
		t.Errorf("unexpected body %q", resp.Body)
	}
	if resp.ContentType != "text/csv" {
		t.Errorf("expected content-type text/csv, got %s", resp.ContentType)
	}
}

func TestPost(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected json content type, got %s", ct)
		}
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	}))
	defer server.Close()

	client := NewClient(DefaultOptions())
	resp, err := client.Post(context.Background(), server.URL, "application/json", []byte(`{"q":1}`), nil)
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if string(resp.Body) != `{"q":1}` {
		t.Errorf("unexpected body %q", resp.Body)
	}
}

func TestStatusErrors(t *testing.T) {
	tests := []struct {
		code int
		want error
	}{
		{http.StatusNotFound, ErrNotFound},
		{http.StatusForbidden, ErrForbidden},
		{http.StatusUnauthorized, ErrUnauthorized},
		{http.StatusBadGateway, ErrServerError},
	}

	for _, tt := range tests {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.code)
		}))

		client := NewClient(DefaultOptions())
		_, err := client.Get(context.Background(), server.URL, nil, nil)
		server.Close()

		var statusErr *StatusError
		if !errors.As(err, &statusErr) {
			t.Fatalf("status %d: expected *StatusError, got %v", tt.code, err)
		}
		if statusErr.Code != tt.code {
			t.Errorf("expected code %d, got %d", tt.code, statusErr.Code)
		}
		if !errors.Is(err, tt.want) {
			t.Errorf("status %d: expected %v, got %v", tt.code, tt.want, err)
		}
	}
}

func TestContextCancel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	client := NewClient(DefaultOptions())
	start := time.Now()
	_, err := client.Get(ctx, server.URL, nil, nil)
	if err == nil {
		t.Fatal("expected error for cancelled request")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("request did not honor context cancellation")
	}
}

func TestMediaType(t *testing.T) {
	tests := map[string]string{
		"":                         "application/octet-stream",
		"text/csv; charset=utf-8":  "text/csv",
		"application/vnd.ms-excel": "application/vnd.ms-excel",
	}
	for in, want := range tests {
		if got := mediaType(in); got != want {
			t.Errorf("mediaType(%q) = %q, want %q", in, got, want)
		}
	}
}
