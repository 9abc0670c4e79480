package reputation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestIPAPIClient_Success(t *testing.T) {
	var gotPath, gotFields string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotFields = r.URL.Query().Get("fields")
		_, _ = w.Write([]byte(`{"status":"success","countryCode":"US","org":"Cloudflare","as":"AS13335 Cloudflare, Inc.","hosting":true}`))
	}))
	defer srv.Close()

	c := NewIPAPIClient(IPAPIConfig{BaseURL: srv.URL, Timeout: time.Second})
	res, err := c.Lookup(context.Background(), "1.1.1.1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if gotPath != "/1.1.1.1" {
		t.Fatalf("path: got %q", gotPath)
	}
	if !strings.Contains(gotFields, "hosting") {
		t.Fatalf("fields query missing hosting: %q", gotFields)
	}
	want := LookupResult{CountryCode: "US", ASN: 13335, Org: "Cloudflare", IsHosting: true}
	if res != want {
		t.Fatalf("result = %+v, want %+v", res, want)
	}
}

func TestIPAPIClient_Failures(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"fail status": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"status":"fail","message":"private range"}`))
		},
		"http error": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "slow down", http.StatusTooManyRequests)
		},
		"bad json": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`<html>`))
		},
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(h)
			defer srv.Close()
			c := NewIPAPIClient(IPAPIConfig{BaseURL: srv.URL, Timeout: time.Second})
			if _, err := c.Lookup(context.Background(), "10.0.0.1"); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestIPAPIClient_RateLimitRespectsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"success","countryCode":"DE"}`))
	}))
	defer srv.Close()

	c := NewIPAPIClient(IPAPIConfig{BaseURL: srv.URL, Timeout: time.Second, RequestsPerMinute: 1})
	if _, err := c.Lookup(context.Background(), "1.1.1.1"); err != nil {
		t.Fatalf("first lookup: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Lookup(ctx, "1.1.1.2"); err == nil {
		t.Fatal("second lookup should fail waiting for the limiter")
	}
}
