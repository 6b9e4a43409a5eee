package casaflow

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClientOptions(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		c := NewClient("tok")
		if c.baseURL != DefaultBaseURL {
			t.Errorf("expected default base URL, got %s", c.baseURL)
		}
		if c.ChannelURL() != DefaultBaseURL {
			t.Errorf("channel URL should default to the base URL, got %s", c.ChannelURL())
		}
		if c.httpClient.Timeout != DefaultTimeout {
			t.Errorf("expected default timeout, got %v", c.httpClient.Timeout)
		}
	})

	t.Run("overrides", func(t *testing.T) {
		c := NewClient("tok",
			WithBaseURL("https://example.com/api/"),
			WithChannelURL("https://rt.example.com/"),
			WithTimeout(3*time.Second),
		)
		if c.baseURL != "https://example.com/api" {
			t.Errorf("trailing slash should be trimmed, got %s", c.baseURL)
		}
		if c.ChannelURL() != "https://rt.example.com" {
			t.Errorf("unexpected channel URL %s", c.ChannelURL())
		}
		if c.httpClient.Timeout != 3*time.Second {
			t.Errorf("unexpected timeout %v", c.httpClient.Timeout)
		}
	})

	t.Run("token cell", func(t *testing.T) {
		c := NewClient("")
		if c.Token() != "" {
			t.Error("expected empty token")
		}
		c.SetToken("fresh")
		if c.Token() != "fresh" {
			t.Errorf("expected updated token, got %q", c.Token())
		}
	})
}

func TestDoRequest(t *testing.T) {
	t.Run("bearer auth and envelope decode", func(t *testing.T) {
		var gotAuth string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			json.NewEncoder(w).Encode(map[string]interface{}{
				"success": true,
				"data":    map[string]int{"count": 12},
			})
		}))
		defer srv.Close()

		c := NewClient("secret", WithBaseURL(srv.URL))
		count, err := c.Chat().UnreadCount(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if gotAuth != "Bearer secret" {
			t.Errorf("expected bearer header, got %q", gotAuth)
		}
		if count != 12 {
			t.Errorf("expected 12, got %d", count)
		}
	})

	t.Run("api error surfaces as APIError", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"success": false,
				"error":   map[string]string{"code": "forbidden", "message": "not a participant"},
			})
		}))
		defer srv.Close()

		c := NewClient("tok", WithBaseURL(srv.URL))
		_, err := c.Chat().Conversations(context.Background())
		if err == nil {
			t.Fatal("expected error")
		}
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("expected APIError, got %T: %v", err, err)
		}
		if apiErr.Code != "forbidden" {
			t.Errorf("unexpected code %q", apiErr.Code)
		}
	})

	t.Run("unsuccessful envelope without error detail", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]interface{}{"success": false})
		}))
		defer srv.Close()

		c := NewClient("tok", WithBaseURL(srv.URL))
		_, err := c.Chat().Conversations(context.Background())
		if err == nil {
			t.Fatal("expected error for failed request")
		}
	})
}
