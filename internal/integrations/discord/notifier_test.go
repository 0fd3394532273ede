package discord

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSendAlert_PostsEmbed(t *testing.T) {
	var got struct {
		Embeds []struct {
			Title       string `json:"title"`
			Description string `json:"description"`
			Color       int    `json:"color"`
		} `json:"embeds"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL)
	if err := n.SendAlert(context.Background(), "breaker", "ibkr opened", ColorError); err != nil {
		t.Fatalf("SendAlert error: %v", err)
	}
	if len(got.Embeds) != 1 || got.Embeds[0].Title != "breaker" || got.Embeds[0].Color != ColorError {
		t.Fatalf("payload = %+v", got)
	}
}

func TestSendAlert_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()
	if err := NewNotifier(srv.URL).Notify(context.Background(), "x"); err == nil {
		t.Fatal("expected error on 429")
	}
}
