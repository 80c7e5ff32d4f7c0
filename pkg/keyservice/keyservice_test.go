package keyservice

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFetch(t *testing.T) {
	tests := []struct {
		name   string
		code   int
		body   string
		wantID string
		err    bool
	}{
		{name: "ok", code: 200, body: `["k1","AAECAw=="]`, wantID: "k1"},
		{name: "short", code: 200, body: `["k1"]`, err: true},
		{name: "not json", code: 200, body: `<html>`, err: true},
		{name: "bad base64", code: 200, body: `["k1","%%%"]`, err: true},
		{name: "no id", code: 200, body: `["","AAECAw=="]`, err: true},
		{name: "status", code: 500, body: `oops`, err: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodGet {
					t.Errorf("method %v", r.Method)
				}
				w.WriteHeader(tt.code)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			key, err := New(srv.URL, 0).Fetch(context.Background())
			if tt.err {
				if !errors.Is(err, ErrBadResponse) {
					t.Fatalf("expected bad response, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if key.ID != tt.wantID || len(key.Secret) != 4 || key.Secret[3] != 3 {
				t.Errorf("key = %+v", key)
			}
		})
	}
}

func TestFetchUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	if _, err := New(url, 0).Fetch(context.Background()); err == nil {
		t.Error("expected error")
	}
}
