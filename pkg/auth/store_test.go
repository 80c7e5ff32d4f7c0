package auth

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/giongto35/cloud-relay/pkg/logger"
)

func TestOpenMissing(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "keys.json"), logger.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if s.Len() != 0 {
		t.Errorf("len = %v", s.Len())
	}
	if s.Touch("anything", time.Now()) {
		t.Error("touched a key in an empty store")
	}
}

func TestAddTouchSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.json")
	s, err := Open(path, logger.Nop())
	if err != nil {
		t.Fatal(err)
	}
	k, err := s.Add("ops")
	if err != nil {
		t.Fatal(err)
	}
	if k.Key == "" || k.Key != strings.ToLower(k.Key) {
		t.Fatalf("bad key %q", k.Key)
	}

	tests := []struct {
		in   string
		want bool
	}{
		{in: k.Key, want: true},
		{in: "  " + strings.ToUpper(k.Key) + "\t", want: true},
		{in: "nope", want: false},
		{in: "", want: false},
	}
	when := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	for _, tt := range tests {
		if got := s.Touch(tt.in, when); got != tt.want {
			t.Errorf("Touch(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if err = s.Save(); err != nil {
		t.Fatal(err)
	}

	again, err := Open(path, logger.Nop())
	if err != nil {
		t.Fatal(err)
	}
	keys := again.Keys()
	if len(keys) != 1 || keys[0].Name != "ops" || keys[0].LastUsed == nil || !keys[0].LastUsed.Equal(when) {
		t.Errorf("reloaded keys = %+v", keys)
	}
}

func TestOpenCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.json")
	if err := os.WriteFile(path, []byte("{"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path, logger.Nop()); err == nil {
		t.Error("expected error")
	}
}

func TestWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.json")
	s, err := Open(path, logger.Nop())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// other process edits the file
	data := `[{"Key":"abc","Name":"x","Created":"2020-01-01T00:00:00Z"}]`
	deadline := time.Now().Add(5 * time.Second)
	for s.Len() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("store was not reloaded")
		}
		_ = os.WriteFile(path, []byte(data), 0600)
		time.Sleep(50 * time.Millisecond)
	}
	if !s.Touch("ABC", time.Now()) {
		t.Error("reloaded key not found")
	}
}
