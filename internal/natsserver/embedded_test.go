package natsserver

import (
	"testing"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/rs/zerolog"
)

func TestStartDisabled(t *testing.T) {
	srv, err := Start(config.BusConfig{Embedded: false}, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if srv != nil {
		t.Fatal("expected nil server when embedded mode is disabled")
	}
	// nil receivers are safe
	srv.Shutdown()
	if srv.ClientURL() != "" {
		t.Fatal("expected empty url for nil server")
	}
}

func TestStartRandomPort(t *testing.T) {
	srv, err := Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, zerolog.Nop())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	if srv.ClientURL() == "" {
		t.Fatal("expected client url")
	}
}
