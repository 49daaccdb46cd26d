package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/numberguard/internal/config"
	"github.com/agentworkforce/numberguard/internal/contacts"
	"github.com/agentworkforce/numberguard/internal/gateway"
	"github.com/agentworkforce/numberguard/internal/httpapi"
)

func startServer(t *testing.T) (string, config.Config) {
	t.Helper()
	cfg := config.Config{Server: config.ServerConfig{
		DocstoreDSN: "memory://",
		JWTSecret:   "test-secret",
	}}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, zerolog.Nop(), ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("serve returned %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("server did not shut down")
		}
	})
	return "http://" + ln.Addr().String(), cfg
}

func TestServeHealth(t *testing.T) {
	base, _ := startServer(t)
	resp, err := http.Get(base + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "ok") {
		t.Fatalf("unexpected health response %d %s", resp.StatusCode, body)
	}
}

func TestServeRoundTripsThroughGateway(t *testing.T) {
	base, cfg := startServer(t)
	token, err := httpapi.MintToken(cfg.Server.JWTSecret, "user-1", nil, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	gw, err := gateway.Open(base, token)
	if err != nil {
		t.Fatalf("open gateway: %v", err)
	}
	client := gw.(*gateway.HTTPClient)

	ctx := context.Background()
	id, err := client.Create(ctx, "user-1", contacts.Record{ID: "local-1", ClientID: "local-1", Name: "Rahim", CreatedAt: time.Now()})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	records, err := client.List(ctx, "user-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 || records[0].ID != id || records[0].Name != "Rahim" {
		t.Fatalf("unexpected records: %+v", records)
	}

	// Tokens are scoped to their subject.
	if _, err := client.List(ctx, "user-2"); !gateway.IsRejected(err) {
		t.Fatalf("expected rejection for another user, got %v", err)
	}
}

func TestServeRejectsUnknownDocstore(t *testing.T) {
	cfg := config.Config{Server: config.ServerConfig{DocstoreDSN: "bogus://x", Addr: "127.0.0.1:0"}}
	err := serve(context.Background(), cfg, zerolog.Nop(), nil)
	if err == nil || !strings.Contains(err.Error(), "open docstore") {
		t.Fatalf("expected docstore error, got %v", err)
	}
}

func TestCommandBindsFlags(t *testing.T) {
	t.Setenv("NUMBERGUARD_HOME", t.TempDir())
	cmd := newCommand(io.Discard)
	cmd.SetArgs([]string{"--docstore", "bogus://x", "--addr", "127.0.0.1:0", "--log-level", "error"})
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "unsupported docstore scheme: bogus") {
		t.Fatalf("expected flag value to reach the docstore, got %v", err)
	}
}

func TestDSNScheme(t *testing.T) {
	cases := map[string]string{
		"postgres://user:secret@db/contacts": "postgres",
		"memory://":                          "memory",
		"":                                   "unknown",
	}
	for dsn, want := range cases {
		if got := dsnScheme(dsn); got != want {
			t.Fatalf("dsnScheme(%q) = %q, want %q", dsn, got, want)
		}
	}
}
