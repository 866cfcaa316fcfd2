package cmd

import (
	"testing"
	"time"

	"github.com/lkarlslund/chatrelay/pkg/config"
	"github.com/lkarlslund/chatrelay/pkg/proxy"
)

func TestStreamIdleOptionKeepsSubSecondValues(t *testing.T) {
	cfg := config.NewDefaultServerConfig()
	cfg.Upstream.BaseURL = "http://upstream.test/api"
	cfg.Normalize()

	opt, err := streamIdleOption(500 * time.Millisecond)
	if err != nil {
		t.Fatalf("stream idle option: %v", err)
	}
	srv, err := proxy.NewServer(cfg, opt)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if got := srv.StreamIdleTimeout(); got != 500*time.Millisecond {
		t.Fatalf("expected 500ms idle timeout, got %s", got)
	}

	for _, d := range []time.Duration{0, -time.Second} {
		if _, err := streamIdleOption(d); err == nil {
			t.Fatalf("expected %s to be rejected", d)
		}
	}
}
