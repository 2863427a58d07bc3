package config

import (
	"os"
	"path/filepath"
	"testing"
)

const samplePlatforms = `
platforms:
  - name: sim
    rate_per_minute: 600
    burst: 50
    min_increment: 0.001
    increments:
      BTCUSDT: 0.0001
  - name: sparse
correlation_groups:
  btc-beta:
    - BTCUSDT
    - ETHUSDT
`

func writePlatforms(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "platforms.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write platforms: %v", err)
	}
	return path
}

func TestLoadPlatforms(t *testing.T) {
	t.Run("parses specs and groups", func(t *testing.T) {
		p, err := LoadPlatforms(writePlatforms(t, samplePlatforms))
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		s, ok := p.Spec("sim")
		if !ok || s.RatePerMinute != 600 || s.Burst != 50 {
			t.Errorf("unexpected sim spec: %+v", s)
		}
		if g := p.GroupOf("ETHUSDT"); len(g) != 2 {
			t.Errorf("expected btc-beta group, got %v", g)
		}
		if g := p.GroupOf("XRPUSDT"); g != nil {
			t.Errorf("expected no group, got %v", g)
		}
	})

	t.Run("defaults applied to sparse entries", func(t *testing.T) {
		p, err := LoadPlatforms(writePlatforms(t, samplePlatforms))
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		s, _ := p.Spec("sparse")
		if s.RatePerMinute != 60 || s.Burst != 10 {
			t.Errorf("defaults not applied: %+v", s)
		}
	})

	t.Run("increment falls back per level", func(t *testing.T) {
		p, _ := LoadPlatforms(writePlatforms(t, samplePlatforms))
		if inc := p.Increment("sim", "BTCUSDT"); inc != 0.0001 {
			t.Errorf("symbol override: got %v", inc)
		}
		if inc := p.Increment("sim", "ETHUSDT"); inc != 0.001 {
			t.Errorf("platform default: got %v", inc)
		}
		if inc := p.Increment("unknown", "BTCUSDT"); inc != 0 {
			t.Errorf("unknown platform: got %v", inc)
		}
	})

	t.Run("missing file yields empty registry", func(t *testing.T) {
		p, err := LoadPlatforms(filepath.Join(t.TempDir(), "nope.yaml"))
		if err != nil {
			t.Fatalf("load missing: %v", err)
		}
		if len(p.Platforms) != 0 {
			t.Errorf("expected empty registry, got %+v", p)
		}
	})

	t.Run("nameless entry rejected", func(t *testing.T) {
		_, err := LoadPlatforms(writePlatforms(t, "platforms:\n  - rate_per_minute: 5\n"))
		if err == nil {
			t.Error("expected error for nameless platform")
		}
	})
}
