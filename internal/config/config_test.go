package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/example/fruit-quality/internal/imageprep"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if cfg.Image != imageprep.DefaultImageConfig {
		t.Fatalf("unexpected image config: %+v", cfg.Image)
	}
	if cfg.MLTimeout != 30*time.Second {
		t.Fatalf("unexpected ml timeout: %s", cfg.MLTimeout)
	}
	if cfg.MLServiceURL != "" {
		t.Fatalf("expected no ml service url by default, got %q", cfg.MLServiceURL)
	}
}

func TestLoadFileThenEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := strings.Join([]string{
		"ml_service_url: http://from-file:7860",
		"ml_timeout: 10s",
		"image:",
		"  width: 224",
		"  height: 224",
		"",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	t.Setenv("FQ_ML_SERVICE_URL", "http://from-env:7860")
	t.Setenv("FQ_IMAGE__QUALITY", "0.75")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if cfg.MLServiceURL != "http://from-env:7860" {
		t.Fatalf("environment should override file, got %q", cfg.MLServiceURL)
	}
	if cfg.MLTimeout != 10*time.Second {
		t.Fatalf("unexpected ml timeout: %s", cfg.MLTimeout)
	}
	want := imageprep.ImageConfig{Width: 224, Height: 224, Quality: 0.75}
	if cfg.Image != want {
		t.Fatalf("expected %+v, got %+v", want, cfg.Image)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("defaults should survive partial config, got %q", cfg.HTTPAddr)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("FQ_IMAGE__QUALITY", "1.5")

	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for quality above 1")
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
