package surfacedconfig

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xiaonanln/canvasgov/config"
)

func TestLoaderDefaults(t *testing.T) {
	loader := NewLoader(flag.NewFlagSet("test", flag.ContinueOnError))

	cfg, err := loader.Load(nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Surface.Name != config.DefaultSurfaceName {
		t.Errorf("expected surface %s, got %s", config.DefaultSurfaceName, cfg.Surface.Name)
	}
	if cfg.Inspector.HTTPAddr != config.DefaultHTTPAddr || cfg.Inspector.GRPCAddr != config.DefaultGRPCAddr {
		t.Errorf("unexpected inspector addresses %+v", cfg.Inspector)
	}
	if cfg.RemoteConfigEnabled() {
		t.Error("remote config should be off without --etcd-addr")
	}
}

func TestLoaderWithCLIFlags(t *testing.T) {
	loader := NewLoader(flag.NewFlagSet("test", flag.ContinueOnError))

	args := []string{
		"-name", "board",
		"-http-addr", ":18090",
		"-grpc-addr", ":19090",
		"-etcd-addr", "etcd.local:2379",
		"-etcd-prefix", "/myapp",
		"-log-level", "debug",
	}
	cfg, err := loader.Load(args)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Surface.Name != "board" {
		t.Errorf("expected surface board, got %s", cfg.Surface.Name)
	}
	if cfg.Inspector.HTTPAddr != ":18090" {
		t.Errorf("expected HTTPAddr :18090, got %s", cfg.Inspector.HTTPAddr)
	}
	if cfg.Inspector.GRPCAddr != ":19090" {
		t.Errorf("expected GRPCAddr :19090, got %s", cfg.Inspector.GRPCAddr)
	}
	if cfg.GetEtcdAddress() != "etcd.local:2379" {
		t.Errorf("expected etcd address etcd.local:2379, got %s", cfg.GetEtcdAddress())
	}
	if cfg.Etcd.Prefix != "/myapp" {
		t.Errorf("expected prefix /myapp, got %s", cfg.Etcd.Prefix)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected log level debug, got %s", cfg.Logging.Level)
	}
}

func TestLoaderInvalidFlags(t *testing.T) {
	loader := NewLoader(flag.NewFlagSet("test", flag.ContinueOnError))
	if _, err := loader.Load([]string{"-log-level", "loud"}); err == nil {
		t.Fatal("expected error for unknown log level")
	}
}

func TestLoaderWithConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "surfaced.yml")
	content := `
version: 1
surface:
  name: "from-file"
governor:
  max_isolated: 2
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	loader := NewLoader(flag.NewFlagSet("test", flag.ContinueOnError))
	cfg, err := loader.Load([]string{"-config", path})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Surface.Name != "from-file" {
		t.Errorf("expected surface from-file, got %s", cfg.Surface.Name)
	}
	if got := cfg.GovernorConfig().MaxIsolated; got != 2 {
		t.Errorf("expected max isolated 2, got %d", got)
	}
}

func TestLoaderConfigExclusiveWithOtherFlags(t *testing.T) {
	loader := NewLoader(flag.NewFlagSet("test", flag.ContinueOnError))

	// The file is never read: the conflict is detected first.
	_, err := loader.Load([]string{"-config", "unused.yml", "-http-addr", ":1"})
	if err == nil {
		t.Fatal("expected error when --http-addr is combined with --config")
	}
	if !strings.Contains(err.Error(), "--http-addr cannot be used with --config") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoaderMissingConfigFile(t *testing.T) {
	loader := NewLoader(flag.NewFlagSet("test", flag.ContinueOnError))
	if _, err := loader.Load([]string{"-config", filepath.Join(t.TempDir(), "missing.yml")}); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
