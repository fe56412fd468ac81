// Package surfacedconfig handles command-line flags and config file loading
// for the surfaced demo host, returning a config.Config.
package surfacedconfig

import (
	"flag"
	"fmt"
	"os"

	"github.com/xiaonanln/canvasgov/config"
)

// Loader handles parsing of command-line flags and config file loading.
// It can be instantiated with a custom FlagSet for testing.
type Loader struct {
	fs         *flag.FlagSet
	configPath *string
	name       *string
	httpAddr   *string
	grpcAddr   *string
	etcdAddr   *string
	etcdPrefix *string
	logLevel   *string
}

// NewLoader creates a new Loader with flags registered on the provided FlagSet.
// If fs is nil, the default flag.CommandLine is used.
func NewLoader(fs *flag.FlagSet) *Loader {
	if fs == nil {
		fs = flag.CommandLine
	}
	l := &Loader{fs: fs}
	l.configPath = fs.String("config", "", "Path to YAML config file")
	l.name = fs.String("name", config.DefaultSurfaceName, "Surface name (cannot be used with --config)")
	l.httpAddr = fs.String("http-addr", config.DefaultHTTPAddr, "Inspector HTTP address (cannot be used with --config)")
	l.grpcAddr = fs.String("grpc-addr", config.DefaultGRPCAddr, "Inspector gRPC address (cannot be used with --config)")
	l.etcdAddr = fs.String("etcd-addr", "", "etcd address for remote config (optional, cannot be used with --config)")
	l.etcdPrefix = fs.String("etcd-prefix", config.DefaultEtcdPrefix, "etcd key prefix (cannot be used with --config)")
	l.logLevel = fs.String("log-level", "info", "Log level: debug, info, warn, error (cannot be used with --config)")
	return l
}

// Load parses the flags (if not already parsed) and returns a validated Config.
// When --config is provided, other flags are forbidden.
// When --config is not provided, the defaults with CLI flags applied are used.
func (l *Loader) Load(args []string) (*config.Config, error) {
	if !l.fs.Parsed() {
		if err := l.fs.Parse(args); err != nil {
			return nil, fmt.Errorf("failed to parse flags: %w", err)
		}
	}

	if *l.configPath != "" {
		// Config file mode: only --config is allowed
		var conflict string
		l.fs.Visit(func(f *flag.Flag) {
			if f.Name != "config" && conflict == "" {
				conflict = f.Name
			}
		})
		if conflict != "" {
			return nil, fmt.Errorf("--%s cannot be used with --config; configure in config file instead", conflict)
		}

		cfg, err := config.LoadConfig(*l.configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		return cfg, nil
	}

	// CLI-only mode: defaults plus flag values
	cfg := config.Default()
	cfg.Surface.Name = *l.name
	cfg.Inspector.HTTPAddr = *l.httpAddr
	cfg.Inspector.GRPCAddr = *l.grpcAddr
	if *l.etcdAddr != "" {
		cfg.Etcd.Endpoints = []string{*l.etcdAddr}
	}
	cfg.Etcd.Prefix = *l.etcdPrefix
	cfg.Logging.Level = *l.logLevel

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Get is a convenience function that creates a Loader with default flags,
// parses os.Args[1:], and returns the Config.
// It panics on error.
func Get() *config.Config {
	loader := NewLoader(nil)
	cfg, err := loader.Load(os.Args[1:])
	if err != nil {
		panic(fmt.Sprintf("Failed to load surfaced config: %v", err))
	}
	return cfg
}
