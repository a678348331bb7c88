package config

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
	"k8s.io/client-go/tools/clientcmd"
)

//go:embed defaults.yaml
var DefaultConfigData []byte

// LogConfig holds logging configuration.
type LogConfig struct {
	Level     string `yaml:"level"`
	File      string `yaml:"file"`
	Formatter string `yaml:"formatter"`
	Colors    bool   `yaml:"colors"`
	Timestamp bool   `yaml:"timestamp"`
}

// Config holds the top-level application configuration.
type Config struct {
	ListenAddress     string `yaml:"listenAddress"`
	HTTPListenAddress string `yaml:"httpListenAddress"`
	PACListenAddress  string `yaml:"pacListenAddress"`

	SkipDefaultKubeconfig bool   `yaml:"skipDefaultKubeconfig"`
	SkipKubeconfigEnv     bool   `yaml:"skipKubeconfigEnv"`
	Kubeconfig            string `yaml:"kubeconfig"`
	KubeContext           string `yaml:"kubeContext"`
	Namespace             string `yaml:"namespace"`

	Log LogConfig `yaml:"log"`
}

// ResolvedCluster holds the single cluster target derived from kubeconfig
// discovery: which file, which context within it, and which namespace the
// config or that context selects. The namespace is reported at startup only;
// the resolver takes the namespace from each cluster DNS name instead.
type ResolvedCluster struct {
	Kubeconfig string
	Context    string
	Namespace  string
}

// defaultKubeconfigPathFunc returns the path to the default kubeconfig file.
// overridden in tests to point at a temp file.
var defaultKubeconfigPathFunc = func() string {
	return expandTilde("~/.kube/config")
}

// LoadConfig reads a YAML config file and returns a validated Config
// along with the single cluster resolved from kubeconfig discovery.
func LoadConfig(path string) (*Config, ResolvedCluster, error) {
	var cfg Config

	// apply embedded defaults first
	if err := yaml.Unmarshal(DefaultConfigData, &cfg); err != nil {
		return nil, ResolvedCluster{}, fmt.Errorf("parsing default config: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, ResolvedCluster{}, fmt.Errorf("reading config file: %w", err)
	}

	if len(data) > 0 {
		// overlay user config on top of defaults
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, ResolvedCluster{}, fmt.Errorf("parsing config file: %w", err)
		}
	}

	// set up the global logger early so resolve output uses the configured logger
	if err := SetupGlobalLogger(&cfg); err != nil {
		return nil, ResolvedCluster{}, fmt.Errorf("setting up logger: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, ResolvedCluster{}, fmt.Errorf("invalid config: %w", err)
	}

	cluster, err := resolveKubeconfig(&cfg)
	if err != nil {
		return nil, ResolvedCluster{}, fmt.Errorf("resolving kubeconfig: %w", err)
	}

	return &cfg, cluster, nil
}

// Validate checks that the static config fields are well-formed.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.ListenAddress); err != nil {
		return fmt.Errorf("invalid listenAddress %q: %w", c.ListenAddress, err)
	}

	if c.HTTPListenAddress != "" {
		if _, _, err := net.SplitHostPort(c.HTTPListenAddress); err != nil {
			return fmt.Errorf("invalid httpListenAddress %q: %w", c.HTTPListenAddress, err)
		}
	}

	if c.PACListenAddress != "" {
		if _, _, err := net.SplitHostPort(c.PACListenAddress); err != nil {
			return fmt.Errorf("invalid pacListenAddress %q: %w", c.PACListenAddress, err)
		}
	}

	return nil
}

// resolveKubeconfig discovers the kubeconfig file to use in three phases,
// the first that yields a usable path wins:
//  1. an explicit path in cfg.Kubeconfig
//  2. the KUBECONFIG environment variable, unless SkipKubeconfigEnv is set
//     (only the first entry of the path list is used — a single cluster has
//     no use for the merge semantics kubectl applies to the rest)
//  3. the default kubeconfig (~/.kube/config), unless SkipDefaultKubeconfig
//     is set
//
// The context within that file is cfg.KubeContext, or the file's
// current-context if unset. The namespace is cfg.Namespace, or the
// context's namespace, or "default".
func resolveKubeconfig(cfg *Config) (ResolvedCluster, error) {
	path, err := discoverKubeconfigPath(cfg)
	if err != nil {
		return ResolvedCluster{}, err
	}

	kubeCfg, err := clientcmd.LoadFromFile(path)
	if err != nil {
		return ResolvedCluster{}, fmt.Errorf("loading kubeconfig %q: %w", path, err)
	}

	contextName := cfg.KubeContext
	if contextName == "" {
		contextName = kubeCfg.CurrentContext
	}

	if contextName == "" {
		return ResolvedCluster{}, fmt.Errorf("kubeconfig %q has no current-context and none was configured", path)
	}

	kubeCtx, ok := kubeCfg.Contexts[contextName]
	if !ok {
		return ResolvedCluster{}, fmt.Errorf("context %q not found in kubeconfig %q", contextName, path)
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = kubeCtx.Namespace
	}

	if namespace == "" {
		namespace = "default"
	}

	slog.Info("resolved cluster target", "kubeconfig", path, "context", contextName, "namespace", namespace)

	return ResolvedCluster{Kubeconfig: path, Context: contextName, Namespace: namespace}, nil
}

func discoverKubeconfigPath(cfg *Config) (string, error) {
	if cfg.Kubeconfig != "" {
		return expandTilde(cfg.Kubeconfig), nil
	}

	if !cfg.SkipKubeconfigEnv {
		if env := os.Getenv("KUBECONFIG"); env != "" {
			first, _, _ := strings.Cut(env, string(os.PathListSeparator))
			return expandTilde(strings.TrimSpace(first)), nil
		}

		slog.Info("KUBECONFIG environment variable is not set")
	} else {
		slog.Info("skipping KUBECONFIG environment variable")
	}

	if !cfg.SkipDefaultKubeconfig {
		defaultPath := defaultKubeconfigPathFunc()
		if _, err := os.Stat(defaultPath); err == nil {
			return defaultPath, nil
		}

		slog.Info("default kubeconfig not found", "path", defaultPath)
	} else {
		slog.Info("skipping default kubeconfig")
	}

	return "", errors.New("no kubeconfig found: set kubeconfig, KUBECONFIG, or use ~/.kube/config")
}

func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}

	// only expand "~" or "~/..." — don't handle "~user" syntax
	if len(path) > 1 && path[1] != '/' && path[1] != filepath.Separator {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	if path == "~" {
		return home
	}

	return filepath.Join(home, path[2:])
}
