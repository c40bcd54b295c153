// Package config loads the fleet registry: hosts, manufacturer tables for
// IPMI power readings, and operational defaults. The registry is read once
// at process start and passed explicitly to the components that need it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/okelmann/fleet/internal/fleet"
)

// Config is the top-level fleet configuration. It is immutable after Load.
type Config struct {
	Hosts         []HostEntry         `yaml:"hosts"`
	Manufacturers map[string][]string `yaml:"manufacturers,omitempty"`
	Defaults      Defaults            `yaml:"defaults"`
	Secrets       Secrets             `yaml:"secrets"`
}

// HostEntry is the on-disk form of a fleet host.
type HostEntry struct {
	Name         string            `yaml:"name,omitempty"` // defaults to the first label of addr
	Addr         string            `yaml:"addr"`
	User         string            `yaml:"user,omitempty"`
	ForwardAgent bool              `yaml:"forward_agent,omitempty"`
	Prefix       string            `yaml:"prefix,omitempty"`
	Meta         map[string]string `yaml:"meta,omitempty"`
}

// Defaults holds fan-out and deploy settings.
type Defaults struct {
	Concurrency int      `yaml:"concurrency"`
	Timeout     Duration `yaml:"timeout"`
	FlakeRef    string   `yaml:"flake_ref"`  // flake to deploy, default "."
	ConfigDir   string   `yaml:"config_dir"` // remote sync destination, default /etc/nixos
	DocsDir     string   `yaml:"docs_dir"`   // where generated documentation lands
}

// Secrets locates sops-managed material.
type Secrets struct {
	File      string `yaml:"file"`      // fleet-wide secrets, e.g. secrets.yml
	HostsDir  string `yaml:"hosts_dir"` // per-host sops files, <dir>/<name>.yml
	CAKeyFile string `yaml:"ca_keys"`   // sops file holding the ssh-ca key
	CertsDir  string `yaml:"certs_dir"` // signed host certificates
	IPMIKey   string `yaml:"ipmi_key"`  // key path of the IPMI password
	IPMIUser  string `yaml:"ipmi_user"` // management console user

	// CertDomains are the domains a host certificate is valid under;
	// principals are "<host>.<domain>".
	CertDomains []string `yaml:"cert_domains,omitempty"`
}

// Duration wraps time.Duration to support YAML unmarshaling from strings like "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = dur
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		Defaults: Defaults{
			Concurrency: 20,
			Timeout:     Duration{10 * time.Minute},
			FlakeRef:    ".",
			ConfigDir:   "/etc/nixos",
			DocsDir:     "docs",
		},
		Secrets: Secrets{
			File:        "secrets.yml",
			HostsDir:    "hosts",
			CAKeyFile:   filepath.Join("modules", "sshd", "ca-keys.yml"),
			CertsDir:    filepath.Join("modules", "sshd", "certs"),
			IPMIKey:     "ipmi-passwords",
			IPMIUser:    "ADMIN",
			CertDomains: []string{"r", "dse.in.tum.de", "thalheim.io"},
		},
	}
}

// DefaultConfigPath returns the default config file path.
// Respects $XDG_CONFIG_HOME if set, otherwise falls back to ~/.config.
func DefaultConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir != "" {
		return filepath.Join(configDir, "fleet", "fleet.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "fleet", "fleet.yaml")
}

// Load reads and parses a config YAML file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// LoadDefault loads the config from ./fleet.yaml when present (the tool is
// normally run from a checkout of the configuration repo), falling back to
// the XDG path.
func LoadDefault() (*Config, error) {
	if _, err := os.Stat("fleet.yaml"); err == nil {
		return Load("fleet.yaml")
	}
	path := DefaultConfigPath()
	if path == "" {
		return nil, fmt.Errorf("no fleet.yaml in the working directory and no home directory")
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("no fleet.yaml found (looked in . and %s)", path)
	}
	return Load(path)
}

// Validate checks the config for logical errors.
func (c *Config) Validate() error {
	if len(c.Hosts) == 0 {
		return fmt.Errorf("no hosts defined")
	}
	if c.Defaults.Concurrency < 0 {
		return fmt.Errorf("concurrency must be non-negative, got %d", c.Defaults.Concurrency)
	}
	if c.Defaults.Timeout.Duration < 0 {
		return fmt.Errorf("default timeout must be non-negative, got %s", c.Defaults.Timeout)
	}

	seen := make(map[string]bool, len(c.Hosts))
	for i, h := range c.Hosts {
		if h.Addr == "" {
			return fmt.Errorf("host %d has no addr", i)
		}
		name := h.Name
		if name == "" {
			name = firstLabel(h.Addr)
		}
		if seen[name] {
			return fmt.Errorf("duplicate host %q", name)
		}
		seen[name] = true
	}

	known := c.HostSet()
	for mfr, hosts := range c.Manufacturers {
		for _, addr := range hosts {
			if _, ok := known.Lookup(addr); !ok {
				return fmt.Errorf("manufacturer %q lists unknown host %q", mfr, addr)
			}
		}
	}

	return nil
}

// HostSet materializes the configured hosts into the immutable fleet model,
// preserving file order.
func (c *Config) HostSet() fleet.Set {
	set := make(fleet.Set, 0, len(c.Hosts))
	for _, e := range c.Hosts {
		meta := make(map[string]string, len(e.Meta))
		for k, v := range e.Meta {
			meta[k] = v
		}
		set = append(set, fleet.Host{
			Name:         e.Name,
			Addr:         e.Addr,
			User:         e.User,
			ForwardAgent: e.ForwardAgent,
			Prefix:       e.Prefix,
			Meta:         meta,
		})
	}
	return set
}

// ManufacturerHosts resolves the host set listed for one manufacturer,
// in table order.
func (c *Config) ManufacturerHosts(mfr string) fleet.Set {
	all := c.HostSet()
	var out fleet.Set
	for _, addr := range c.Manufacturers[mfr] {
		if h, ok := all.Lookup(addr); ok {
			out = append(out, h)
		}
	}
	return out
}

func firstLabel(addr string) string {
	for i := 0; i < len(addr); i++ {
		if addr[i] == '.' {
			return addr[:i]
		}
	}
	return addr
}
