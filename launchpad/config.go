package launchpad

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/infraguys/gcl-looper/cron"
)

// Defaults applied when the launchpad section omits a timing parameter.
// Explicit zeroes are honored (a tight spin is a valid configuration).
const (
	DefaultMinPeriod = 3 * time.Second
	DefaultPause     = 100 * time.Millisecond
)

// Duration unmarshals YAML scalars in Go duration syntax ("3s", "100ms").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"3s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the top-level launchpad configuration.
type Config struct {
	// Launchpad holds the shared loop timing and process options.
	Launchpad LaunchpadConfig `yaml:"launchpad"`

	// Services lists the service instances driven by the shared loop.
	Services []ServiceConfig `yaml:"services"`

	// Cron lists calendar-scheduled jobs run beside the loop.
	Cron []CronConfig `yaml:"cron,omitempty"`

	// Gateway enables the HTTP observability endpoint when present.
	Gateway *GatewayConfig `yaml:"gateway,omitempty"`

	// Journal enables the SQLite pass journal when present.
	Journal *JournalConfig `yaml:"journal,omitempty"`

	// Telemetry enables OTLP trace export when present.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// LaunchpadConfig configures the shared service loop.
type LaunchpadConfig struct {
	// IterMinPeriod is the minimum start-to-start spacing of loop passes.
	// Defaults to 3s when omitted.
	IterMinPeriod *Duration `yaml:"iter_min_period,omitempty"`

	// IterPause is the minimum idle gap between passes. Defaults to 100ms.
	IterPause *Duration `yaml:"iter_pause,omitempty"`

	// RunAs permanently downgrades process privileges to this user before
	// any service starts. Requires root; empty means no downgrade.
	RunAs string `yaml:"run_as,omitempty"`
}

// MinPeriod returns the configured minimum period or the default.
func (c LaunchpadConfig) MinPeriod() time.Duration {
	if c.IterMinPeriod == nil {
		return DefaultMinPeriod
	}
	return time.Duration(*c.IterMinPeriod)
}

// Pause returns the configured pause or the default.
func (c LaunchpadConfig) Pause() time.Duration {
	if c.IterPause == nil {
		return DefaultPause
	}
	return time.Duration(*c.IterPause)
}

// ServiceConfig declares service instances of a registered kind.
type ServiceConfig struct {
	// Kind must match a kind registered via Register.
	Kind string `yaml:"kind"`

	// Count replicates the instance. Defaults to 1; instance names get an
	// index suffix when count > 1.
	Count int `yaml:"count,omitempty"`

	// Options is the kind-specific configuration passed to the factory.
	Options yaml.Node `yaml:"options,omitempty"`
}

// CronConfig declares one calendar-scheduled job.
type CronConfig struct {
	Name     string    `yaml:"name"`
	Schedule string    `yaml:"schedule"`
	Kind     string    `yaml:"kind"`
	Options  yaml.Node `yaml:"options,omitempty"`
}

// GatewayConfig configures the HTTP observability endpoint.
type GatewayConfig struct {
	Listen string `yaml:"listen"`
}

// JournalConfig configures the SQLite pass journal.
type JournalConfig struct {
	Path string `yaml:"path"`

	// Retention prunes journal rows older than this. Defaults to 7 days.
	Retention *Duration `yaml:"retention,omitempty"`
}

// RetentionOrDefault returns the configured retention or 7 days.
func (c JournalConfig) RetentionOrDefault() time.Duration {
	if c.Retention == nil {
		return 7 * 24 * time.Hour
	}
	return time.Duration(*c.Retention)
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure,omitempty"`
}

// envPattern matches ${VAR} and ${VAR:-default} expressions.
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-((?:[^}\\]|\\.)*))?\}`)

// Load reads a YAML configuration file, expands environment variables,
// and parses it into a Config.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("launchpad: reading %s: %w", path, err)
	}

	expanded, err := expandEnv(raw)
	if err != nil {
		return nil, fmt.Errorf("launchpad: expanding variables in %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("launchpad: parsing %s: %w", path, err)
	}

	return &cfg, nil
}

// expandEnv replaces ${VAR} and ${VAR:-default} patterns in raw YAML bytes.
// Returns an error listing all unresolved variables (no default, no env value).
func expandEnv(raw []byte) ([]byte, error) {
	var errs []error

	result := envPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		subs := envPattern.FindSubmatch(match)
		name := string(subs[1])
		hasDefault := len(subs) > 2 && subs[2] != nil
		defaultVal := ""
		if hasDefault {
			defaultVal = string(subs[2])
		}

		value, ok := os.LookupEnv(name)
		if ok {
			return []byte(value)
		}

		if hasDefault {
			return []byte(defaultVal)
		}

		errs = append(errs, fmt.Errorf("unresolved variable: %s", name))
		return match
	})

	return result, errors.Join(errs...)
}

// Validate checks the configuration for structural problems: unknown or
// missing service kinds, invalid counts, negative durations, duplicate or
// malformed cron entries. All problems are reported at once.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Launchpad.MinPeriod() < 0 {
		errs = append(errs, fmt.Errorf("launchpad: negative iter_min_period"))
	}
	if cfg.Launchpad.Pause() < 0 {
		errs = append(errs, fmt.Errorf("launchpad: negative iter_pause"))
	}

	if len(cfg.Services) == 0 && len(cfg.Cron) == 0 {
		errs = append(errs, errors.New("launchpad: no services or cron jobs configured"))
	}

	for i, svc := range cfg.Services {
		if svc.Kind == "" {
			errs = append(errs, fmt.Errorf("services[%d]: missing kind", i))
			continue
		}
		if _, ok := Lookup(svc.Kind); !ok {
			errs = append(errs, fmt.Errorf("services[%d]: unknown kind %q", i, svc.Kind))
		}
		if svc.Count < 0 {
			errs = append(errs, fmt.Errorf("services[%d]: negative count %d", i, svc.Count))
		}
	}

	names := make(map[string]struct{}, len(cfg.Cron))
	for i, job := range cfg.Cron {
		if job.Name == "" {
			errs = append(errs, fmt.Errorf("cron[%d]: missing name", i))
		} else if _, dup := names[job.Name]; dup {
			errs = append(errs, fmt.Errorf("cron[%d]: duplicate name %q", i, job.Name))
		} else {
			names[job.Name] = struct{}{}
		}
		if job.Kind == "" {
			errs = append(errs, fmt.Errorf("cron[%d]: missing kind", i))
		} else if _, ok := Lookup(job.Kind); !ok {
			errs = append(errs, fmt.Errorf("cron[%d]: unknown kind %q", i, job.Kind))
		}
		if err := cron.ValidSpec(job.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("cron[%d]: %w", i, err))
		}
	}

	if cfg.Gateway != nil && cfg.Gateway.Listen == "" {
		errs = append(errs, errors.New("gateway: missing listen address"))
	}
	if cfg.Journal != nil {
		if cfg.Journal.Path == "" {
			errs = append(errs, errors.New("journal: missing path"))
		}
		if cfg.Journal.RetentionOrDefault() <= 0 {
			errs = append(errs, errors.New("journal: retention must be positive"))
		}
	}
	if cfg.Telemetry != nil && cfg.Telemetry.Endpoint == "" {
		errs = append(errs, errors.New("telemetry: missing endpoint"))
	}

	return errors.Join(errs...)
}
