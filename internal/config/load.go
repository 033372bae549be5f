package config

import (
	"fmt"
	"os"

	"github.com/grafana/regexp"
	"gopkg.in/yaml.v3"

	"github.com/LibreNetworks/amps/pkg/logger"
)

// variantNamePattern is the closed character set allowed for a variant name,
// since it appears verbatim in stream keys and URL path segments.
var variantNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

const (
	defaultHost      = "0.0.0.0"
	defaultPort      = 8830
	defaultWorkers   = 8
	defaultMediaRoot = "/tmp/amps"
)

// Load reads and validates a YAML config file at path, applies environment
// overrides, and returns the fully validated catalog. Grounded on the
// teacher's LoadConfig two-pass shape (parse-then-default-then-validate),
// retargeted from JSON to YAML per the pack's stalkerhek loader.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	if cfg.Server.Debug {
		logger.Info("config loaded: %d streams, %d scheduled, %d profiles",
			len(cfg.Streams), len(cfg.ScheduledStreams), len(cfg.FFmpegProfiles))
	}

	return &cfg, nil
}

// applyDefaults fills in zero-valued fields the way the teacher's
// getDefaultConfig/validateAndSetDefaults pair does, merged into one pass
// since Amps has no separate "no file present" branch — a config path is
// mandatory (spec.md §6, AMPS_CONFIG).
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = defaultHost
	}
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = defaultPort
	}
	if cfg.Server.Workers <= 0 {
		cfg.Server.Workers = defaultWorkers
	}
	if cfg.Server.MediaRoot == "" {
		cfg.Server.MediaRoot = defaultMediaRoot
	}
	if cfg.FFmpegProfiles == nil {
		cfg.FFmpegProfiles = map[string]Profile{}
	}
	for name, p := range cfg.FFmpegProfiles {
		p.Name = name
		cfg.FFmpegProfiles[name] = p
	}
}

// applyEnvOverrides applies AMPS_TOKEN over whatever the file specified,
// per spec.md §6.5's stated precedence (environment wins).
func applyEnvOverrides(cfg *Config) {
	if tok := os.Getenv("AMPS_TOKEN"); tok != "" {
		cfg.Server.Token = tok
	}
}

// Validate checks structural invariants from spec.md §3: unique channel
// ids, unique variant names within a channel, referenced profiles exist,
// and closed-set output shapes. It does not mutate cfg beyond what
// applyDefaults already did.
func Validate(cfg *Config) error {
	seen := make(map[int64]bool, len(cfg.Streams))
	for i := range cfg.Streams {
		ch := &cfg.Streams[i]
		if ch.ID == 0 {
			return fmt.Errorf("stream[%d] %q: id is required and must be non-zero", i, ch.Name)
		}
		if seen[ch.ID] {
			return fmt.Errorf("stream[%d]: duplicate channel id %d", i, ch.ID)
		}
		seen[ch.ID] = true

		if ch.Name == "" {
			return fmt.Errorf("stream id %d: name is required", ch.ID)
		}
		if ch.Source == "" && ch.InlineCommand.Empty() {
			return fmt.Errorf("stream id %d: one of source or command is required", ch.ID)
		}
		if ch.Profile != "" {
			if _, ok := cfg.FFmpegProfiles[ch.Profile]; !ok {
				return fmt.Errorf("stream id %d: unknown ffmpeg profile %q", ch.ID, ch.Profile)
			}
		}
		if err := validateVariants(ch, cfg); err != nil {
			return err
		}
		if ch.Tuning != nil && ch.Tuning.OutputFormat != "" && !ch.Tuning.OutputFormat.Valid() {
			return fmt.Errorf("stream id %d: unknown output_format %q", ch.ID, ch.Tuning.OutputFormat)
		}
		for _, v := range ch.Variants {
			if v.Tuning != nil && v.Tuning.OutputFormat != "" && !v.Tuning.OutputFormat.Valid() {
				return fmt.Errorf("stream id %d variant %q: unknown output_format %q", ch.ID, v.Name, v.Tuning.OutputFormat)
			}
		}
	}

	for i, entry := range cfg.ScheduledStreams {
		if entry.Channel.ID == 0 {
			return fmt.Errorf("scheduled_streams[%d]: id is required", i)
		}
		if entry.Start != nil && entry.End != nil && !entry.End.After(*entry.Start) {
			return fmt.Errorf("scheduled_streams[%d] id %d: end must be after start", i, entry.Channel.ID)
		}
	}

	return nil
}

func validateVariants(ch *Channel, cfg *Config) error {
	names := make(map[string]bool, len(ch.Variants))
	for _, v := range ch.Variants {
		if v.Name == "" {
			return fmt.Errorf("stream id %d: variant name is required", ch.ID)
		}
		if !variantNamePattern.MatchString(v.Name) {
			return fmt.Errorf("stream id %d: variant name %q must match %s", ch.ID, v.Name, variantNamePattern.String())
		}
		if names[v.Name] {
			return fmt.Errorf("stream id %d: duplicate variant name %q", ch.ID, v.Name)
		}
		names[v.Name] = true

		if v.Source == "" && v.InlineCommand.Empty() && ch.Source == "" && ch.InlineCommand.Empty() {
			return fmt.Errorf("stream id %d variant %q: one of source or command is required", ch.ID, v.Name)
		}
		if v.Profile != "" {
			if _, ok := cfg.FFmpegProfiles[v.Profile]; !ok {
				return fmt.Errorf("stream id %d variant %q: unknown ffmpeg profile %q", ch.ID, v.Name, v.Profile)
			}
		}
	}
	return nil
}

// ResolvePath applies the AMPS_CONFIG environment override to a
// command-line-supplied config path, per spec.md §6.5.
func ResolvePath(flagValue string) string {
	if env := os.Getenv("AMPS_CONFIG"); env != "" {
		return env
	}
	return flagValue
}
