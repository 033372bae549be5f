// Package config holds the typed, validated in-memory catalog of channels,
// profiles, and server settings parsed from YAML at boot (component C1).
package config

import (
	"time"

	"gopkg.in/yaml.v3"

	"github.com/LibreNetworks/amps/pkg/logger"
)

// OutputShape is the closed set of output shapes a stream key can request.
type OutputShape string

const (
	ShapeTS     OutputShape = "ts"
	ShapeHLS    OutputShape = "hls"
	ShapeLLHLS  OutputShape = "ll-hls"
	ShapeDASH   OutputShape = "dash"
	ShapeRTSP   OutputShape = "rtsp"
	ShapeAudio  OutputShape = "audio"
	ShapeUnset  OutputShape = ""
)

// IsSegmented reports whether the shape is served from a manifest directory
// (C4) rather than a raw byte stream fan-out (C3's ring buffer).
func (s OutputShape) IsSegmented() bool {
	return s == ShapeHLS || s == ShapeLLHLS || s == ShapeDASH
}

// Valid reports whether s is one of the closed set of output shapes.
func (s OutputShape) Valid() bool {
	switch s {
	case ShapeTS, ShapeHLS, ShapeLLHLS, ShapeDASH, ShapeRTSP, ShapeAudio:
		return true
	default:
		return false
	}
}

// InlineCommand is the tagged-variant command override: either a plain
// shell string or a structured {command, shell, cwd, env} block.
type InlineCommand struct {
	Command string            `yaml:"command"`
	Shell   bool              `yaml:"shell,omitempty"`
	Cwd     string            `yaml:"cwd,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
}

func (c *InlineCommand) Empty() bool {
	return c == nil || c.Command == ""
}

// HWAccel configures ffmpeg hardware acceleration flags.
type HWAccel struct {
	Method string `yaml:"method,omitempty"` // e.g. "vaapi", "nvenc", "qsv"
	Device string `yaml:"device,omitempty"`
}

// SourceHandler describes an indirect source resolver invocation (C6).
type SourceHandler struct {
	Type    string            `yaml:"type"` // closed set, currently {"yt_dlp"}
	Flag    bool              `yaml:"flag,omitempty"`
	Options map[string]string `yaml:"options,omitempty"`
}

func (h *SourceHandler) Indirect() bool {
	return h != nil && (h.Flag || h.Type != "")
}

// InputTuning holds per-channel/variant input shaping knobs.
type InputTuning struct {
	ResolverFlag   bool              `yaml:"resolver_flag,omitempty"`
	Resolver       *SourceHandler    `yaml:"resolver,omitempty"`
	ExtraInputKV   map[string]string `yaml:"extra_input,omitempty"`
	ExtraInputArgs []string          `yaml:"extra_input_flags,omitempty"`
	OutputFormat   OutputShape       `yaml:"output_format,omitempty"`
	HWAccel        *HWAccel          `yaml:"hwaccel,omitempty"`
	AudioOnly      bool              `yaml:"audio_only,omitempty"`
	LLHLS          bool              `yaml:"ll_hls,omitempty"`
	DisableBootstrap bool            `yaml:"disable_bootstrap,omitempty"`
}

func (t *InputTuning) IsIndirect() bool {
	if t == nil {
		return false
	}
	return t.ResolverFlag || t.Resolver.Indirect()
}

// Program is a single upcoming EPG entry.
type Program struct {
	Title       string     `yaml:"title" json:"title"`
	Start       *time.Time `yaml:"start,omitempty" json:"start,omitempty"`
	Description string     `yaml:"description,omitempty" json:"description,omitempty"`
}

// Variant is an alternate rendition of a channel, sharing its id.
type Variant struct {
	Name          string         `yaml:"name" json:"name"`
	Label         string         `yaml:"label,omitempty" json:"label,omitempty"`
	Profile       string         `yaml:"profile,omitempty" json:"profile,omitempty"`
	InlineCommand *InlineCommand `yaml:"command,omitempty" json:"command,omitempty"`
	Source        string         `yaml:"source,omitempty" json:"source,omitempty"`
	Tuning        *InputTuning   `yaml:"tuning,omitempty" json:"tuning,omitempty"`
}

// Channel is the central data type of Amps: a logical broadcast unit.
type Channel struct {
	ID          int64      `yaml:"id" json:"id"`
	Name        string     `yaml:"name" json:"name"`
	Source      string     `yaml:"source" json:"source"`
	Profile     string     `yaml:"profile,omitempty" json:"profile,omitempty"`
	InlineCommand *InlineCommand `yaml:"command,omitempty" json:"command,omitempty"`

	Logo        string `yaml:"logo,omitempty" json:"logo,omitempty"`
	Group       string `yaml:"group,omitempty" json:"group,omitempty"`
	Number      string `yaml:"number,omitempty" json:"number,omitempty"`
	EPGID       string `yaml:"epg_id,omitempty" json:"epg_id,omitempty"`
	AltName     string `yaml:"alt_name,omitempty" json:"alt_name,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	ScheduleFeedURL string `yaml:"schedule_feed_url,omitempty" json:"schedule_feed_url,omitempty"`

	Programs []Program `yaml:"programs,omitempty" json:"programs,omitempty"`

	RegionsAllowed []string `yaml:"regions_allowed,omitempty" json:"regions_allowed,omitempty"`
	RegionsBlocked []string `yaml:"regions_blocked,omitempty" json:"regions_blocked,omitempty"`

	Variants []Variant `yaml:"variants,omitempty" json:"variants,omitempty"`

	Tuning *InputTuning `yaml:"tuning,omitempty" json:"tuning,omitempty"`

	// Extra holds unknown top-level channel keys logged as a warning at
	// load time and preserved opaquely for metadata pass-through.
	Extra map[string]interface{} `yaml:"-" json:"extra,omitempty"`
}

// knownChannelKeys lists every yaml key Channel's struct tags declare.
// decodeChannelNode treats anything else as opaque metadata.
var knownChannelKeys = map[string]bool{
	"id": true, "name": true, "source": true, "profile": true, "command": true,
	"logo": true, "group": true, "number": true, "epg_id": true, "alt_name": true,
	"description": true, "schedule_feed_url": true, "programs": true,
	"regions_allowed": true, "regions_blocked": true, "variants": true, "tuning": true,
}

// decodeChannelNode decodes value's known fields into c, then captures any
// remaining mapping keys (other than those in siblingKeys, fields owned by
// an enclosing type such as ScheduledEntry's start/end) into c.Extra with a
// load-time warning — spec.md §6's "unknown per-channel keys log a warning
// and are preserved opaquely for metadata pass-through."
func decodeChannelNode(value *yaml.Node, siblingKeys map[string]bool, c *Channel) error {
	type plainChannel Channel
	var p plainChannel
	if err := value.Decode(&p); err != nil {
		return err
	}
	*c = Channel(p)

	if value.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(value.Content); i += 2 {
		key := value.Content[i].Value
		if knownChannelKeys[key] || siblingKeys[key] {
			continue
		}
		var v interface{}
		if err := value.Content[i+1].Decode(&v); err != nil {
			return err
		}
		if c.Extra == nil {
			c.Extra = map[string]interface{}{}
		}
		c.Extra[key] = v
		logger.Warn("config: channel %d (%s) has unknown key %q, preserving opaquely", c.ID, c.Name, key)
	}
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler so unknown top-level keys land
// in Extra instead of being silently discarded.
func (c *Channel) UnmarshalYAML(value *yaml.Node) error {
	return decodeChannelNode(value, nil, c)
}

// Clone returns a deep-enough copy of Channel safe to hand to callers
// without sharing backing slices with the registry's stored copy.
func (c *Channel) Clone() *Channel {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Programs = append([]Program(nil), c.Programs...)
	cp.RegionsAllowed = append([]string(nil), c.RegionsAllowed...)
	cp.RegionsBlocked = append([]string(nil), c.RegionsBlocked...)
	cp.Variants = append([]Variant(nil), c.Variants...)
	return &cp
}

// FindVariant returns the named variant, or nil if name is empty (meaning
// the base channel itself, the implicit default variant) or unknown.
func (c *Channel) FindVariant(name string) (*Variant, bool) {
	if name == "" {
		return nil, true
	}
	for i := range c.Variants {
		if c.Variants[i].Name == name {
			return &c.Variants[i], true
		}
	}
	return nil, false
}

// Profile is a named FFmpeg argv template, read-only after boot.
type Profile struct {
	Name string   `yaml:"-" json:"name"`
	Argv []string `yaml:"argv,omitempty" json:"argv,omitempty"`
	// Command is an alternative shell-form template, mutually exclusive
	// with Argv; substituted the same way as InlineCommand.
	Command string `yaml:"command,omitempty" json:"command,omitempty"`
}

// ScheduledEntry is a channel body plus a [start, end) activation window
// owned by the scheduler (C5).
type ScheduledEntry struct {
	Channel Channel    `json:",inline"`
	Start   *time.Time `yaml:"start,omitempty" json:"start,omitempty"`
	End     *time.Time `yaml:"end,omitempty" json:"end,omitempty"`
}

var scheduledEntrySiblingKeys = map[string]bool{"start": true, "end": true}

// UnmarshalYAML decodes start/end directly, then decodes the remainder of
// the same mapping as a Channel body — the yaml.v3 inline mechanism
// flattens embedded struct fields at the reflection level and never invokes
// Channel's own UnmarshalYAML, so this repeats that hook here to keep
// scheduled_streams entries capturing unknown keys the same way streams
// entries do.
func (e *ScheduledEntry) UnmarshalYAML(value *yaml.Node) error {
	var bounds struct {
		Start *time.Time `yaml:"start,omitempty"`
		End   *time.Time `yaml:"end,omitempty"`
	}
	if err := value.Decode(&bounds); err != nil {
		return err
	}
	e.Start = bounds.Start
	e.End = bounds.End
	return decodeChannelNode(value, scheduledEntrySiblingKeys, &e.Channel)
}

// ServerConfig holds the `server:` root-key settings.
type ServerConfig struct {
	Host      string `yaml:"host,omitempty"`
	Port      int    `yaml:"port,omitempty"`
	Debug     bool   `yaml:"debug,omitempty"`
	Token     string `yaml:"token,omitempty"`
	Workers   int    `yaml:"workers,omitempty"`
	MediaRoot string `yaml:"media_root,omitempty"`

	// Plugins names the compiled-in internal/plugin registrations to
	// activate, the config-declared surface original_source/amps's
	// plugin_utils.py load_plugins reads from app.config["PLUGINS"].
	Plugins []string `yaml:"plugins,omitempty"`
}

// Config is the fully validated in-memory catalog produced by Load.
type Config struct {
	Server           ServerConfig           `yaml:"server"`
	FFmpegProfiles   map[string]Profile     `yaml:"ffmpeg_profiles"`
	Streams          []Channel              `yaml:"streams"`
	ScheduledStreams []ScheduledEntry       `yaml:"scheduled_streams"`
}
