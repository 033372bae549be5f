package config

// ResolvedInvocation is what a channel/variant pair reduces to once profile,
// inline command, and tuning have been merged: everything C3 needs to spawn
// an FFmpeg child.
type ResolvedInvocation struct {
	Source        string
	InlineCommand *InlineCommand
	ProfileArgv   []string
	Tuning        *InputTuning
}

// Resolve merges a channel's base settings with an optional named variant,
// applying the decided Open Question: an inline command always wins over a
// named profile, and the profile is retained purely as descriptive metadata
// when both are present.
func (cfg *Config) Resolve(ch *Channel, variantName string) (ResolvedInvocation, error) {
	v, ok := ch.FindVariant(variantName)
	if !ok {
		return ResolvedInvocation{}, ErrUnknownVariant{Channel: ch.ID, Variant: variantName}
	}

	inv := ResolvedInvocation{
		Source:        ch.Source,
		InlineCommand: ch.InlineCommand,
		Tuning:        ch.Tuning,
	}
	profile := ch.Profile

	if v != nil {
		if v.Source != "" {
			inv.Source = v.Source
		}
		if !v.InlineCommand.Empty() {
			inv.InlineCommand = v.InlineCommand
		}
		if v.Profile != "" {
			profile = v.Profile
		}
		if v.Tuning != nil {
			inv.Tuning = v.Tuning
		}
	}

	if !inv.InlineCommand.Empty() {
		// Inline command wins; profile argv is not applied even if set.
		return inv, nil
	}

	if profile != "" {
		if p, ok := cfg.FFmpegProfiles[profile]; ok {
			inv.ProfileArgv = p.Argv
		}
	}

	return inv, nil
}

// ErrUnknownVariant is returned by Resolve when the requested variant name
// does not exist on the channel.
type ErrUnknownVariant struct {
	Channel int64
	Variant string
}

func (e ErrUnknownVariant) Error() string {
	return "unknown variant " + e.Variant + " for channel"
}
