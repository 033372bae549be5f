// Package playlist renders the M3U playlist (spec.md §6, "Playlist"), the
// one text-assembly concern of the HTTP surface complex enough to live in
// its own package. Grounded on the teacher's GeneratePlaylist
// (work/proxy/stream.go), which walks a channel snapshot and writes
// #EXTINF/URL pairs with a strings.Builder — the same technique used
// here, extended with Amps's #EXTREM hint lines and variant fan-out.
package playlist

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/LibreNetworks/amps/internal/config"
	"github.com/LibreNetworks/amps/internal/region"
)

// Filter narrows which channels render and how their stream URLs are
// built, sourced from query parameters and request headers per spec.md
// §6's "Filter query parameters".
type Filter struct {
	Region       string
	Groups       []string // case-insensitive exact match, any-of
	IDs          []int64
	SuppressVariants bool

	BaseURL string // scheme://host, used to build absolute stream URLs
	Token   string
}

// Render produces the full playlist body for channels, applying Filter.
// Entries are written in the order given (Registry.Snapshot returns
// channels in configuration order).
func Render(channels []config.Channel, f Filter) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")

	ids := toSet(f.IDs)
	groups := toLowerSet(f.Groups)

	for i := range channels {
		ch := &channels[i]

		if len(ids) > 0 && !ids[ch.ID] {
			continue
		}
		if len(groups) > 0 && !groups[strings.ToLower(ch.Group)] {
			continue
		}
		if !region.Allowed(f.Region, ch.RegionsBlocked, ch.RegionsAllowed) {
			continue
		}

		writeChannelEntry(&b, ch, "", ch.Name, f)
		writeHints(&b, ch)

		if !f.SuppressVariants {
			for _, v := range ch.Variants {
				label := v.Label
				if label == "" {
					label = v.Name
				}
				writeChannelEntry(&b, ch, v.Name, ch.Name+" ("+label+")", f)
				fmt.Fprintf(&b, "#EXTREM:AMP-VARIANT %s|%s\n", v.Name, label)
			}
		}
	}

	return b.String()
}

func writeChannelEntry(b *strings.Builder, ch *config.Channel, variant, display string, f Filter) {
	fmt.Fprintf(b, "#EXTINF:-1 tvg-id=%q tvg-name=%q tvg-logo=%q group-title=%q channel-number=%q,%s\n",
		ch.EPGID, ch.Name, ch.Logo, ch.Group, ch.Number, display)
	b.WriteString(streamURL(ch.ID, variant, f))
	b.WriteString("\n")
}

func streamURL(id int64, variant string, f Filter) string {
	q := url.Values{}
	if f.Token != "" {
		q.Set("token", f.Token)
	}
	if f.Region != "" {
		q.Set("region", f.Region)
	}
	if variant != "" {
		q.Set("variant", variant)
	}
	u := fmt.Sprintf("%s/stream/%d", strings.TrimRight(f.BaseURL, "/"), id)
	if enc := q.Encode(); enc != "" {
		u += "?" + enc
	}
	return u
}

// writeHints emits the optional #EXTREM lines spec.md §6 defines, one per
// available hint, in the order the spec lists them.
func writeHints(b *strings.Builder, ch *config.Channel) {
	if next := nextProgram(ch.Programs); next != nil {
		start := ""
		if next.Start != nil {
			start = next.Start.UTC().Format("2006-01-02T15:04:05Z")
		}
		fmt.Fprintf(b, "#EXTREM:AMP-NEXT %s|%s|%s\n", start, next.Title, next.Description)
	}
	if ch.ScheduleFeedURL != "" {
		fmt.Fprintf(b, "#EXTREM:AMP-PROGRAM-FEED %s\n", ch.ScheduleFeedURL)
	}
	if ch.Description != "" {
		fmt.Fprintf(b, "#EXTREM:AMP-DESCRIPTION %s\n", ch.Description)
	}
	if len(ch.RegionsAllowed) > 0 || len(ch.RegionsBlocked) > 0 {
		fmt.Fprintf(b, "#EXTREM:AMP-REGION allow=%s block=%s\n",
			strings.Join(ch.RegionsAllowed, ","), strings.Join(ch.RegionsBlocked, ","))
	}
}

func nextProgram(programs []config.Program) *config.Program {
	if len(programs) == 0 {
		return nil
	}
	sorted := append([]config.Program(nil), programs...)
	sort.Slice(sorted, func(i, j int) bool {
		si, sj := sorted[i].Start, sorted[j].Start
		if si == nil {
			return false
		}
		if sj == nil {
			return true
		}
		return si.Before(*sj)
	})
	return &sorted[0]
}

func toSet(ids []int64) map[int64]bool {
	if len(ids) == 0 {
		return nil
	}
	out := make(map[int64]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}

func toLowerSet(vals []string) map[string]bool {
	if len(vals) == 0 {
		return nil
	}
	out := make(map[string]bool, len(vals))
	for _, v := range vals {
		out[strings.ToLower(strings.TrimSpace(v))] = true
	}
	return out
}

// ParseIDs parses a comma-separated list of channel ids from a query
// parameter, ignoring entries that don't parse as integers.
func ParseIDs(csv string) []int64 {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		if id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64); err == nil {
			out = append(out, id)
		}
	}
	return out
}
