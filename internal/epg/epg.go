// Package epg renders the XMLTV electronic programme guide (spec.md §6,
// "EPG"). Grounded on the teacher's FetchAndMergeEPG (work/proxy/epg.go),
// which assembles XMLTV by hand with strings.Builder/WriteString rather
// than encoding/xml — the same technique is used here.
package epg

import (
	"fmt"
	"html"
	"strings"

	"github.com/LibreNetworks/amps/internal/config"
)

// Render produces a complete XMLTV document for channels: one <channel>
// element per channel plus one <programme> per upcoming Programs entry.
func Render(channels []config.Channel) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	b.WriteString(`<tv generator-info-name="amps">` + "\n")

	for i := range channels {
		ch := &channels[i]
		fmt.Fprintf(&b, "  <channel id=%q>\n", channelID(ch))
		fmt.Fprintf(&b, "    <display-name>%s</display-name>\n", esc(displayName(ch)))
		if ch.Logo != "" {
			fmt.Fprintf(&b, "    <icon src=%q/>\n", ch.Logo)
		}
		b.WriteString("  </channel>\n")
	}

	for i := range channels {
		ch := &channels[i]
		id := channelID(ch)
		for _, p := range ch.Programs {
			if p.Start == nil {
				continue
			}
			start := p.Start.UTC().Format("20060102150405 +0000")
			fmt.Fprintf(&b, "  <programme channel=%q start=%q>\n", id, start)
			fmt.Fprintf(&b, "    <title>%s</title>\n", esc(p.Title))
			if p.Description != "" {
				fmt.Fprintf(&b, "    <desc>%s</desc>\n", esc(p.Description))
			}
			b.WriteString("  </programme>\n")
		}
	}

	b.WriteString("</tv>\n")
	return b.String()
}

func channelID(ch *config.Channel) string {
	if ch.EPGID != "" {
		return ch.EPGID
	}
	return fmt.Sprintf("%d", ch.ID)
}

func displayName(ch *config.Channel) string {
	if ch.AltName != "" {
		return ch.AltName
	}
	return ch.Name
}

func esc(s string) string {
	return html.EscapeString(s)
}
