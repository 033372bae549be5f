package transcoder

import (
	"fmt"

	"github.com/LibreNetworks/amps/internal/config"
)

// Key identifies one running (or about-to-run) transcoder record: a
// channel, an optional named variant, and the output shape a subscriber
// requested. Two subscribers asking for the same channel/variant/shape
// triple share one record; anything else launches its own.
type Key struct {
	ChannelID int64
	Variant   string
	Shape     config.OutputShape
}

// String renders the key the way it appears in logs and metric labels.
func (k Key) String() string {
	v := k.Variant
	if v == "" {
		v = "-"
	}
	return fmt.Sprintf("%d/%s/%s", k.ChannelID, v, k.Shape)
}

// overlapKey suffixes a base key with an overlap ordinal, producing a
// private key that never collides with the shared one — spec.md §4.3's
// overlap semantics.
func overlapKey(base Key, ordinal int) string {
	return fmt.Sprintf("%s#overlap%d", base.String(), ordinal)
}
