package masknn

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// SkipChannels is the optional channel count of skip connections. The zero
// value means "unset" and is replaced by the network default; NoSkip
// explicitly disables skip connections.
type SkipChannels struct {
	set      bool
	channels int
}

// Skip enables skip connections with n channels. n <= 0 is equivalent to NoSkip.
func Skip(n int) SkipChannels {
	if n <= 0 {
		return NoSkip()
	}
	return SkipChannels{set: true, channels: n}
}

// NoSkip disables skip connections.
func NoSkip() SkipChannels {
	return SkipChannels{set: true}
}

// IsSet reports whether a value (including NoSkip) was chosen.
func (s SkipChannels) IsSet() bool {
	return s.set
}

// Channels returns the skip channel count and whether skip connections are enabled.
func (s SkipChannels) Channels() (int, bool) {
	return s.channels, s.channels > 0
}

func (s SkipChannels) String() string {
	switch {
	case !s.set:
		return "unset"
	case s.channels == 0:
		return "none"
	default:
		return fmt.Sprintf("%d", s.channels)
	}
}

func (s SkipChannels) MarshalJSON() ([]byte, error) {
	if !s.set {
		return []byte("null"), nil
	}
	return json.Marshal(s.channels)
}

// UnmarshalJSON accepts null or 0 for no skip connections and a positive
// integer for the channel count.
func (s *SkipChannels) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*s = NoSkip()
		return nil
	}
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("skip_chan: %w", err)
	}
	if n < 0 {
		return fmt.Errorf("skip_chan must not be negative (got %d)", n)
	}
	*s = Skip(n)
	return nil
}
