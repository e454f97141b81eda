// Package discord provides the thin slice of Discord's data model that a
// voice connection touches: snowflake IDs for guilds, channels and users.
package discord

import (
	"strconv"
	"strings"
	"time"
)

// Epoch is the Discord epoch in nanoseconds since the Unix epoch.
const Epoch = 1420070400000 * time.Millisecond

// Snowflake is a Discord ID. It is encoded as a string in JSON, because
// 64-bit integers overflow the number type of common JSON implementations.
type Snowflake int64

// NullSnowflake gets encoded into a JSON null. It is used for optional and
// nullable snowflake fields.
const NullSnowflake Snowflake = -1

// NewSnowflake creates a synthetic snowflake carrying the given timestamp.
func NewSnowflake(t time.Time) Snowflake {
	return Snowflake(((t.UnixNano() - int64(Epoch)) / int64(time.Millisecond)) << 22)
}

// ParseSnowflake parses a string into a snowflake.
func ParseSnowflake(sf string) (Snowflake, error) {
	if sf == "null" {
		return NullSnowflake, nil
	}

	i, err := strconv.ParseInt(sf, 10, 64)
	if err != nil {
		return 0, err
	}

	return Snowflake(i), nil
}

func (s *Snowflake) UnmarshalJSON(v []byte) error {
	p, err := ParseSnowflake(strings.Trim(string(v), `"`))
	if err != nil {
		return err
	}

	*s = p
	return nil
}

func (s Snowflake) MarshalJSON() ([]byte, error) {
	// This includes 0 and null, because MarshalJSON does not dictate when a
	// value gets marshaled.
	if s < 1 {
		return []byte("null"), nil
	}

	return []byte(`"` + strconv.FormatInt(int64(s), 10) + `"`), nil
}

// String returns the ID, or an empty string if the snowflake isn't valid.
func (s Snowflake) String() string {
	if !s.IsValid() {
		return ""
	}
	return strconv.FormatUint(uint64(s), 10)
}

// IsValid returns whether or not the snowflake is valid.
func (s Snowflake) IsValid() bool {
	return int64(s) > 0
}

// IsNull returns whether or not the snowflake is null.
func (s Snowflake) IsNull() bool {
	return s == NullSnowflake
}

// Time returns the timestamp embedded in the snowflake.
func (s Snowflake) Time() time.Time {
	unixNano := int64(time.Duration(s>>22)*time.Millisecond + Epoch)
	return time.Unix(0, unixNano)
}

// GuildID is the snowflake of a guild. Voice gateway payloads carry it in the
// "server_id" field.
type GuildID Snowflake

func (s GuildID) MarshalJSON() ([]byte, error)  { return Snowflake(s).MarshalJSON() }
func (s *GuildID) UnmarshalJSON(v []byte) error { return (*Snowflake)(s).UnmarshalJSON(v) }
func (s GuildID) String() string                { return Snowflake(s).String() }
func (s GuildID) IsValid() bool                 { return Snowflake(s).IsValid() }
func (s GuildID) IsNull() bool                  { return Snowflake(s).IsNull() }
func (s GuildID) Time() time.Time               { return Snowflake(s).Time() }

// ChannelID is the snowflake of a voice channel.
type ChannelID Snowflake

// NullChannelID is the null value a voice state update carries to leave the
// current channel.
const NullChannelID = ChannelID(NullSnowflake)

func (s ChannelID) MarshalJSON() ([]byte, error)  { return Snowflake(s).MarshalJSON() }
func (s *ChannelID) UnmarshalJSON(v []byte) error { return (*Snowflake)(s).UnmarshalJSON(v) }
func (s ChannelID) String() string                { return Snowflake(s).String() }
func (s ChannelID) IsValid() bool                 { return Snowflake(s).IsValid() }
func (s ChannelID) IsNull() bool                  { return Snowflake(s).IsNull() }
func (s ChannelID) Time() time.Time               { return Snowflake(s).Time() }

// UserID is the snowflake of a user.
type UserID Snowflake

func (s UserID) MarshalJSON() ([]byte, error)  { return Snowflake(s).MarshalJSON() }
func (s *UserID) UnmarshalJSON(v []byte) error { return (*Snowflake)(s).UnmarshalJSON(v) }
func (s UserID) String() string                { return Snowflake(s).String() }
func (s UserID) IsValid() bool                 { return Snowflake(s).IsValid() }
func (s UserID) IsNull() bool                  { return Snowflake(s).IsNull() }
func (s UserID) Time() time.Time               { return Snowflake(s).Time() }
