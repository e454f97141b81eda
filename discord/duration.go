package discord

import "time"

// Milliseconds is in float64 because Discord can return time with a trailing
// decimal.
type Milliseconds float64

func DurationToMilliseconds(dur time.Duration) Milliseconds {
	return Milliseconds(dur.Milliseconds())
}

func (ms Milliseconds) String() string {
	return ms.Duration().String()
}

func (ms Milliseconds) Duration() time.Duration {
	return time.Duration(float64(ms) * float64(time.Millisecond))
}
