package ws

import (
	"time"

	"golang.org/x/time/rate"
)

// SendBurst determines the number of gateway commands that can be sent
// without any rate limiter punishment.
const SendBurst = 5

// NewSendLimiter returns a rate limiter for throttling gateway commands to
// 120 per minute.
func NewSendLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(time.Minute/(120-SendBurst)), SendBurst)
}

// NewDialLimiter returns a rate limiter for throttling dials, keeping
// reconnect loops polite.
func NewDialLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(5*time.Second), 1)
}
