package onboarding

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/signalix/sessionkit/internal/model"
)

// DefaultResendCooldown is the minimum gap between two code deliveries for one challenge
const DefaultResendCooldown = 60 * time.Second

// Challenge is one outstanding code request. It lives in memory only; codes
// expire server-side and are worthless across reloads.
type Challenge struct {
	Target  string
	Purpose model.Purpose
	Channel model.Channel

	limiter *rate.Limiter
}

// newChallenge records a delivery made at now
func newChallenge(target string, purpose model.Purpose, channel model.Channel, cooldown time.Duration, now time.Time) *Challenge {
	limit := rate.Inf
	if cooldown > 0 {
		limit = rate.Every(cooldown)
	}
	c := &Challenge{
		Target:  target,
		Purpose: purpose,
		Channel: channel,
		limiter: rate.NewLimiter(limit, 1),
	}
	c.limiter.AllowN(now, 1)
	return c
}

// allowResend consumes the cool-down if it has elapsed at now
func (c *Challenge) allowResend(now time.Time) bool {
	return c.limiter.AllowN(now, 1)
}

// RetryAfter is how long until a resend is allowed
func (c *Challenge) RetryAfter(now time.Time) time.Duration {
	r := c.limiter.ReserveN(now, 1)
	if !r.OK() {
		return 0
	}
	d := r.DelayFrom(now)
	r.CancelAt(now)
	return d
}
