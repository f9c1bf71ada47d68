// Package memory decides session identity and lifetime.
//
// Expiry arithmetic is a pure function of (policy, instant): wall-clock
// math is done in the policy's location and the result is an absolute
// instant, so daylight-saving transitions never shift it twice.
package memory

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/chatrelay/internal/config"
)

// Policy is a resolved session expiry policy.
type Policy struct {
	Mode        string
	ResetHour   int
	ResetMinute int
	Duration    time.Duration
	Location    *time.Location
}

// PolicyFrom resolves a configured session_memory block.
func PolicyFrom(sm config.SessionMemory) (Policy, error) {
	loc, err := sm.Location()
	if err != nil {
		return Policy{}, err
	}
	p := Policy{Mode: sm.ResetMode, Location: loc}

	switch sm.ResetMode {
	case config.ResetModeTime:
		p.ResetHour, p.ResetMinute, err = sm.ResetClock()
		if err != nil {
			return Policy{}, err
		}
	case config.ResetModeDuration:
		p.Duration = sm.Duration()
		if p.Duration <= 0 {
			return Policy{}, fmt.Errorf("%w: duration policy needs reset_hours or reset_minutes", config.ErrInvalid)
		}
	case config.ResetModeSameDay:
	default:
		return Policy{}, fmt.Errorf("%w: unknown reset mode %q", config.ErrInvalid, sm.ResetMode)
	}
	return p, nil
}

// Window returns the rolling context window, or zero for wall-clock modes.
func (p Policy) Window() time.Duration {
	if p.Mode == config.ResetModeDuration {
		return p.Duration
	}
	return 0
}

func (p Policy) location() *time.Location {
	if p.Location == nil {
		return time.UTC
	}
	return p.Location
}

// ExpiryFor returns when a session started (or last active) at from
// expires. The result is always strictly after from.
func ExpiryFor(p Policy, from time.Time) time.Time {
	loc := p.location()
	local := from.In(loc)
	y, m, d := local.Date()

	var expiry time.Time
	switch p.Mode {
	case config.ResetModeTime:
		expiry = time.Date(y, m, d, p.ResetHour, p.ResetMinute, 0, 0, loc)
		if !expiry.After(from) {
			expiry = time.Date(y, m, d+1, p.ResetHour, p.ResetMinute, 0, 0, loc)
		}
	case config.ResetModeSameDay:
		expiry = time.Date(y, m, d+1, 0, 0, 0, 0, loc)
	default:
		expiry = from.Add(p.Duration)
	}

	// Degenerate policies (zero duration, a reset hour swallowed by a DST
	// gap) still must land in the future.
	for !expiry.After(from) {
		expiry = expiry.AddDate(0, 0, 1)
	}
	return expiry.UTC()
}

var sessionNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("chatrelay:session"))

// SessionID derives the session identifier from the pair and its creation
// instant. The same inputs always produce the same identifier.
func SessionID(userID, chatID string, created time.Time) string {
	name := userID + "|" + chatID + "|" + strconv.FormatInt(created.UnixNano(), 10)
	return uuid.NewSHA1(sessionNamespace, []byte(name)).String()
}
