// Package token defines the credential record at the center of the
// lifecycle engine and the ephemeral device grant used to obtain one.
package token

import "time"

// Record is the durable credential. Exactly one authoritative instance
// exists in the process at any time; it is replaced wholesale, never
// field-mutated in place, so a reader can never observe a token/expiry
// pair from two different issuances.
type Record struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scopes       []string
	IssuedAt     time.Time
	ExpiresAt    time.Time
	SavedAt      time.Time
}

// NeedsRefresh reports whether the record is within margin of its
// expiry at the given time, or has no known expiry. Pure function of
// its inputs.
func (r *Record) NeedsRefresh(now time.Time, margin time.Duration) bool {
	if r == nil || r.ExpiresAt.IsZero() {
		return true
	}

	return !now.Add(margin).Before(r.ExpiresAt)
}

// Expired reports whether the record's expiry has passed.
func (r *Record) Expired(now time.Time) bool {
	if r == nil || r.ExpiresAt.IsZero() {
		return true
	}

	return !r.ExpiresAt.After(now)
}

// TTL returns the remaining lifetime at the given time. Negative when
// already expired.
func (r *Record) TTL(now time.Time) time.Duration {
	return r.ExpiresAt.Sub(now)
}

// DeviceGrant is the ephemeral result of a device-authorization
// request. It lives for one authentication attempt and is discarded
// once a credential is obtained or the attempt fails.
type DeviceGrant struct {
	DeviceCode      string
	UserCode        string
	VerificationURI string
	ExpiresIn       int
	Interval        int
	IssuedAt        time.Time
}

// Expired reports whether the grant's own lifetime has elapsed.
func (g *DeviceGrant) Expired(now time.Time) bool {
	return !now.Before(g.IssuedAt.Add(time.Duration(g.ExpiresIn) * time.Second))
}
