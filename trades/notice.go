package trades

import "time"

// DefaultNoticeTTL is how long a transient notice stays visible.
const DefaultNoticeTTL = 5 * time.Second

// Notice is a transient, auto-expiring message for the UI.
type Notice struct {
	Source string        `json:"source"`
	Text   string        `json:"text"`
	Raised time.Time     `json:"raised"`
	TTL    time.Duration `json:"ttl"`
}

func NewNotice(source, text string, now time.Time, ttl time.Duration) Notice {
	if ttl <= 0 {
		ttl = DefaultNoticeTTL
	}
	return Notice{Source: source, Text: text, Raised: now, TTL: ttl}
}

func (n Notice) ExpiresAt() time.Time { return n.Raised.Add(n.TTL) }

// Expired reports whether the notice should no longer be shown. The zero
// Notice is always expired.
func (n Notice) Expired(now time.Time) bool {
	return n.Text == "" || !now.Before(n.ExpiresAt())
}
