// Package party models a synchronized watch party: the authoritative playback
// state, the shared secret that authorizes mutations, and the decayed
// per-instance viewer statistics aggregated across server processes.
package party

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/url"
	"strings"
	"time"
)

// DefaultAllowedDomain is the video host domain accepted when no override is
// configured. Party URLs must point at this domain or one of its subdomains.
const DefaultAllowedDomain = "dropout.tv"

const (
	maxURLLength   = 1024
	maxTitleLength = 256

	// UntitledName is returned when neither an explicit title nor a usable
	// URL path segment is available.
	UntitledName = "Unnamed Watch Party"
)

// Rules carries the validation configuration injected into each Party.
type Rules struct {
	// AllowedDomain restricts party URLs to this domain and its
	// subdomains. Empty falls back to DefaultAllowedDomain.
	AllowedDomain string
}

func (r Rules) domain() string {
	if d := strings.TrimSpace(r.AllowedDomain); d != "" {
		return strings.ToLower(d)
	}
	return DefaultAllowedDomain
}

// Party is the in-memory representation of one watch party. State is stored
// as a checkpoint (Time, LastUpdate) rather than continuously advanced;
// CurrentTime extrapolates on read.
type Party struct {
	ID         string
	Secret     string
	URL        string
	Title      string
	Time       float64
	Speed      float64
	Playing    bool
	LastUpdate time.Time

	rules Rules
	stats *StatsCollector
}

// New generates a party with a fresh id and secret. The party is not valid
// until an initial UpdateStatus succeeds.
func New(rules Rules) (*Party, error) {
	id, err := randomHex(8)
	if err != nil {
		return nil, err
	}
	secret, err := randomHex(24)
	if err != nil {
		return nil, err
	}
	return &Party{
		ID:         id,
		Secret:     secret,
		Speed:      1,
		Playing:    true,
		LastUpdate: time.Now(),
		rules:      rules,
		stats:      NewStatsCollector(),
	}, nil
}

// FromRecord rebuilds a party from a persisted record. The extrapolation
// checkpoint restarts at load time.
func FromRecord(rec Record, rules Rules) *Party {
	return &Party{
		ID:         rec.ID,
		Secret:     rec.Secret,
		URL:        rec.URL,
		Title:      rec.Title,
		Time:       rec.Time,
		Speed:      rec.Speed,
		Playing:    rec.Playing,
		LastUpdate: time.Now(),
		rules:      rules,
		stats:      NewStatsCollector(),
	}
}

// StatusUpdate is the validated mutation payload. Pointer fields distinguish
// absent values from zero values.
type StatusUpdate struct {
	URL     *string  `json:"url"`
	Title   *string  `json:"title"`
	Time    *float64 `json:"time"`
	Speed   *float64 `json:"speed"`
	Playing *bool    `json:"playing"`
	Secret  *string  `json:"secret"`
}

// UpdateStatus validates the payload and, on success, overwrites the mutable
// playback fields and stamps LastUpdate. Unless initial is set, the payload
// secret must match the stored secret. User-input problems are reported as a
// false return, never as an error.
func (p *Party) UpdateStatus(u StatusUpdate, initial bool) bool {
	if u.URL == nil || u.Time == nil || u.Speed == nil || u.Playing == nil {
		return false
	}
	if !initial {
		if u.Secret == nil || subtle.ConstantTimeCompare([]byte(*u.Secret), []byte(p.Secret)) != 1 {
			return false
		}
	}
	if len(*u.URL) > maxURLLength {
		return false
	}
	parsed, err := url.Parse(*u.URL)
	if err != nil {
		return false
	}
	if parsed.Scheme != "https" || !p.hostAllowed(parsed.Hostname()) {
		return false
	}

	p.URL = *u.URL
	p.Time = *u.Time
	p.Speed = *u.Speed
	p.Playing = *u.Playing
	p.LastUpdate = time.Now()

	if u.Title != nil && strings.TrimSpace(*u.Title) != "" && len(*u.Title) <= maxTitleLength {
		p.Title = *u.Title
	}
	return true
}

func (p *Party) hostAllowed(host string) bool {
	domain := p.rules.domain()
	host = strings.ToLower(host)
	return host == domain || strings.HasSuffix(host, "."+domain)
}

// CurrentTime extrapolates the checkpointed playback position forward by the
// elapsed wall-clock time scaled by Speed while the party is playing.
func (p *Party) CurrentTime() float64 {
	t := p.Time
	if p.Playing {
		t += time.Since(p.LastUpdate).Seconds() * p.Speed
	}
	return t
}

// TitleOrDerived returns the explicit title, falling back to the last URL
// path segment and finally UntitledName.
func (p *Party) TitleOrDerived() string {
	if p.Title != "" {
		return p.Title
	}
	if derived := titleFromURL(p.URL); derived != "" {
		return derived
	}
	return UntitledName
}

func titleFromURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	path := strings.TrimRight(parsed.Path, "/")
	segments := strings.Split(path, "/")
	title := segments[len(segments)-1]
	if title == "" || len(title) > maxTitleLength {
		return ""
	}
	return title
}

// Stats exposes the party's viewer statistics collector.
func (p *Party) Stats() *StatsCollector {
	return p.stats
}

// Record is the serialized party representation persisted to the shared
// store and carried by status events. Secret is present only in the owner
// record produced by Serialize.
type Record struct {
	ID      string  `json:"id"`
	URL     string  `json:"url"`
	Title   string  `json:"title"`
	Time    float64 `json:"time"`
	Speed   float64 `json:"speed"`
	Playing bool    `json:"playing"`
	Stats   Stats   `json:"stats"`
	Secret  string  `json:"secret,omitempty"`
}

// Serialize produces the owner snapshot including the secret. It is returned
// to the creator on create, persisted to the shared store, and published on
// the party channel; it is never sent to non-owners.
func (p *Party) Serialize() Record {
	return Record{
		ID:      p.ID,
		URL:     p.URL,
		Title:   p.TitleOrDerived(),
		Time:    p.Time,
		Speed:   p.Speed,
		Playing: p.Playing,
		Stats:   p.stats.Total(),
		Secret:  p.Secret,
	}
}

// SerializeStatus produces the public snapshot with the extrapolated playback
// position and without the secret.
func (p *Party) SerializeStatus() Record {
	return Record{
		ID:      p.ID,
		URL:     p.URL,
		Title:   p.TitleOrDerived(),
		Time:    p.CurrentTime(),
		Speed:   p.Speed,
		Playing: p.Playing,
		Stats:   p.stats.Total(),
	}
}

// ApplyStatus merges a remote status event onto the local replica. Only the
// whitelisted playback fields are overwritten; the secret and collector are
// never touched by remote input.
func (p *Party) ApplyStatus(rec Record) {
	p.URL = rec.URL
	p.Time = rec.Time
	p.Speed = rec.Speed
	p.Playing = rec.Playing
	if rec.Title != "" {
		p.Title = rec.Title
	}
	p.LastUpdate = time.Now()
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
