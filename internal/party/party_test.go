package party

import (
	"math"
	"testing"
	"time"
)

func strPtr(s string) *string { return &s }

func floatPtr(f float64) *float64 { return &f }

func boolPtr(b bool) *bool { return &b }

func baseUpdate(url string) StatusUpdate {
	return StatusUpdate{
		URL:     strPtr(url),
		Time:    floatPtr(0),
		Speed:   floatPtr(1),
		Playing: boolPtr(true),
	}
}

func TestNewGeneratesIdentifiers(t *testing.T) {
	p, err := New(Rules{})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if len(p.ID) != 16 {
		t.Fatalf("expected 16 character id, got %q", p.ID)
	}
	if len(p.Secret) != 48 {
		t.Fatalf("expected 48 character secret, got %d characters", len(p.Secret))
	}
	if p.Speed != 1 || !p.Playing {
		t.Fatalf("unexpected defaults: speed=%v playing=%v", p.Speed, p.Playing)
	}

	other, err := New(Rules{})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if other.ID == p.ID || other.Secret == p.Secret {
		t.Fatal("expected distinct identifiers across parties")
	}
}

func TestUpdateStatusURLValidation(t *testing.T) {
	cases := []struct {
		name    string
		rules   Rules
		url     string
		allowed bool
	}{
		{name: "apex domain", url: "https://dropout.tv/video", allowed: true},
		{name: "subdomain", url: "https://www.dropout.tv/videos/episode-1", allowed: true},
		{name: "nested subdomain", url: "https://live.eu.dropout.tv/show", allowed: true},
		{name: "plain http", url: "http://www.dropout.tv/videos/episode-1", allowed: false},
		{name: "other domain", url: "https://evil.example.com/videos/episode-1", allowed: false},
		{name: "suffix but not subdomain", url: "https://notdropout.tv/video", allowed: false},
		{name: "domain embedded in path", url: "https://evil.example.com/dropout.tv", allowed: false},
		{name: "custom domain", rules: Rules{AllowedDomain: "example.org"}, url: "https://media.example.org/v", allowed: true},
		{name: "default rejected under custom domain", rules: Rules{AllowedDomain: "example.org"}, url: "https://www.dropout.tv/v", allowed: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := New(tc.rules)
			if err != nil {
				t.Fatalf("New returned error: %v", err)
			}
			ok := p.UpdateStatus(baseUpdate(tc.url), true)
			if ok != tc.allowed {
				t.Fatalf("UpdateStatus(%q) = %v, want %v", tc.url, ok, tc.allowed)
			}
		})
	}
}

func TestUpdateStatusRejectsOverlongURL(t *testing.T) {
	p, err := New(Rules{})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	long := "https://www.dropout.tv/"
	for len(long) <= 1024 {
		long += "a"
	}
	if p.UpdateStatus(baseUpdate(long), true) {
		t.Fatal("expected overlong URL to be rejected")
	}
}

func TestUpdateStatusRequiresAllFields(t *testing.T) {
	p, err := New(Rules{})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	u := baseUpdate("https://www.dropout.tv/video")
	u.Speed = nil
	if p.UpdateStatus(u, true) {
		t.Fatal("expected update without speed to be rejected")
	}
}

func TestUpdateStatusSecret(t *testing.T) {
	p, err := New(Rules{})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if !p.UpdateStatus(baseUpdate("https://www.dropout.tv/video"), true) {
		t.Fatal("initial update failed")
	}
	before := *p

	wrong := baseUpdate("https://www.dropout.tv/other")
	wrong.Secret = strPtr("nope")
	if p.UpdateStatus(wrong, false) {
		t.Fatal("expected mismatched secret to be rejected")
	}
	if p.URL != before.URL || p.Time != before.Time {
		t.Fatal("rejected update must not mutate the party")
	}

	missing := baseUpdate("https://www.dropout.tv/other")
	if p.UpdateStatus(missing, false) {
		t.Fatal("expected missing secret to be rejected")
	}

	good := baseUpdate("https://www.dropout.tv/other")
	good.Secret = strPtr(p.Secret)
	good.Time = floatPtr(42.5)
	if !p.UpdateStatus(good, false) {
		t.Fatal("expected matching secret to be accepted")
	}
	if p.URL != "https://www.dropout.tv/other" || p.Time != 42.5 {
		t.Fatalf("accepted update did not apply: url=%q time=%v", p.URL, p.Time)
	}
}

func TestUpdateStatusTitle(t *testing.T) {
	p, err := New(Rules{})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	u := baseUpdate("https://www.dropout.tv/video")
	u.Title = strPtr("   ")
	if !p.UpdateStatus(u, true) {
		t.Fatal("initial update failed")
	}
	if p.Title != "" {
		t.Fatalf("blank title should be ignored, got %q", p.Title)
	}

	u = baseUpdate("https://www.dropout.tv/video")
	u.Title = strPtr("Movie Night")
	u.Secret = strPtr(p.Secret)
	if !p.UpdateStatus(u, false) {
		t.Fatal("update failed")
	}
	if p.Title != "Movie Night" {
		t.Fatalf("expected explicit title, got %q", p.Title)
	}
}

func TestCurrentTimeExtrapolation(t *testing.T) {
	p := &Party{Time: 100, Speed: 2, Playing: true, LastUpdate: time.Now().Add(-5 * time.Second)}
	got := p.CurrentTime()
	if math.Abs(got-110) > 0.5 {
		t.Fatalf("CurrentTime() = %v, want ~110", got)
	}

	p.Playing = false
	if got := p.CurrentTime(); got != 100 {
		t.Fatalf("paused party must not advance, got %v", got)
	}
}

func TestTitleOrDerived(t *testing.T) {
	cases := []struct {
		name  string
		title string
		url   string
		want  string
	}{
		{name: "explicit title wins", title: "Finale", url: "https://www.dropout.tv/videos/episode-9", want: "Finale"},
		{name: "derived from path", url: "https://www.dropout.tv/videos/episode-9", want: "episode-9"},
		{name: "trailing slash", url: "https://www.dropout.tv/videos/episode-9/", want: "episode-9"},
		{name: "bare domain", url: "https://www.dropout.tv", want: UntitledName},
		{name: "empty", want: UntitledName},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := &Party{Title: tc.title, URL: tc.url}
			if got := p.TitleOrDerived(); got != tc.want {
				t.Fatalf("TitleOrDerived() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSerializeSecretAsymmetry(t *testing.T) {
	p, err := New(Rules{})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if !p.UpdateStatus(baseUpdate("https://www.dropout.tv/videos/episode-1"), true) {
		t.Fatal("initial update failed")
	}

	owner := p.Serialize()
	if owner.Secret != p.Secret {
		t.Fatal("owner record must carry the secret")
	}
	public := p.SerializeStatus()
	if public.Secret != "" {
		t.Fatal("status record must not carry the secret")
	}
	if public.Title != "episode-1" {
		t.Fatalf("status title = %q, want derived segment", public.Title)
	}
}

func TestApplyStatusWhitelist(t *testing.T) {
	p, err := New(Rules{})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if !p.UpdateStatus(baseUpdate("https://www.dropout.tv/video"), true) {
		t.Fatal("initial update failed")
	}
	secret := p.Secret
	id := p.ID

	p.ApplyStatus(Record{
		ID:      "0000000000000000",
		URL:     "https://www.dropout.tv/next",
		Title:   "Next Up",
		Time:    33,
		Speed:   1.5,
		Playing: false,
		Secret:  "attacker-controlled",
	})

	if p.Secret != secret {
		t.Fatal("remote status must never overwrite the secret")
	}
	if p.ID != id {
		t.Fatal("remote status must not overwrite the id")
	}
	if p.URL != "https://www.dropout.tv/next" || p.Time != 33 || p.Speed != 1.5 || p.Playing {
		t.Fatalf("whitelisted fields not applied: %+v", p)
	}
	if p.Title != "Next Up" {
		t.Fatalf("title not applied, got %q", p.Title)
	}

	p.ApplyStatus(Record{URL: "https://www.dropout.tv/final", Time: 1, Speed: 1, Playing: true})
	if p.Title != "Next Up" {
		t.Fatal("empty remote title must keep the existing title")
	}
}

func TestFromRecordRestartsCheckpoint(t *testing.T) {
	rec := Record{
		ID:      "abcdefabcdefabcd",
		URL:     "https://www.dropout.tv/video",
		Time:    500,
		Speed:   1,
		Playing: true,
		Secret:  "s",
	}
	before := time.Now()
	p := FromRecord(rec, Rules{})
	if p.LastUpdate.Before(before) {
		t.Fatal("LastUpdate must restart at load time")
	}
	if p.Time != 500 || p.ID != rec.ID || p.Secret != "s" {
		t.Fatalf("record fields not restored: %+v", p)
	}
}
