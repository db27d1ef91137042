package adverse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ktsujino/shinsa/internal/brain"
	"github.com/ktsujino/shinsa/internal/websearch"
)

// routedProvider dispatches on which schema the filter sent: the triage
// schema carries needs_full_check, the review schema carries person_name.
type routedProvider struct {
	triage      func(req brain.Request) (string, error)
	review      func(req brain.Request) (string, error)
	triageCalls atomic.Int32
	reviewCalls atomic.Int32
}

func (p *routedProvider) Name() string    { return "routed" }
func (p *routedProvider) Available() bool { return true }

func (p *routedProvider) Complete(ctx context.Context, req brain.Request) (brain.Response, error) {
	var out string
	var err error
	if strings.Contains(string(req.Schema), "needs_full_check") {
		p.triageCalls.Add(1)
		out, err = p.triage(req)
	} else {
		p.reviewCalls.Add(1)
		out, err = p.review(req)
	}
	if err != nil {
		return brain.Response{}, err
	}
	return brain.Response{JSON: json.RawMessage(out)}, nil
}

type fakeSearch struct {
	hits map[string][]websearch.Hit
	up   bool
}

func (s *fakeSearch) Available() bool { return s.up }

func (s *fakeSearch) Search(ctx context.Context, query string) ([]websearch.Hit, error) {
	return s.hits[query], nil
}

type fakeFetcher struct {
	articles map[string]string
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (string, error) {
	text, ok := f.articles[url]
	if !ok {
		return "", errors.New("404")
	}
	return text, nil
}

func escalate(req brain.Request) (string, error) {
	return `{"needs_full_check": true, "reason": "crime context"}`, nil
}

func oneHit(url string) *fakeSearch {
	return &fakeSearch{up: true, hits: map[string][]websearch.Hit{
		"山田太郎 逮捕": {{Title: "t", URL: url, Snippet: "山田太郎容疑者を逮捕"}},
	}}
}

func reviewJSON(name, role string, crime bool, age, year int) string {
	return fmt.Sprintf(
		`{"person_name": %q, "role": %q, "is_crime_related": %t, "stated_age": %d, "article_year": %d, "rationale": "r"}`,
		name, role, crime, age, year)
}

func TestConfirmedHit(t *testing.T) {
	url := "https://news.example.com/a"
	p := &routedProvider{
		triage: escalate,
		review: func(req brain.Request) (string, error) {
			return reviewJSON("山田太郎", "suspect", true, 0, 0), nil
		},
	}
	f := NewFilter(p, oneHit(url), &fakeFetcher{articles: map[string]string{url: "記事全文"}}, DefaultParams(), nil)

	res := f.Run(context.Background(), Subject{Name: "山田太郎"})
	assert.True(t, res.Performed)
	assert.Equal(t, 1, res.Confirmed)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, StageConfirmed, res.Candidates[0].Stage)
	assert.True(t, res.Candidates[0].NameMatches)
	assert.False(t, res.Candidates[0].NeedsManualReview)
}

func TestOneKanjiOffNeverConfirms(t *testing.T) {
	url := "https://news.example.com/a"
	p := &routedProvider{
		triage: escalate,
		review: func(req brain.Request) (string, error) {
			// Visually close but a different person.
			return reviewJSON("山田大郎", "suspect", true, 0, 0), nil
		},
	}
	f := NewFilter(p, oneHit(url), &fakeFetcher{articles: map[string]string{url: "記事全文"}}, DefaultParams(), nil)

	res := f.Run(context.Background(), Subject{Name: "山田太郎"})
	assert.Equal(t, 0, res.Confirmed)
	assert.Equal(t, StageRejected, res.Candidates[0].Stage)
	assert.False(t, res.Candidates[0].NameMatches)
}

func TestVictimRoleRejected(t *testing.T) {
	url := "https://news.example.com/a"
	p := &routedProvider{
		triage: escalate,
		review: func(req brain.Request) (string, error) {
			return reviewJSON("山田太郎", "victim", true, 0, 0), nil
		},
	}
	f := NewFilter(p, oneHit(url), &fakeFetcher{articles: map[string]string{url: "x"}}, DefaultParams(), nil)

	res := f.Run(context.Background(), Subject{Name: "山田太郎"})
	assert.Equal(t, 0, res.Confirmed)
}

func TestSocialDomainExcludedWithoutTriage(t *testing.T) {
	p := &routedProvider{triage: escalate, review: nil}
	s := &fakeSearch{up: true, hits: map[string][]websearch.Hit{
		"山田太郎 逮捕": {{Title: "t", URL: "https://mobile.twitter.com/x/status/1", Snippet: "逮捕"}},
	}}
	f := NewFilter(p, s, &fakeFetcher{}, DefaultParams(), []string{"twitter.com"})

	res := f.Run(context.Background(), Subject{Name: "山田太郎"})
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, StageRejected, res.Candidates[0].Stage)
	assert.Equal(t, int32(0), p.triageCalls.Load())
}

func TestTriageErrorEscalatesAndReviewErrorSurfaces(t *testing.T) {
	url := "https://news.example.com/a"
	p := &routedProvider{
		triage: func(req brain.Request) (string, error) { return "", errors.New("down") },
		review: func(req brain.Request) (string, error) { return "", errors.New("down") },
	}
	f := NewFilter(p, oneHit(url), &fakeFetcher{articles: map[string]string{url: "x"}}, DefaultParams(), nil)

	res := f.Run(context.Background(), Subject{Name: "山田太郎"})
	require.Len(t, res.Candidates, 1)
	c := res.Candidates[0]
	// Never silently dropped: surfaced as a hit that a human must resolve.
	assert.Equal(t, StageConfirmed, c.Stage)
	assert.True(t, c.NeedsManualReview)
	assert.Equal(t, 1, res.Confirmed)
}

func TestMissingAgeNeverRejectsAtTriage(t *testing.T) {
	url := "https://news.example.com/a"
	p := &routedProvider{
		triage: func(req brain.Request) (string, error) {
			// No stated_age at all.
			return `{"needs_full_check": true, "reason": "arrest context, age unknown"}`, nil
		},
		review: func(req brain.Request) (string, error) {
			return reviewJSON("山田太郎", "suspect", true, 0, 0), nil
		},
	}
	f := NewFilter(p, oneHit(url), &fakeFetcher{articles: map[string]string{url: "x"}}, DefaultParams(), nil)

	res := f.Run(context.Background(), Subject{Name: "山田太郎", Age: 45})
	assert.True(t, res.Candidates[0].NeedsFullCheck)
	assert.Equal(t, 1, res.Confirmed)
}

func TestWideAgeContradictionRejectsAtTriage(t *testing.T) {
	url := "https://news.example.com/a"
	p := &routedProvider{
		triage: func(req brain.Request) (string, error) {
			return `{"needs_full_check": true, "stated_age": 72, "reason": "arrest"}`, nil
		},
	}
	f := NewFilter(p, oneHit(url), &fakeFetcher{}, DefaultParams(), nil)

	res := f.Run(context.Background(), Subject{Name: "山田太郎", Age: 30})
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, StageRejected, res.Candidates[0].Stage)
	assert.Equal(t, int32(0), p.reviewCalls.Load())
}

func TestAgeBandAtReview(t *testing.T) {
	url := "https://news.example.com/a"
	thisYear := time.Now().Year()
	p := &routedProvider{
		triage: escalate,
		review: func(req brain.Request) (string, error) {
			return reviewJSON("山田太郎", "suspect", true, 30, thisYear), nil
		},
	}
	f := NewFilter(p, oneHit(url), &fakeFetcher{articles: map[string]string{url: "x"}}, DefaultParams(), nil)

	// Inferred current age 30 against a 55-year-old subject: outside the band.
	res := f.Run(context.Background(), Subject{Name: "山田太郎", Age: 55})
	assert.Equal(t, 0, res.Confirmed)

	// Same article, no year context: the age check is skipped and the hit counts.
	p2 := &routedProvider{
		triage: escalate,
		review: func(req brain.Request) (string, error) {
			return reviewJSON("山田太郎", "suspect", true, 30, 0), nil
		},
	}
	f2 := NewFilter(p2, oneHit(url), &fakeFetcher{articles: map[string]string{url: "x"}}, DefaultParams(), nil)
	res2 := f2.Run(context.Background(), Subject{Name: "山田太郎", Age: 55})
	assert.Equal(t, 1, res2.Confirmed)
}

func TestUnfetchableArticleGoesToManualReview(t *testing.T) {
	p := &routedProvider{triage: escalate}
	f := NewFilter(p, oneHit("https://news.example.com/gone"), &fakeFetcher{}, DefaultParams(), nil)

	res := f.Run(context.Background(), Subject{Name: "山田太郎"})
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, StageRejected, res.Candidates[0].Stage)
	assert.True(t, res.Candidates[0].NeedsManualReview)
}

func TestSearchUnavailableIsNotClean(t *testing.T) {
	f := NewFilter(&routedProvider{}, &fakeSearch{up: false}, &fakeFetcher{}, DefaultParams(), nil)
	res := f.Run(context.Background(), Subject{Name: "山田太郎"})
	assert.False(t, res.Performed)
	assert.NotEmpty(t, res.SkipReason)
	assert.Empty(t, res.Candidates)
}
