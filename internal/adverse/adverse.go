// Package adverse implements the two-stage adverse-media filter.
//
// Stage 1 triages search-result snippets with a cheap completion call and
// decides which hits deserve a full-article review. Stage 2 fetches the
// article, extracts the named person, and applies a strict identity gate.
// The two stages pull in opposite directions on purpose: triage is biased
// toward checking, the final gate is biased against false positives.
package adverse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ktsujino/shinsa/internal/brain"
	"github.com/ktsujino/shinsa/internal/logging"
	"github.com/ktsujino/shinsa/internal/nameutil"
	"github.com/ktsujino/shinsa/internal/websearch"
)

// Stage is a candidate's position in the filter lifecycle.
type Stage string

const (
	StageTriaged   Stage = "triaged"
	StageFetching  Stage = "fetching"
	StageConfirmed Stage = "confirmed"
	StageRejected  Stage = "rejected"
)

// Subject is the person under review.
type Subject struct {
	Name    string
	Kana    string
	Age     int // 0 = unknown
	Company string
	Title   string
}

// Candidate is one (subject, query, search-hit) triple moving through the
// filter.
type Candidate struct {
	SubjectName       string
	Query             string
	Title             string
	URL               string
	Snippet           string
	Stage             Stage
	NeedsFullCheck    bool
	TriageReason      string
	ArticleText       string
	ExtractedName     string
	NameMatches       bool
	IsCrimeRelated    bool
	Rationale         string
	NeedsManualReview bool
}

// Result is the filter's output for one subject.
type Result struct {
	Subject    Subject
	Candidates []Candidate
	Confirmed  int
	// Performed is false when no search backend was available; the report
	// must show "not checked", not "clean".
	Performed  bool
	SkipReason string
}

// Params are the filter's tunables.
type Params struct {
	// Stage1AgeMarginYears is the contradiction margin at triage: a snippet
	// age differing from the subject by more than this is a cheap reject.
	Stage1AgeMarginYears int
	// Stage2AgeBandYears is the strict band at the final gate.
	Stage2AgeBandYears int
}

// DefaultParams returns the tuned production values.
func DefaultParams() Params {
	return Params{
		Stage1AgeMarginYears: 10,
		Stage2AgeBandYears:   5,
	}
}

// Searcher is the slice of the web-search client the filter needs.
type Searcher interface {
	Available() bool
	Search(ctx context.Context, query string) ([]websearch.Hit, error)
}

// ArticleFetcher is the slice of the article fetcher the filter needs.
type ArticleFetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// Filter runs the staged adverse-media check.
type Filter struct {
	provider      brain.Provider
	search        Searcher
	fetcher       ArticleFetcher
	params        Params
	socialDomains []string
}

// NewFilter creates a filter.
func NewFilter(p brain.Provider, s Searcher, f ArticleFetcher, params Params, socialDomains []string) *Filter {
	return &Filter{
		provider:      p,
		search:        s,
		fetcher:       f,
		params:        params,
		socialDomains: socialDomains,
	}
}

// Queries builds the search queries for a subject. Company-qualified
// queries catch hits where the snippet names the employer but not the
// person.
func Queries(s Subject) []string {
	queries := []string{
		s.Name + " 逮捕",
		s.Name + " 詐欺",
		s.Name + " 容疑",
	}
	if s.Company != "" {
		queries = append(queries, s.Company+" "+s.Name)
	}
	return queries
}

// Run executes the full two-stage filter for one subject. Stage-1 triage
// for every query completes before any stage-2 fetch begins; stage-2
// reviews run concurrently.
func (f *Filter) Run(ctx context.Context, subject Subject) Result {
	result := Result{Subject: subject}

	if f.search == nil || !f.search.Available() {
		result.SkipReason = "search backend not configured"
		logging.Warn("adverse-media check skipped", "subject", subject.Name, "reason", result.SkipReason)
		return result
	}
	result.Performed = true

	// Stage 0+1: search and triage every query's hits.
	seen := map[string]bool{}
	for _, query := range Queries(subject) {
		hits, err := f.search.Search(ctx, query)
		if err != nil {
			// One failed query never aborts the others.
			logging.Warn("adverse-media search failed", "query", query, "error", err)
			continue
		}
		for _, hit := range hits {
			if seen[hit.URL] {
				continue
			}
			seen[hit.URL] = true
			result.Candidates = append(result.Candidates, f.triage(ctx, subject, query, hit))
		}
	}

	// Stage 2: concurrent full-article reviews for the flagged candidates.
	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	g.SetLimit(4)
	for i := range result.Candidates {
		c := &result.Candidates[i]
		if !c.NeedsFullCheck {
			continue
		}
		c.Stage = StageFetching
		g.Go(func() error {
			reviewed := f.review(ctx, subject, *c)
			mu.Lock()
			*c = reviewed
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	for _, c := range result.Candidates {
		if c.Stage == StageConfirmed {
			result.Confirmed++
		}
	}

	logging.Info("adverse-media check complete", "subject", subject.Name,
		"candidates", len(result.Candidates), "confirmed", result.Confirmed)
	return result
}

var triageSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"needs_full_check": {
			"type": "boolean",
			"description": "true if the snippet plausibly involves the subject in crime or illegality and the name or a strong proxy (employer, title, location) appears"
		},
		"stated_age": {
			"type": "integer",
			"description": "age of the person as stated in the snippet, 0 if not stated"
		},
		"reason": {"type": "string"}
	},
	"required": ["needs_full_check", "reason"]
}`)

const triageSystemPrompt = `あなたは反社・犯罪歴チェックの一次審査担当です。検索結果のスニペットだけを見て、対象者本人が犯罪・違法行為（逮捕、詐欺、起訴、行政処分、指名手配など）に関与している可能性があるか判定してください。情報が曖昧・不足している場合は必ず「要精査」としてください。明確に別人と分かる場合のみ除外します。`

// triage runs the stage-1 snippet pass for one hit. Missing attributes
// never reject here; only a wide stated contradiction does.
func (f *Filter) triage(ctx context.Context, subject Subject, query string, hit websearch.Hit) Candidate {
	c := Candidate{
		SubjectName: subject.Name,
		Query:       query,
		Title:       hit.Title,
		URL:         hit.URL,
		Snippet:     hit.Snippet,
		Stage:       StageTriaged,
	}

	if f.isSocialDomain(hit.URL) {
		c.Stage = StageRejected
		c.TriageReason = "social media domain excluded"
		return c
	}

	prompt := fmt.Sprintf("対象者: %s", subject.Name)
	if subject.Age > 0 {
		prompt += fmt.Sprintf("（%d歳）", subject.Age)
	}
	if subject.Company != "" {
		prompt += "\n勤務先: " + subject.Company
	}
	prompt += fmt.Sprintf("\n\n検索クエリ: %s\nタイトル: %s\nスニペット: %s", query, hit.Title, hit.Snippet)

	resp, err := f.provider.Complete(ctx, brain.Request{
		SystemPrompt: triageSystemPrompt,
		UserPrompt:   prompt,
		Schema:       triageSchema,
		MaxTokens:    512,
	})
	if err != nil {
		// Fail-safe: a triage error means more checking, never less.
		logging.Warn("triage failed, escalating to full check", "url", hit.URL, "error", err)
		c.NeedsFullCheck = true
		c.TriageReason = "triage unavailable"
		return c
	}

	var out struct {
		NeedsFullCheck bool   `json:"needs_full_check"`
		StatedAge      int    `json:"stated_age"`
		Reason         string `json:"reason"`
	}
	if err := brain.Decode(resp, &out); err != nil {
		logging.Warn("triage output malformed, escalating to full check", "url", hit.URL, "error", err)
		c.NeedsFullCheck = true
		c.TriageReason = "triage unavailable"
		return c
	}

	c.NeedsFullCheck = out.NeedsFullCheck
	c.TriageReason = out.Reason

	// A stated age contradicting the subject by a wide margin is the one
	// cheap reject allowed at this stage.
	if c.NeedsFullCheck && subject.Age > 0 && out.StatedAge > 0 {
		diff := out.StatedAge - subject.Age
		if diff < 0 {
			diff = -diff
		}
		if diff > f.params.Stage1AgeMarginYears {
			c.NeedsFullCheck = false
			c.TriageReason = fmt.Sprintf("stated age %d contradicts subject age %d", out.StatedAge, subject.Age)
		}
	}

	if !c.NeedsFullCheck {
		c.Stage = StageRejected
	}
	return c
}

var reviewSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"person_name": {
			"type": "string",
			"description": "full name of the person the article is about, exactly as written; empty if no individual is named"
		},
		"role": {
			"type": "string",
			"enum": ["suspect", "defendant", "convict", "victim", "commentator", "official", "other"],
			"description": "how the article portrays that person"
		},
		"is_crime_related": {"type": "boolean"},
		"stated_age": {"type": "integer", "description": "the person's age as stated, 0 if absent"},
		"article_year": {"type": "integer", "description": "publication or incident year, 0 if not determinable"},
		"rationale": {"type": "string"}
	},
	"required": ["person_name", "role", "is_crime_related", "rationale"]
}`)

const reviewSystemPrompt = `あなたは反社・犯罪歴チェックの精査担当です。記事全文を読み、記事の中心人物の氏名（記事の表記のまま）、その人物の立場（容疑者・被告・受刑者・被害者・コメンテーター等）、犯罪関連性、記載があれば年齢と記事の年を抽出してください。`

// review runs the stage-2 full-text gate for one candidate.
func (f *Filter) review(ctx context.Context, subject Subject, c Candidate) Candidate {
	text, err := f.fetcher.Fetch(ctx, c.URL)
	if err != nil {
		// Unfetchable articles cannot be verified; flag for a human rather
		// than counting or dropping silently.
		logging.Warn("article fetch failed", "url", c.URL, "error", err)
		c.Stage = StageRejected
		c.NeedsManualReview = true
		c.Rationale = "article unavailable for review"
		return c
	}
	c.ArticleText = text

	prompt := fmt.Sprintf("対象者: %s", subject.Name)
	if subject.Age > 0 {
		prompt += fmt.Sprintf("（%d歳）", subject.Age)
	}
	prompt += "\n\n記事全文:\n" + text

	resp, err := f.provider.Complete(ctx, brain.Request{
		SystemPrompt: reviewSystemPrompt,
		UserPrompt:   prompt,
		Schema:       reviewSchema,
		MaxTokens:    1024,
	})
	if err != nil {
		// Fail-safe: surface as a hit needing human review, never drop.
		logging.Warn("full-text review failed, surfacing for manual review", "url", c.URL, "error", err)
		c.Stage = StageConfirmed
		c.NeedsManualReview = true
		c.Rationale = "classification unavailable"
		return c
	}

	var out struct {
		PersonName     string `json:"person_name"`
		Role           string `json:"role"`
		IsCrimeRelated bool   `json:"is_crime_related"`
		StatedAge      int    `json:"stated_age"`
		ArticleYear    int    `json:"article_year"`
		Rationale      string `json:"rationale"`
	}
	if err := brain.Decode(resp, &out); err != nil {
		logging.Warn("full-text review output malformed, surfacing for manual review", "url", c.URL, "error", err)
		c.Stage = StageConfirmed
		c.NeedsManualReview = true
		c.Rationale = "classification unavailable"
		return c
	}

	c.ExtractedName = out.PersonName
	c.IsCrimeRelated = out.IsCrimeRelated
	c.Rationale = out.Rationale

	// Identity gate. Script-variant and whitespace normalization only; a
	// single differing kanji is a different person.
	c.NameMatches = nameutil.SamePerson(out.PersonName, subject.Name)
	if !c.NameMatches && subject.Kana != "" {
		c.NameMatches = nameutil.SamePerson(out.PersonName, subject.Kana)
	}

	if !c.NameMatches || !out.IsCrimeRelated || !isAccusedRole(out.Role) {
		c.Stage = StageRejected
		return c
	}

	// Age band applies only when both sides of the comparison exist.
	if subject.Age > 0 && out.StatedAge > 0 && out.ArticleYear > 0 {
		inferred := out.StatedAge + (time.Now().Year() - out.ArticleYear)
		diff := inferred - subject.Age
		if diff < 0 {
			diff = -diff
		}
		if diff > f.params.Stage2AgeBandYears {
			c.Stage = StageRejected
			c.Rationale = fmt.Sprintf("inferred current age %d outside band of subject age %d", inferred, subject.Age)
			return c
		}
	}

	c.Stage = StageConfirmed
	return c
}

func isAccusedRole(role string) bool {
	switch role {
	case "suspect", "defendant", "convict":
		return true
	}
	return false
}

// isSocialDomain reports whether the URL's host is, or is a subdomain of,
// one of the excluded social domains.
func (f *Filter) isSocialDomain(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, d := range f.socialDomains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
