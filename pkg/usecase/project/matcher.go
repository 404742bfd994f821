package project

import (
	"sort"
	"strings"
	"unicode"

	"github.com/m-mizutani/jotter/pkg/model"
)

const (
	DefaultThreshold  = 0.6
	DefaultMaxAliases = 8

	exactScore   = 1.0
	partialScore = 0.9
	maxAliasLen  = 40
	minTokenLen  = 3
)

// Match is the best scoring project for a text
type Match struct {
	Project *model.Project
	Score   float64
	Term    string // name or alias that produced the score
}

// Matcher scores text against project names and aliases. It holds no state
// and never fails; missing input yields no match.
type Matcher struct {
	threshold  float64
	maxAliases int
}

type MatcherOption func(*Matcher)

func WithThreshold(threshold float64) MatcherOption {
	return func(m *Matcher) {
		m.threshold = threshold
	}
}

func WithMaxAliases(n int) MatcherOption {
	return func(m *Matcher) {
		if n > 0 {
			m.maxAliases = n
		}
	}
}

func NewMatcher(opts ...MatcherOption) *Matcher {
	m := &Matcher{
		threshold:  DefaultThreshold,
		maxAliases: DefaultMaxAliases,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// tokenize lowercases s and splits it on anything that is not a letter or digit
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

type textIndex struct {
	phrase string
	tokens map[string]bool
}

func newTextIndex(text string) *textIndex {
	tokens := tokenize(text)
	idx := &textIndex{
		phrase: " " + strings.Join(tokens, " ") + " ",
		tokens: make(map[string]bool, len(tokens)),
	}
	for _, t := range tokens {
		idx.tokens[t] = true
	}
	return idx
}

// scoreTerm rates one name or alias. A whole-phrase hit (or the alias written
// as one word) scores 1; otherwise the share of the term's significant tokens
// found in the text scales partialScore.
func scoreTerm(idx *textIndex, term string) float64 {
	termTokens := tokenize(term)
	if len(termTokens) == 0 {
		return 0
	}

	if strings.Contains(idx.phrase, " "+strings.Join(termTokens, " ")+" ") {
		return exactScore
	}
	if len(termTokens) > 1 && idx.tokens[strings.Join(termTokens, "")] {
		return exactScore
	}

	significant, shared := 0, 0
	seen := make(map[string]bool, len(termTokens))
	for _, t := range termTokens {
		if len([]rune(t)) < minTokenLen || seen[t] {
			continue
		}
		seen[t] = true
		significant++
		if idx.tokens[t] {
			shared++
		}
	}
	if significant == 0 {
		return 0
	}
	return partialScore * float64(shared) / float64(significant)
}

func scoreProject(idx *textIndex, p *model.Project) (float64, string) {
	best, bestTerm := 0.0, ""
	for _, term := range append([]string{p.Name}, p.Aliases...) {
		if s := scoreTerm(idx, term); s > best {
			best, bestTerm = s, term
		}
	}
	return best, bestTerm
}

// FindMatch returns the highest scoring non-archived project at or above the
// threshold. Ties go to the most recently active project, then to name and ID
// order so the result does not depend on candidate order.
func (m *Matcher) FindMatch(text string, candidates []*model.Project) *Match {
	if strings.TrimSpace(text) == "" || len(candidates) == 0 {
		return nil
	}
	idx := newTextIndex(text)

	var matches []*Match
	for _, p := range candidates {
		if p == nil || p.Archived {
			continue
		}
		score, term := scoreProject(idx, p)
		if score <= 0 || score < m.threshold {
			continue
		}
		matches = append(matches, &Match{Project: p, Score: score, Term: term})
	}
	if len(matches) == 0 {
		return nil
	}

	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Project.LastActiveAt.Equal(b.Project.LastActiveAt) {
			return a.Project.LastActiveAt.After(b.Project.LastActiveAt)
		}
		if an, bn := strings.ToLower(a.Project.Name), strings.ToLower(b.Project.Name); an != bn {
			return an < bn
		}
		return a.Project.ID < b.Project.ID
	})
	return matches[0]
}

// aliasFromText cleans text into an alias: collapsed spaces, cut at a word
// boundary so it stays short.
func aliasFromText(text string) string {
	words := strings.Fields(text)
	var b strings.Builder
	for _, w := range words {
		if b.Len() > 0 && b.Len()+1+len(w) > maxAliasLen {
			break
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(w)
	}
	alias := b.String()
	if r := []rune(alias); len(r) > maxAliasLen {
		alias = string(r[:maxAliasLen])
	}
	return strings.Trim(alias, " .,;:!?\"'")
}

// LearnFromCorrection adds text as an alias of p. It is idempotent and case
// insensitive: nothing changes when the alias or the project name is already
// there. The alias list is bounded; the oldest alias is dropped first.
// Returns true when p.Aliases changed.
func (m *Matcher) LearnFromCorrection(text string, p *model.Project) bool {
	if p == nil {
		return false
	}
	alias := aliasFromText(text)
	if alias == "" || len(tokenize(alias)) == 0 || p.HasAlias(alias) {
		return false
	}

	p.Aliases = append(p.Aliases, alias)
	if over := len(p.Aliases) - m.maxAliases; over > 0 {
		p.Aliases = append([]string(nil), p.Aliases[over:]...)
	}
	return true
}
