package automation

import (
	"regexp"
	"strings"

	"github.com/itsandyd/ppr-academy-sub023/internal/store"
)

// Keyword match types.
const (
	MatchExact      = "exact"
	MatchContains   = "contains"
	MatchStartsWith = "starts_with"
	MatchRegex      = "regex"
)

type fuzzyEntry struct {
	automation store.Automation
	keyword    string
	matchType  string
	re         *regexp.Regexp
}

// Index maps normalized keywords to active automations. Exact keywords are
// hashed; the other match types are scanned in catalog order.
type Index struct {
	exact map[string][]store.Automation
	fuzzy []fuzzyEntry
	byID  map[string]store.Automation
}

func normalize(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// BuildIndex indexes the active automations. Invalid regex keywords are
// skipped and reported back.
func BuildIndex(automations []store.Automation) (*Index, []error) {
	ix := &Index{exact: map[string][]store.Automation{}, byID: map[string]store.Automation{}}
	var errs []error
	for _, a := range automations {
		if !a.Active {
			continue
		}
		ix.byID[a.ID.String()] = a
		matchType := normalize(a.MatchType)
		if matchType == "" {
			matchType = MatchExact
		}
		for _, raw := range a.KeywordList() {
			kw := normalize(raw)
			if kw == "" {
				continue
			}
			switch matchType {
			case MatchExact:
				ix.exact[kw] = append(ix.exact[kw], a)
			case MatchRegex:
				// Patterns keep their original case; (?i) folds.
				re, err := regexp.Compile("(?i)" + strings.TrimSpace(raw))
				if err != nil {
					errs = append(errs, err)
					continue
				}
				ix.fuzzy = append(ix.fuzzy, fuzzyEntry{automation: a, keyword: kw, matchType: matchType, re: re})
			default:
				ix.fuzzy = append(ix.fuzzy, fuzzyEntry{automation: a, keyword: kw, matchType: matchType})
			}
		}
	}
	return ix, errs
}

// Candidate is an automation whose keyword matched a message.
type Candidate struct {
	Automation store.Automation
	Keyword    string
}

// Match returns every automation whose keyword matches text, exact matches first.
func (ix *Index) Match(text string) []Candidate {
	if ix == nil {
		return nil
	}
	norm := normalize(text)
	if norm == "" {
		return nil
	}
	var out []Candidate
	for _, a := range ix.exact[norm] {
		out = append(out, Candidate{Automation: a, Keyword: norm})
	}
	for _, f := range ix.fuzzy {
		if f.matches(norm) {
			out = append(out, Candidate{Automation: f.automation, Keyword: f.keyword})
		}
	}
	return out
}

// Active returns the indexed automation with the given id.
func (ix *Index) Active(id string) (store.Automation, bool) {
	if ix == nil {
		return store.Automation{}, false
	}
	a, ok := ix.byID[id]
	return a, ok
}

func (f fuzzyEntry) matches(norm string) bool {
	switch f.matchType {
	case MatchContains:
		return strings.Contains(norm, f.keyword)
	case MatchStartsWith:
		return strings.HasPrefix(norm, f.keyword)
	case MatchRegex:
		return f.re.MatchString(norm)
	}
	return false
}
