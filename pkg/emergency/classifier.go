package emergency

import (
	"sort"
	"strings"

	"github.com/cuemby/lattice/pkg/types"
)

// Classifier decides whether a job is emergency work by scanning its
// descriptor for configured keywords and maps the match to a kind.
type Classifier struct {
	// tokens sorted for deterministic matching when several apply
	tokens   []string
	keywords map[string]string // token -> emergency kind
}

// DefaultKeywords is the default keyword -> kind table. Deployments
// tune it through configuration; the structure, not the contents, is
// fixed.
func DefaultKeywords() map[string]string {
	return map[string]string{
		"fire":      "fire",
		"smoke":     "fire",
		"medical":   "medical",
		"ambulance": "medical",
		"critical":  "critical",
		"urgent":    "critical",
		"emergency": "critical",
	}
}

// NewClassifier builds a classifier from a keyword table. A nil table
// uses the defaults.
func NewClassifier(keywords map[string]string) *Classifier {
	if keywords == nil {
		keywords = DefaultKeywords()
	}
	lowered := make(map[string]string, len(keywords))
	tokens := make([]string, 0, len(keywords))
	for k, v := range keywords {
		token := strings.ToLower(k)
		lowered[token] = v
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)
	return &Classifier{tokens: tokens, keywords: lowered}
}

// Classify scans the job's declared kind and payload for keywords.
// It returns whether the job is emergency work and the derived kind.
// When several tokens match, the kind with the highest bonus wins.
func (c *Classifier) Classify(info *types.JobInfo) (bool, string) {
	if info == nil {
		return false, ""
	}
	if kind, ok := c.match(info.Kind); ok {
		return true, kind
	}
	if kind, ok := c.match(string(info.Payload)); ok {
		return true, kind
	}
	return false, ""
}

func (c *Classifier) match(text string) (string, bool) {
	if text == "" {
		return "", false
	}
	lowered := strings.ToLower(text)
	best, found := "", false
	for _, token := range c.tokens {
		if !strings.Contains(lowered, token) {
			continue
		}
		kind := c.keywords[token]
		if !found || kindRank(kind) > kindRank(best) {
			best, found = kind, true
		}
	}
	return best, found
}
