package chain

import (
	"strings"
	"unicode"
)

// Intent is the coarse purpose of a goal.
type Intent string

const (
	IntentGeneral   Intent = "general"
	IntentSummarize Intent = "summarize"
	IntentExtract   Intent = "extract"
	IntentReport    Intent = "report"
)

// intentTargets lists the types a chain must produce to satisfy an intent.
var intentTargets = map[Intent][]string{
	IntentSummarize: {"summary"},
	IntentExtract:   {"keywords"},
	IntentReport:    {"report"},
}

// Targets returns the output types that satisfy i. General has none.
func (i Intent) Targets() []string {
	return intentTargets[i]
}

// Classifier maps a free-text goal onto an Intent.
type Classifier interface {
	Classify(goal string) Intent
}

// KeywordClassifier picks the intent whose keywords occur most often in the
// goal. Ties go to the earlier intent in its rule order.
type KeywordClassifier struct {
	rules []keywordRule
}

type keywordRule struct {
	intent   Intent
	keywords []string
}

// NewKeywordClassifier returns a classifier with the built-in keyword table.
func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{rules: []keywordRule{
		{IntentReport, []string{"report", "store", "persist", "archive", "audit"}},
		{IntentSummarize, []string{"summary", "summarize", "summarise", "digest", "tldr", "overview"}},
		{IntentExtract, []string{"keyword", "keywords", "extract", "tag", "tags", "topics"}},
	}}
}

// Add appends a rule. Later rules lose ties.
func (k *KeywordClassifier) Add(intent Intent, keywords ...string) {
	k.rules = append(k.rules, keywordRule{intent: intent, keywords: keywords})
}

// Classify implements Classifier.
func (k *KeywordClassifier) Classify(goal string) Intent {
	words := strings.FieldsFunc(strings.ToLower(goal), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	best, bestScore := IntentGeneral, 0
	for _, rule := range k.rules {
		score := 0
		for _, w := range words {
			for _, kw := range rule.keywords {
				if w == kw {
					score++
				}
			}
		}
		if score > bestScore {
			best, bestScore = rule.intent, score
		}
	}
	return best
}
