// Package builtin ships the in-process plugins available without loading shared objects.
package builtin

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode"

	"Aetherra-Core/pkg/logger"
	"Aetherra-Core/pkg/plugin"
)

// All returns a fresh instance of every builtin plugin in declaration order.
func All() []plugin.Plugin {
	return []plugin.Plugin{
		&TextSource{},
		&Tokenizer{},
		&KeywordExtractor{},
		&SummaryWriter{},
		&AuditSink{},
	}
}

type lifecycle struct{}

func (lifecycle) Configure(map[string]any) error { return nil }

func (lifecycle) Init(*plugin.ExecutionContext) error { return nil }

func (lifecycle) Start(*plugin.ExecutionContext) error { return nil }

func (lifecycle) Stop(*plugin.ExecutionContext) error { return nil }

// carry copies input so a node forwards the fields it does not consume.
func carry(input map[string]any) map[string]any {
	out := make(map[string]any, len(input)+1)
	for k, v := range input {
		out[k] = v
	}
	return out
}

// TextSource emits the "text" record from its input or its configured default.
type TextSource struct {
	lifecycle
	fallback string
}

func (*TextSource) Info() plugin.Info {
	return plugin.Info{
		ID:            "text-source",
		Name:          "Text source",
		Description:   "Emits the text parameter of the job, or a configured default.",
		Version:       "1.0.0",
		Category:      plugin.TypeDataSource,
		OutputTypes:   []string{"text"},
		ChainPriority: 10,
	}
}

func (s *TextSource) Configure(cfg map[string]any) error {
	if v, ok := cfg["text"].(string); ok {
		s.fallback = v
	}
	return nil
}

func (s *TextSource) Execute(_ *plugin.ExecutionContext, input map[string]any) (map[string]any, error) {
	out := carry(input)
	text, _ := input["text"].(string)
	if strings.TrimSpace(text) == "" {
		text = s.fallback
	}
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("text-source: no text supplied")
	}
	out["text"] = text
	return out, nil
}

// Tokenizer splits "text" into lower-cased word tokens.
type Tokenizer struct{ lifecycle }

func (*Tokenizer) Info() plugin.Info {
	return plugin.Info{
		ID:            "tokenizer",
		Name:          "Tokenizer",
		Description:   "Splits text into lower-case word tokens.",
		Version:       "1.0.0",
		Category:      plugin.TypeProcessor,
		InputTypes:    []string{"text"},
		OutputTypes:   []string{"tokens"},
		ChainPriority: 5,
	}
}

func (*Tokenizer) Execute(_ *plugin.ExecutionContext, input map[string]any) (map[string]any, error) {
	text, ok := input["text"].(string)
	if !ok {
		return nil, fmt.Errorf("tokenizer: text must be a string, got %T", input["text"])
	}
	out := carry(input)
	out["tokens"] = Tokenize(text)
	return out, nil
}

// Tokenize lower-cases text and splits it on anything that is not a letter or digit.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "by": {},
	"for": {}, "from": {}, "in": {}, "is": {}, "it": {}, "of": {}, "on": {}, "or": {},
	"that": {}, "the": {}, "this": {}, "to": {}, "was": {}, "with": {},
}

// KeywordExtractor ranks tokens by frequency.
type KeywordExtractor struct {
	lifecycle
	top int
}

func (*KeywordExtractor) Info() plugin.Info {
	return plugin.Info{
		ID:            "keyword-extractor",
		Name:          "Keyword extractor",
		Description:   "Ranks non-stopword tokens by frequency.",
		Version:       "1.0.0",
		Category:      plugin.TypeProcessor,
		InputTypes:    []string{"tokens"},
		OutputTypes:   []string{"keywords"},
		ChainPriority: 5,
	}
}

func (k *KeywordExtractor) Configure(cfg map[string]any) error {
	k.top = 5
	switch v := cfg["top"].(type) {
	case int:
		k.top = v
	case float64:
		k.top = int(v)
	}
	if k.top <= 0 {
		return fmt.Errorf("keyword-extractor: top must be positive, got %d", k.top)
	}
	return nil
}

func (k *KeywordExtractor) Execute(_ *plugin.ExecutionContext, input map[string]any) (map[string]any, error) {
	tokens, err := stringSlice(input["tokens"])
	if err != nil {
		return nil, fmt.Errorf("keyword-extractor: %w", err)
	}
	counts := make(map[string]int)
	for _, tok := range tokens {
		if _, skip := stopwords[tok]; skip || len(tok) < 3 {
			continue
		}
		counts[tok]++
	}
	keywords := make([]string, 0, len(counts))
	for tok := range counts {
		keywords = append(keywords, tok)
	}
	sort.Slice(keywords, func(i, j int) bool {
		if counts[keywords[i]] != counts[keywords[j]] {
			return counts[keywords[i]] > counts[keywords[j]]
		}
		return keywords[i] < keywords[j]
	})
	top := k.top
	if top <= 0 {
		top = 5
	}
	if len(keywords) > top {
		keywords = keywords[:top]
	}
	out := carry(input)
	out["keywords"] = keywords
	return out, nil
}

// SummaryWriter builds a one-line summary from text and keywords.
type SummaryWriter struct{ lifecycle }

func (*SummaryWriter) Info() plugin.Info {
	return plugin.Info{
		ID:            "summary-writer",
		Name:          "Summary writer",
		Description:   "Combines the first sentence with the extracted keywords.",
		Version:       "1.0.0",
		Category:      plugin.TypeProcessor,
		InputTypes:    []string{"text", "keywords"},
		OutputTypes:   []string{"summary"},
		ChainPriority: 1,
	}
}

func (*SummaryWriter) Execute(_ *plugin.ExecutionContext, input map[string]any) (map[string]any, error) {
	text, _ := input["text"].(string)
	keywords, _ := stringSlice(input["keywords"])
	first := strings.TrimSpace(text)
	if idx := strings.IndexAny(first, ".!?"); idx >= 0 {
		first = first[:idx+1]
	}
	summary := first
	if len(keywords) > 0 {
		summary = strings.TrimSpace(summary + " [" + strings.Join(keywords, ", ") + "]")
	}
	out := carry(input)
	out["summary"] = summary
	return out, nil
}

// AuditSink writes the summary to the audit log.
type AuditSink struct{ lifecycle }

func (*AuditSink) Info() plugin.Info {
	return plugin.Info{
		ID:          "audit-sink",
		Name:        "Audit sink",
		Description: "Records summaries in the audit log.",
		Version:     "1.0.0",
		Category:    plugin.TypeSink,
		InputTypes:  []string{"summary"},
		OutputTypes: []string{"report"},
	}
}

func (*AuditSink) Execute(_ *plugin.ExecutionContext, input map[string]any) (map[string]any, error) {
	summary, _ := input["summary"].(string)
	logger.Audit().Info("chain summary recorded", slog.String("summary", summary))
	out := carry(input)
	out["report"] = map[string]any{"stored": true, "length": len(summary)}
	return out, nil
}

func stringSlice(v any) ([]string, error) {
	switch s := v.(type) {
	case []string:
		return s, nil
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			str, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected string item, got %T", item)
			}
			out = append(out, str)
		}
		return out, nil
	case nil:
		return nil, errors.New("missing list input")
	default:
		return nil, fmt.Errorf("expected list, got %T", v)
	}
}
