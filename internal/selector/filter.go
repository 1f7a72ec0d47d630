package selector

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"demuxd/internal/models"

	"github.com/PaesslerAG/gval"
)

// bitrateVar is the variable bitrate expressions are evaluated against.
const bitrateVar = "br"

// StreamFilter restricts the representations of one content type.
//
//	ContentType - "video", "audio", ...
//	BitRates    - comparisons appended to "br", all must hold, e.g. ">= 500000", "<= 3000000"
//	Codecs      - regular expressions, one must match the representation codecs
//	Langs       - regular expressions, one must match the stream language
//
// Empty lists accept anything.
type StreamFilter struct {
	ContentType string   `mapstructure:"content_type" json:"contentType"`
	BitRates    []string `mapstructure:"bitrates" json:"bitrates,omitempty"`
	Codecs      []string `mapstructure:"codecs" json:"codecs,omitempty"`
	Langs       []string `mapstructure:"langs" json:"langs,omitempty"`
}

// Filter is a compiled set of stream filters.
type Filter struct {
	rules []compiledRule
}

type compiledRule struct {
	kind     models.StreamKind
	bitrates []gval.Evaluable
	codecs   []*regexp.Regexp
	langs    []*regexp.Regexp
}

// Compile validates the expressions of every filter.
func Compile(filters []StreamFilter) (*Filter, error) {
	f := &Filter{}
	for _, sf := range filters {
		rule := compiledRule{kind: models.ParseStreamKind(sf.ContentType)}
		for _, expr := range sf.BitRates {
			ev, err := gval.Full().NewEvaluable(bitrateVar + " " + strings.TrimSpace(expr))
			if err != nil {
				return nil, fmt.Errorf("invalid bitrate expression %q for %s: %w", expr, sf.ContentType, err)
			}
			rule.bitrates = append(rule.bitrates, ev)
		}
		for _, c := range sf.Codecs {
			re, err := regexp.Compile(c)
			if err != nil {
				return nil, fmt.Errorf("invalid codec pattern %q for %s: %w", c, sf.ContentType, err)
			}
			rule.codecs = append(rule.codecs, re)
		}
		for _, l := range sf.Langs {
			re, err := regexp.Compile(l)
			if err != nil {
				return nil, fmt.Errorf("invalid language pattern %q for %s: %w", l, sf.ContentType, err)
			}
			rule.langs = append(rule.langs, re)
		}
		f.rules = append(f.rules, rule)
	}
	return f, nil
}

// Apply returns the representations of a stream of the given kind that pass at least one
// filter for that kind. Streams of a kind no filter mentions pass unchanged.
func (f *Filter) Apply(kind models.StreamKind, reps []models.Representation) []models.Representation {
	if f == nil {
		return reps
	}
	var rules []compiledRule
	for _, r := range f.rules {
		if r.kind == kind {
			rules = append(rules, r)
		}
	}
	if len(rules) == 0 {
		return reps
	}

	var out []models.Representation
	for _, rep := range reps {
		for _, rule := range rules {
			if rule.match(rep) {
				out = append(out, rep)
				break
			}
		}
	}
	return out
}

func (r compiledRule) match(rep models.Representation) bool {
	params := map[string]interface{}{bitrateVar: rep.Bandwidth}
	for _, ev := range r.bitrates {
		ok, err := ev.EvalBool(context.Background(), params)
		if err != nil || !ok {
			return false
		}
	}
	if len(r.codecs) > 0 && !anyMatch(r.codecs, rep.Codecs) {
		return false
	}
	// a stream without a language is not filtered by language
	if len(r.langs) > 0 && rep.Language != "" && !anyMatch(r.langs, rep.Language) {
		return false
	}
	return true
}

func anyMatch(patterns []*regexp.Regexp, value string) bool {
	for _, re := range patterns {
		if re.MatchString(value) {
			return true
		}
	}
	return false
}
