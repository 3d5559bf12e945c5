// Package cleanse derives gap free daily series from raw user actions.
package cleanse

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/relloyd/ogdsync/constants"
	"github.com/relloyd/ogdsync/stream"
)

// Qualifier decides whether a raw event counts as a genuine external interaction.
type Qualifier interface {
	IsQualifying(e stream.RawEvent) bool
}

// QualifierFunc adapts a function to Qualifier.
type QualifierFunc func(e stream.RawEvent) bool

func (f QualifierFunc) IsQualifying(e stream.RawEvent) bool {
	return f(e)
}

// DefaultBotTerms are matched case insensitively against the user agent.
// The SQLite views repeat these terms as LIKE patterns.
var DefaultBotTerms = []string{
	"bot",
	"crawler",
	"spider",
	"slurp",
	"curl",
	"wget",
	"python-requests",
	"httpclient",
	"monitor",
	"preview",
	"scrapy",
}

// DefaultQualifier accepts anonymous users whose dataset id does not contain the NULL marker
// and whose user agent, if any, does not look like a bot.
// Events without a dataset id never qualify.
type DefaultQualifier struct {
	BotPattern *regexp.Regexp
}

// NewDefaultQualifier compiles botPattern, or uses the built in pattern if it is empty.
func NewDefaultQualifier(botPattern string) (*DefaultQualifier, error) {
	if botPattern == "" {
		botPattern = constants.DefaultBotPattern
	}
	re, err := regexp.Compile(botPattern)
	if err != nil {
		return nil, fmt.Errorf("invalid bot pattern %q: %w", botPattern, err)
	}
	return &DefaultQualifier{BotPattern: re}, nil
}

func (q *DefaultQualifier) IsQualifying(e stream.RawEvent) bool {
	if e.UserId == nil || *e.UserId != constants.AnonymousUserId {
		return false
	}
	if e.DatasetId == nil || strings.Contains(*e.DatasetId, constants.NullDatasetMarker) {
		return false
	}
	if e.UserAgent != nil && q.BotPattern != nil && q.BotPattern.MatchString(*e.UserAgent) {
		return false
	}
	return true
}

// AllOf qualifies an event only if every q qualifies it.
func AllOf(q ...Qualifier) Qualifier {
	return QualifierFunc(func(e stream.RawEvent) bool {
		for _, v := range q {
			if !v.IsQualifying(e) {
				return false
			}
		}
		return true
	})
}

// DefaultBotPatternFromTerms builds the case insensitive pattern for terms.
func DefaultBotPatternFromTerms(terms []string) string {
	quoted := make([]string, len(terms))
	for idx, t := range terms {
		quoted[idx] = regexp.QuoteMeta(t)
	}
	return fmt.Sprintf("(?i)(%v)", strings.Join(quoted, "|"))
}
