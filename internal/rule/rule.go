// Package rule loads the extraction rule book and selects the rule that
// applies to an inbound email. Rule authoring lives in the external
// rule-management subsystem; this package only consumes its YAML export.
package rule

import (
	"os"
	"regexp"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/propfolio/billintake/internal/model"
)

// NamedRule pairs an extraction rule with the match criteria that select it.
type NamedRule struct {
	Name           string               `yaml:"name"`
	SenderPattern  string               `yaml:"sender_pattern,omitempty"`
	SubjectPattern string               `yaml:"subject_pattern,omitempty"`
	Rule           model.ExtractionRule `yaml:"rule"`

	sender  *regexp.Regexp
	subject *regexp.Regexp
}

// Book is a compiled, ordered rule book. First match wins.
type Book struct {
	rules []NamedRule
}

type ruleFile struct {
	Rules []NamedRule `yaml:"rules"`
}

// Load reads and compiles a rule book from a YAML file.
func Load(path string) (*Book, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "rule: read file")
	}

	var file ruleFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, eris.Wrap(err, "rule: unmarshal")
	}

	for i := range file.Rules {
		r := &file.Rules[i]
		if r.SenderPattern != "" {
			re, err := regexp.Compile(r.SenderPattern)
			if err != nil {
				return nil, eris.Wrapf(err, "rule: %s: sender pattern", r.Name)
			}
			r.sender = re
		}
		if r.SubjectPattern != "" {
			re, err := regexp.Compile(r.SubjectPattern)
			if err != nil {
				return nil, eris.Wrapf(err, "rule: %s: subject pattern", r.Name)
			}
			r.subject = re
		}
	}

	return &Book{rules: file.Rules}, nil
}

// NewBook builds a Book from already-compiled rules. Used by tests.
func NewBook(rules []NamedRule) *Book {
	for i := range rules {
		r := &rules[i]
		if r.SenderPattern != "" && r.sender == nil {
			r.sender = regexp.MustCompile(r.SenderPattern)
		}
		if r.SubjectPattern != "" && r.subject == nil {
			r.subject = regexp.MustCompile(r.SubjectPattern)
		}
	}
	return &Book{rules: rules}
}

// Match returns the first rule matching the email's sender and subject,
// along with its name. An email with no matching rule gets a zero-value
// rule: the full cascade under process-default guardrails.
func (b *Book) Match(email model.InboundEmail) (model.ExtractionRule, string) {
	for _, r := range b.rules {
		if r.sender != nil && !r.sender.MatchString(email.From) {
			continue
		}
		if r.subject != nil && !r.subject.MatchString(email.Subject) {
			continue
		}
		zap.L().Debug("rule: matched",
			zap.String("rule", r.Name),
			zap.String("message_id", email.MessageID),
		)
		return r.Rule, r.Name
	}

	zap.L().Debug("rule: no match, using defaults",
		zap.String("message_id", email.MessageID),
	)
	return model.ExtractionRule{}, ""
}

// Len returns the number of rules in the book.
func (b *Book) Len() int {
	return len(b.rules)
}
