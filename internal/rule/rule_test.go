package rule

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propfolio/billintake/internal/model"
)

const testRulesYAML = `
rules:
  - name: water-co
    sender_pattern: "@waterco\\.example$"
    rule:
      extract_for_invoice: true
      portal_url: "https://portal.waterco.example/bills"
      pin_pattern: "code <<(\\d{4,8})>>"
      lane3_config:
        method: pin
  - name: strata-levies
    sender_pattern: "@strata\\.example$"
    subject_pattern: "(?i)levy notice"
    rule:
      extract_for_payment: true
      lane3_config:
        method: agentic
        agentic_config:
          max_steps: 8
          allowed_domains:
            - strata.example
`

func writeRules(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testRulesYAML), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	book, err := Load(writeRules(t))
	require.NoError(t, err)
	assert.Equal(t, 2, book.Len())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadBadPattern(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - name: bad\n    sender_pattern: \"[unclosed\"\n"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestMatchBySender(t *testing.T) {
	book, err := Load(writeRules(t))
	require.NoError(t, err)

	rl, name := book.Match(model.InboundEmail{From: "billing@waterco.example", Subject: "Your bill"})
	assert.Equal(t, "water-co", name)
	assert.Equal(t, "https://portal.waterco.example/bills", rl.PortalURL)
	assert.Equal(t, model.Lane3MethodPin, rl.Lane3Method())
}

func TestMatchRequiresBothPatterns(t *testing.T) {
	book, err := Load(writeRules(t))
	require.NoError(t, err)

	// Sender matches but subject does not.
	_, name := book.Match(model.InboundEmail{From: "admin@strata.example", Subject: "AGM minutes"})
	assert.Equal(t, "", name)

	rl, name := book.Match(model.InboundEmail{From: "admin@strata.example", Subject: "Levy Notice Q3"})
	assert.Equal(t, "strata-levies", name)
	require.NotNil(t, rl.Lane3Config)
	require.NotNil(t, rl.Lane3Config.AgenticConfig)
	assert.Equal(t, 8, rl.Lane3Config.AgenticConfig.MaxSteps)
}

func TestMatchNoRuleReturnsZeroRule(t *testing.T) {
	book, err := Load(writeRules(t))
	require.NoError(t, err)

	rl, name := book.Match(model.InboundEmail{From: "unknown@elsewhere.example"})
	assert.Equal(t, "", name)
	assert.Equal(t, model.ExtractionRule{}, rl)
	assert.Equal(t, model.Lane3MethodAgentic, rl.Lane3Method())
}

func TestMatchFirstWins(t *testing.T) {
	book := NewBook([]NamedRule{
		{Name: "first", SenderPattern: "@dup\\.example$", Rule: model.ExtractionRule{PortalURL: "https://one.example"}},
		{Name: "second", SenderPattern: "@dup\\.example$", Rule: model.ExtractionRule{PortalURL: "https://two.example"}},
	})

	rl, name := book.Match(model.InboundEmail{From: "x@dup.example"})
	assert.Equal(t, "first", name)
	assert.Equal(t, "https://one.example", rl.PortalURL)
}
