package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestRuleUnmarshalYAML_ExactlyOneOutcome(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{
			name: "action outcome",
			doc: `
match:
  from: alerts@example.com
action:
  label: Alerts
`,
		},
		{
			name: "jump outcome",
			doc: `
match:
  subject_contains: invoice
jump: billing
`,
		},
		{
			name: "return outcome",
			doc: `
match: {}
return_to_parent: true
`,
		},
		{
			name: "no outcome",
			doc: `
match:
  from: x@example.com
`,
			wantErr: "rule must have one of",
		},
		{
			name: "two outcomes",
			doc: `
match: {}
jump: billing
action:
  label: Alerts
`,
			wantErr: "can only have one of",
		},
		{
			name: "llm without routes",
			doc: `
match: {}
llm:
  prompt_version: v1
`,
			wantErr: "llm rule must have 'routes'",
		},
		{
			name: "llm with routes",
			doc: `
match: {}
llm:
  prompt_version: v1
routes:
  receipts:
    label: Receipts
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rule Rule
			err := yaml.Unmarshal([]byte(tt.doc), &rule)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRuleOutcome(t *testing.T) {
	assert.Equal(t, OutcomeJump, (&Rule{Jump: "billing"}).Outcome())
	assert.Equal(t, OutcomeReturn, (&Rule{ReturnToParent: true}).Outcome())
	assert.Equal(t, OutcomeLLM, (&Rule{LLM: &LLMConfig{}}).Outcome())
	assert.Equal(t, OutcomeAction, (&Rule{Action: &Action{Label: "x"}}).Outcome())
}

func TestRuleUnmarshalJSON_Validates(t *testing.T) {
	var rule Rule
	err := json.Unmarshal([]byte(`{"match":{},"jump":"a","return_to_parent":true}`), &rule)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "can only have one of")
}

func TestVariableExactlyOneExtractor(t *testing.T) {
	var v Variable
	err := yaml.Unmarshal([]byte(`
subject_regex:
  pattern: 'Order #(\d+)'
`), &v)
	require.NoError(t, err)
	require.NotNil(t, v.SubjectRegex)
	assert.Equal(t, 1, v.SubjectRegex.Group, "group defaults to first capture")

	err = yaml.Unmarshal([]byte(`
subject_regex:
  pattern: 'a(b)'
body_regex:
  pattern: 'c(d)'
`), &v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one")

	err = yaml.Unmarshal([]byte(`{}`), &v)
	require.Error(t, err, "empty variable has no extractor")
}

func TestVariableRegexSpecs(t *testing.T) {
	var v Variable
	require.NoError(t, yaml.Unmarshal([]byte(`
header_regex:
  header: List-Id
  pattern: '<(.+)>'
  group: 1
`), &v))

	specs := v.RegexSpecs()
	require.Len(t, specs, 1)
	assert.Equal(t, "<(.+)>", specs["header_regex"].Pattern)
}

func TestStringListScalarOrSequence(t *testing.T) {
	var a Action
	require.NoError(t, yaml.Unmarshal([]byte(`add_label: Promo`), &a))
	assert.Equal(t, StringList{"Promo"}, a.AddLabel)

	require.NoError(t, yaml.Unmarshal([]byte("add_label:\n  - Promo\n  - Social"), &a))
	assert.Equal(t, StringList{"Promo", "Social"}, a.AddLabel)

	// Single element renders back as a scalar.
	out, err := yaml.Marshal(Action{AddLabel: StringList{"Promo"}})
	require.NoError(t, err)
	assert.Equal(t, "add_label: Promo\n", string(out))
}

func TestEmailMappingActionRequiresLabel(t *testing.T) {
	var m EmailMappingAction
	err := yaml.Unmarshal([]byte(`archive: true`), &m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires a label")
}

func TestIntentRefScalarAndInline(t *testing.T) {
	var c MatchCondition
	require.NoError(t, yaml.Unmarshal([]byte(`subject_intent: archive_request`), &c))
	require.NotNil(t, c.SubjectIntent)
	assert.Equal(t, "archive_request", c.SubjectIntent.Name)
	assert.Nil(t, c.SubjectIntent.Inline)

	require.NoError(t, yaml.Unmarshal([]byte(`
email_intent:
  prompt: Is this a receipt?
  model: qwen2.5:0.5b
`), &c))
	require.NotNil(t, c.EmailIntent)
	require.NotNil(t, c.EmailIntent.Inline)
	assert.Equal(t, "Is this a receipt?", c.EmailIntent.Inline.Prompt)
}

func TestMatchConditionCompoundRejectsEmpty(t *testing.T) {
	var c MatchCondition
	err := yaml.Unmarshal([]byte(`any_of: []`), &c)
	require.Error(t, err)

	require.NoError(t, yaml.Unmarshal([]byte(`
any_of:
  - from: a@example.com
  - from: b@example.com
negate: true
`), &c))
	assert.Len(t, c.AnyOf, 2)
	assert.True(t, c.Negate)
}

func TestRuleContentRoundTrip(t *testing.T) {
	rule := &Rule{
		Match:       MatchCondition{From: StringList{"billing@example.com"}},
		Jump:        "billing",
		Name:        "route billing",
		Description: "send billing mail to the billing chain",
	}
	require.NoError(t, rule.Validate())

	content := RuleContentFromDocument(rule)
	require.NotNil(t, content.Jump)
	assert.Equal(t, "billing", *content.Jump)

	back, err := content.Document()
	require.NoError(t, err)
	assert.Equal(t, rule, back)
}

func TestRuleContentDocument_RejectsCorruptContent(t *testing.T) {
	// A row with no outcome at all cannot round-trip.
	content := RuleContent{Match: MatchCondition{}}
	_, err := content.Document()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rule must have one of")
}
