package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	storeerrors "github.com/mailcortex/triage/common/errors"
)

const minimalDoc = `
label_prefix: Cortex
chains:
  main:
    - match:
        from: alerts@example.com
      action:
        label: Alerts
    - match:
        subject_contains: invoice
      jump: billing
  billing:
    - match: {}
      action:
        archive: true
`

func TestParse_EmptyDocument(t *testing.T) {
	for _, doc := range []string{"", "   \n\t"} {
		_, err := Parse([]byte(doc))
		require.Error(t, err)
		var parseErr *storeerrors.ParseError
		require.ErrorAs(t, err, &parseErr)
	}
}

func TestParse_MalformedYAML(t *testing.T) {
	_, err := Parse([]byte("chains: [unclosed"))
	var parseErr *storeerrors.ParseError
	require.ErrorAs(t, err, &parseErr)
}

func TestParse_MergesBuiltinIntents(t *testing.T) {
	cfg, err := Parse([]byte(minimalDoc))
	require.NoError(t, err)

	// Built-ins show up even when the document defines none.
	require.Contains(t, cfg.Intents, "archive_request")
	assert.NotEmpty(t, cfg.Intents["archive_request"].Prompt)
	assert.Equal(t, DefaultIntentModel, cfg.Intents["archive_request"].Model)
	require.Contains(t, cfg.Prompts, DefaultPromptVersion)
}

func TestParse_UserOverridesBuiltinFieldwise(t *testing.T) {
	doc := minimalDoc + `
intents:
  archive_request:
    model: qwen2.5:7b
`
	cfg, err := Parse([]byte(doc))
	require.NoError(t, err)

	got := cfg.Intents["archive_request"]
	assert.Equal(t, "qwen2.5:7b", got.Model, "user field wins")
	assert.NotEmpty(t, got.Prompt, "builtin prompt survives a partial override")
}

func TestParse_NormalizesMappingKeys(t *testing.T) {
	doc := minimalDoc + `
priority_email_mappings:
  " Boss@Example.COM ":
    label: Boss
`
	cfg, err := Parse([]byte(doc))
	require.NoError(t, err)

	require.Contains(t, cfg.PriorityEmailMappings, "boss@example.com")
	assert.Equal(t, "Boss", cfg.PriorityEmailMappings["boss@example.com"].Label)
}

func TestParse_EmptyMappingKey(t *testing.T) {
	doc := minimalDoc + `
fallback_email_mappings:
  "  ":
    label: Nobody
`
	_, err := Parse([]byte(doc))
	var parseErr *storeerrors.ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Contains(t, err.Error(), "fallback_email_mappings")
}

func TestParse_AppliesDefaults(t *testing.T) {
	doc := `
chains:
  main:
    - match: {}
      llm:
        prompt_version: v1
      routes:
        receipts:
          label: Receipts
`
	cfg, err := Parse([]byte(doc))
	require.NoError(t, err)

	assert.Equal(t, int64(1), cfg.Version)
	assert.Equal(t, DefaultLabelPrefix, cfg.LabelPrefix)
	assert.Equal(t, DefaultLLMModel, cfg.Chains["main"][0].LLM.Model)
}

func TestRenderDeterministic(t *testing.T) {
	cfg, err := Parse([]byte(minimalDoc))
	require.NoError(t, err)

	first, err := Render(cfg)
	require.NoError(t, err)
	second, err := Render(cfg)
	require.NoError(t, err)
	assert.Equal(t, first, second, "re-rendering an unchanged config is byte-identical")
}

func TestRoundTripCanonical(t *testing.T) {
	cfg, err := Parse([]byte(minimalDoc))
	require.NoError(t, err)

	canonical, err := Render(cfg)
	require.NoError(t, err)

	// Parsing canonical text and rendering it again is a fixpoint.
	reparsed, err := Parse(canonical)
	require.NoError(t, err)
	rerendered, err := Render(reparsed)
	require.NoError(t, err)
	assert.Equal(t, string(canonical), string(rerendered))
}

func TestFingerprint_IgnoresVersionField(t *testing.T) {
	a, err := Parse([]byte("version: 5\n" + minimalDoc))
	require.NoError(t, err)
	b, err := Parse([]byte("version: 9\n" + minimalDoc))
	require.NoError(t, err)

	_, hashA, err := Fingerprint(a)
	require.NoError(t, err)
	_, hashB, err := Fingerprint(b)
	require.NoError(t, err)
	assert.Equal(t, hashA, hashB)
	assert.Contains(t, hashA, "sha256:")
}

func TestFingerprint_WhitespaceInsideStringsIsSignificant(t *testing.T) {
	a, err := Parse([]byte(minimalDoc))
	require.NoError(t, err)
	b, err := Parse([]byte(minimalDoc))
	require.NoError(t, err)
	b.Chains["main"][0].Action.Label = "Alerts "

	_, hashA, err := Fingerprint(a)
	require.NoError(t, err)
	_, hashB, err := Fingerprint(b)
	require.NoError(t, err)
	assert.NotEqual(t, hashA, hashB)
}

func TestFingerprint_IdenticalDocumentsCollide(t *testing.T) {
	a, err := Parse([]byte(minimalDoc))
	require.NoError(t, err)
	b, err := Parse([]byte(minimalDoc))
	require.NoError(t, err)

	_, hashA, err := Fingerprint(a)
	require.NoError(t, err)
	_, hashB, err := Fingerprint(b)
	require.NoError(t, err)
	assert.Equal(t, hashA, hashB)
}
