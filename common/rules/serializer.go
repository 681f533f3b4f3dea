package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	storeerrors "github.com/mailcortex/triage/common/errors"
	"github.com/mailcortex/triage/common/models"
)

// Parse decodes a rule document into an un-validated RulesConfig.
//
// Built-in intents, prompts, and body-extraction prompts are merged in;
// a user entry for the same key overrides individual fields of the
// built-in rather than replacing the whole entry. Address-map keys are
// lower-cased and trimmed; an empty key is a ParseError.
//
// Structural invariants (one outcome per rule, one extractor per
// variable) are enforced during decode, so a config returned from
// Parse never violates them.
func Parse(doc []byte) (*models.RulesConfig, error) {
	if len(strings.TrimSpace(string(doc))) == 0 {
		return nil, storeerrors.NewParseError("empty document", nil)
	}

	cfg := &models.RulesConfig{}
	if err := yaml.Unmarshal(doc, cfg); err != nil {
		return nil, storeerrors.NewParseError("malformed rules document", err)
	}

	mergeBuiltins(cfg)
	applyDefaults(cfg)

	var err error
	if cfg.PriorityEmailMappings, err = normalizeMappings(cfg.PriorityEmailMappings, "priority_email_mappings"); err != nil {
		return nil, err
	}
	if cfg.FallbackEmailMappings, err = normalizeMappings(cfg.FallbackEmailMappings, "fallback_email_mappings"); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Render serializes a config to its canonical textual form: struct
// fields in declaration order, map keys sorted, optional fields only
// when populated. Re-rendering an unchanged config reproduces
// byte-identical text, which is what makes content-hash dedup
// meaningful.
func Render(cfg *models.RulesConfig) ([]byte, error) {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("render rules config: %w", err)
	}
	return out, nil
}

// ContentHash digests canonical document text. The hash covers the
// semantic content only because Render is deterministic and
// independent of storage identifiers. Whitespace inside string values
// is semantic and is not normalized away.
func ContentHash(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Fingerprint renders a config canonically and hashes the result. The
// version number is a storage identifier, not content, so it is
// zeroed before hashing: two documents differing only in their
// version field collapse to the same hash.
func Fingerprint(cfg *models.RulesConfig) ([]byte, string, error) {
	content := *cfg
	content.Version = 0
	canonical, err := Render(&content)
	if err != nil {
		return nil, "", err
	}
	return canonical, ContentHash(canonical), nil
}

func mergeBuiltins(cfg *models.RulesConfig) {
	intents := builtinIntents()
	for name, user := range cfg.Intents {
		if base, ok := intents[name]; ok {
			if user.Prompt == "" {
				user.Prompt = base.Prompt
			}
			if user.Model == "" {
				user.Model = base.Model
			}
		}
		intents[name] = user
	}
	cfg.Intents = intents

	prompts := builtinPrompts()
	for name, user := range cfg.Prompts {
		if base, ok := prompts[name]; ok {
			if user.Template == "" {
				user.Template = base.Template
			}
			if user.Model == "" {
				user.Model = base.Model
			}
			if len(user.Categories) == 0 {
				user.Categories = base.Categories
			}
		}
		prompts[name] = user
	}
	cfg.Prompts = prompts

	extraction := builtinBodyExtractionPrompts()
	for name, user := range cfg.BodyExtractionPrompts {
		if base, ok := extraction[name]; ok {
			if user.Template == "" {
				user.Template = base.Template
			}
			if user.Model == "" {
				user.Model = base.Model
			}
		}
		extraction[name] = user
	}
	cfg.BodyExtractionPrompts = extraction
}

// applyDefaults fills omitted model names and prompt versions so the
// canonical form is independent of whether the author spelled out the
// defaults.
func applyDefaults(cfg *models.RulesConfig) {
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.LabelPrefix == "" {
		cfg.LabelPrefix = DefaultLabelPrefix
	}
	for name, intent := range cfg.Intents {
		if intent.Model == "" {
			intent.Model = DefaultIntentModel
			cfg.Intents[name] = intent
		}
	}
	for name, cat := range cfg.EmailCategories {
		if cat.Model == "" {
			cat.Model = DefaultCategoryModel
			cfg.EmailCategories[name] = cat
		}
	}
	for name, prompt := range cfg.Prompts {
		if prompt.Model == "" {
			prompt.Model = DefaultPromptModel
			cfg.Prompts[name] = prompt
		}
	}
	for name, prompt := range cfg.BodyExtractionPrompts {
		if prompt.Model == "" {
			prompt.Model = DefaultExtractionModel
			cfg.BodyExtractionPrompts[name] = prompt
		}
	}
	for chain, chainRules := range cfg.Chains {
		for i := range chainRules {
			rule := &chainRules[i]
			if rule.LLM != nil {
				if rule.LLM.Model == "" {
					rule.LLM.Model = DefaultLLMModel
				}
				if rule.LLM.PromptVersion == "" {
					rule.LLM.PromptVersion = DefaultPromptVersion
				}
			}
			for name, v := range rule.Variables {
				if v.LLM != nil && v.LLM.Model == "" {
					v.LLM.Model = DefaultIntentModel
					rule.Variables[name] = v
				}
			}
			condDefaults(&rule.Match)
		}
		cfg.Chains[chain] = chainRules
	}
}

// condDefaults fills models on inline intent definitions, recursively.
func condDefaults(cond *models.MatchCondition) {
	for _, ref := range []*models.IntentRef{cond.SubjectIntent, cond.EmailIntent} {
		if ref != nil && ref.Inline != nil && ref.Inline.Model == "" {
			ref.Inline.Model = DefaultIntentModel
		}
	}
	for i := range cond.AnyOf {
		condDefaults(&cond.AnyOf[i])
	}
	for i := range cond.AllOf {
		condDefaults(&cond.AllOf[i])
	}
}

func normalizeMappings(mappings map[string]models.EmailMappingAction, section string) (map[string]models.EmailMappingAction, error) {
	if mappings == nil {
		return nil, nil
	}
	normalized := make(map[string]models.EmailMappingAction, len(mappings))
	for address, action := range mappings {
		key := strings.ToLower(strings.TrimSpace(address))
		if key == "" {
			return nil, storeerrors.NewParseError(
				fmt.Sprintf("%s: empty email address not allowed", section), nil)
		}
		normalized[key] = action
	}
	return normalized, nil
}
