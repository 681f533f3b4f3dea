// Package models defines the rule-set data model: the human-editable
// document shape, the tagged outcome/extractor variants, and the row
// types that back them in Postgres.
package models

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// IntentConfig is a boolean LLM classifier answering a yes/no question
// about a subject line or a whole email.
type IntentConfig struct {
	Prompt string `yaml:"prompt" json:"prompt"`
	Model  string `yaml:"model,omitempty" json:"model,omitempty"`
}

// EmailCategoryConfig is a multi-class LLM classifier returning one of
// several predefined category names.
type EmailCategoryConfig struct {
	Prompt     string   `yaml:"prompt" json:"prompt"`
	Model      string   `yaml:"model,omitempty" json:"model,omitempty"`
	Categories []string `yaml:"categories" json:"categories"`
}

// ClassificationPrompt is a versioned classification prompt template.
type ClassificationPrompt struct {
	Template   string   `yaml:"template" json:"template"`
	Categories []string `yaml:"categories" json:"categories"`
	Model      string   `yaml:"model,omitempty" json:"model,omitempty"`
}

// BodyExtractionPrompt extracts structured data from email bodies.
type BodyExtractionPrompt struct {
	Template string `yaml:"template" json:"template"`
	Model    string `yaml:"model,omitempty" json:"model,omitempty"`
}

// LLMConfig configures the LLM-classification outcome of a rule. When
// Extract is set, the LLM also produces variable values usable in
// route labels with {name} syntax.
type LLMConfig struct {
	Model         string   `yaml:"model,omitempty" json:"model,omitempty"`
	PromptVersion string   `yaml:"prompt_version,omitempty" json:"prompt_version,omitempty"`
	Extract       []string `yaml:"extract,omitempty" json:"extract,omitempty"`
}

// Action is what a matched rule applies. Label is auto-prefixed with
// the rule set's label prefix; add/remove labels are raw. The bool
// pointers are tri-state: true applies, false reverses, nil leaves the
// state untouched.
type Action struct {
	Label       string     `yaml:"label,omitempty" json:"label,omitempty"`
	AddLabel    StringList `yaml:"add_label,omitempty" json:"add_label,omitempty"`
	RemoveLabel StringList `yaml:"remove_label,omitempty" json:"remove_label,omitempty"`
	Archive     *bool      `yaml:"archive,omitempty" json:"archive,omitempty"`
	MarkRead    *bool      `yaml:"mark_read,omitempty" json:"mark_read,omitempty"`
	Star        *bool      `yaml:"star,omitempty" json:"star,omitempty"`
}

// EmailMappingAction is the O(1) address-lookup action used by the
// priority and fallback mapping tables. Label is required; the bool
// pointers carry the same tri-state semantics as Action.
type EmailMappingAction struct {
	Label    string `yaml:"label" json:"label"`
	Archive  *bool  `yaml:"archive,omitempty" json:"archive,omitempty"`
	MarkRead *bool  `yaml:"mark_read,omitempty" json:"mark_read,omitempty"`
}

type emailMappingActionAlias EmailMappingAction

func (a *EmailMappingAction) UnmarshalYAML(value *yaml.Node) error {
	var alias emailMappingActionAlias
	if err := value.Decode(&alias); err != nil {
		return err
	}
	*a = EmailMappingAction(alias)
	if a.Label == "" {
		return fmt.Errorf("line %d: mapping action requires a label", value.Line)
	}
	return nil
}

// Variable extractors. Each regex extractor carries a pattern and a
// 1-based capture group index (defaulting to the first group).

// HeaderRegexExtractor captures from a named header.
type HeaderRegexExtractor struct {
	Header  string `yaml:"header" json:"header"`
	Pattern string `yaml:"pattern" json:"pattern"`
	Group   int    `yaml:"group,omitempty" json:"group,omitempty"`
}

type headerRegexAlias HeaderRegexExtractor

func (e *HeaderRegexExtractor) UnmarshalYAML(value *yaml.Node) error {
	var a headerRegexAlias
	if err := value.Decode(&a); err != nil {
		return err
	}
	*e = HeaderRegexExtractor(a)
	if e.Group == 0 {
		e.Group = 1
	}
	return nil
}

func (e *HeaderRegexExtractor) UnmarshalJSON(data []byte) error {
	var a headerRegexAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*e = HeaderRegexExtractor(a)
	if e.Group == 0 {
		e.Group = 1
	}
	return nil
}

// RegexExtractor captures from a fixed email field (subject, body,
// from, to, cc, or attachment filename, depending on which Variable
// slot it occupies).
type RegexExtractor struct {
	Pattern string `yaml:"pattern" json:"pattern"`
	Group   int    `yaml:"group,omitempty" json:"group,omitempty"`
}

type regexExtractorAlias RegexExtractor

func (e *RegexExtractor) UnmarshalYAML(value *yaml.Node) error {
	var a regexExtractorAlias
	if err := value.Decode(&a); err != nil {
		return err
	}
	*e = RegexExtractor(a)
	if e.Group == 0 {
		e.Group = 1
	}
	return nil
}

func (e *RegexExtractor) UnmarshalJSON(data []byte) error {
	var a regexExtractorAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*e = RegexExtractor(a)
	if e.Group == 0 {
		e.Group = 1
	}
	return nil
}

// LLMExtractor resolves a variable by prompting an LLM.
type LLMExtractor struct {
	Prompt string `yaml:"prompt" json:"prompt"`
	Model  string `yaml:"model,omitempty" json:"model,omitempty"`
}

// PatternFieldExtractor reads a field off the email's detected
// subscription pattern (merchant, sender, interval_type, status,
// confidence).
type PatternFieldExtractor struct {
	Field string `yaml:"field" json:"field"`
}

// Variable is a tagged union: exactly one extractor slot is populated.
// Variables resolve after a rule matches and before its action runs.
type Variable struct {
	HeaderRegex             *HeaderRegexExtractor  `yaml:"header_regex,omitempty" json:"header_regex,omitempty"`
	SubjectRegex            *RegexExtractor        `yaml:"subject_regex,omitempty" json:"subject_regex,omitempty"`
	BodyRegex               *RegexExtractor        `yaml:"body_regex,omitempty" json:"body_regex,omitempty"`
	FromRegex               *RegexExtractor        `yaml:"from_regex,omitempty" json:"from_regex,omitempty"`
	ToRegex                 *RegexExtractor        `yaml:"to_regex,omitempty" json:"to_regex,omitempty"`
	CcRegex                 *RegexExtractor        `yaml:"cc_regex,omitempty" json:"cc_regex,omitempty"`
	AttachmentFilenameRegex *RegexExtractor        `yaml:"attachment_filename_regex,omitempty" json:"attachment_filename_regex,omitempty"`
	LLM                     *LLMExtractor          `yaml:"llm,omitempty" json:"llm,omitempty"`
	PatternField            *PatternFieldExtractor `yaml:"pattern_field,omitempty" json:"pattern_field,omitempty"`
}

type variableAlias Variable

func (v *Variable) UnmarshalYAML(value *yaml.Node) error {
	var a variableAlias
	if err := value.Decode(&a); err != nil {
		return err
	}
	*v = Variable(a)
	return v.Validate()
}

func (v *Variable) UnmarshalJSON(data []byte) error {
	var a variableAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*v = Variable(a)
	return v.Validate()
}

// Validate enforces the exactly-one-extractor invariant. It runs
// during unmarshal, so a Variable that reaches the validator or the
// store always has a single populated slot.
func (v *Variable) Validate() error {
	count := 0
	for _, set := range []bool{
		v.HeaderRegex != nil,
		v.SubjectRegex != nil,
		v.BodyRegex != nil,
		v.FromRegex != nil,
		v.ToRegex != nil,
		v.CcRegex != nil,
		v.AttachmentFilenameRegex != nil,
		v.LLM != nil,
		v.PatternField != nil,
	} {
		if set {
			count++
		}
	}
	if count != 1 {
		return fmt.Errorf("variable must have exactly one of: header_regex, subject_regex, " +
			"body_regex, from_regex, to_regex, cc_regex, attachment_filename_regex, llm, pattern_field")
	}
	return nil
}

// regexSpecs returns the regex extractors this variable carries, keyed
// by slot name, for pattern compilation checks.
func (v *Variable) regexSpecs() map[string]RegexExtractor {
	specs := make(map[string]RegexExtractor)
	if v.HeaderRegex != nil {
		specs["header_regex"] = RegexExtractor{Pattern: v.HeaderRegex.Pattern, Group: v.HeaderRegex.Group}
	}
	if v.SubjectRegex != nil {
		specs["subject_regex"] = *v.SubjectRegex
	}
	if v.BodyRegex != nil {
		specs["body_regex"] = *v.BodyRegex
	}
	if v.FromRegex != nil {
		specs["from_regex"] = *v.FromRegex
	}
	if v.ToRegex != nil {
		specs["to_regex"] = *v.ToRegex
	}
	if v.CcRegex != nil {
		specs["cc_regex"] = *v.CcRegex
	}
	if v.AttachmentFilenameRegex != nil {
		specs["attachment_filename_regex"] = *v.AttachmentFilenameRegex
	}
	return specs
}

// RegexSpecs is the exported form used by the validator.
func (v *Variable) RegexSpecs() map[string]RegexExtractor { return v.regexSpecs() }

// OutcomeKind tags the single outcome a rule produces when it matches.
type OutcomeKind string

const (
	OutcomeAction OutcomeKind = "action"
	OutcomeJump   OutcomeKind = "jump"
	OutcomeReturn OutcomeKind = "return_to_parent"
	OutcomeLLM    OutcomeKind = "llm"
)

// Rule is one node of a chain. Exactly one outcome field is populated
// (enforced at construction): apply an Action, jump to another chain,
// return to the calling chain, or classify via LLM routing.
type Rule struct {
	Match          MatchCondition      `yaml:"match" json:"match"`
	Variables      map[string]Variable `yaml:"variables,omitempty" json:"variables,omitempty"`
	Action         *Action             `yaml:"action,omitempty" json:"action,omitempty"`
	Jump           string              `yaml:"jump,omitempty" json:"jump,omitempty"`
	ReturnToParent bool                `yaml:"return_to_parent,omitempty" json:"return_to_parent,omitempty"`
	LLM            *LLMConfig          `yaml:"llm,omitempty" json:"llm,omitempty"`
	Routes         map[string]Action   `yaml:"routes,omitempty" json:"routes,omitempty"`
	Name           string              `yaml:"name,omitempty" json:"name,omitempty"`
	Description    string              `yaml:"description,omitempty" json:"description,omitempty"`
}

type ruleAlias Rule

func (r *Rule) UnmarshalYAML(value *yaml.Node) error {
	var a ruleAlias
	if err := value.Decode(&a); err != nil {
		return err
	}
	*r = Rule(a)
	if err := r.Validate(); err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	return nil
}

func (r *Rule) UnmarshalJSON(data []byte) error {
	var a ruleAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*r = Rule(a)
	return r.Validate()
}

// Validate enforces the mutually-exclusive-outcome invariant and the
// LLM-requires-routes invariant. It runs during unmarshal.
func (r *Rule) Validate() error {
	count := 0
	if r.Action != nil {
		count++
	}
	if r.Jump != "" {
		count++
	}
	if r.ReturnToParent {
		count++
	}
	if r.LLM != nil {
		count++
	}
	switch {
	case count == 0:
		return fmt.Errorf("rule must have one of 'action', 'jump', 'return_to_parent', or 'llm'")
	case count > 1:
		return fmt.Errorf("rule can only have one of 'action', 'jump', 'return_to_parent', or 'llm'")
	}
	if r.LLM != nil && len(r.Routes) == 0 {
		return fmt.Errorf("llm rule must have 'routes'")
	}
	return nil
}

// Outcome returns the populated outcome kind. Only meaningful on a
// rule that passed Validate.
func (r *Rule) Outcome() OutcomeKind {
	switch {
	case r.Jump != "":
		return OutcomeJump
	case r.ReturnToParent:
		return OutcomeReturn
	case r.LLM != nil:
		return OutcomeLLM
	default:
		return OutcomeAction
	}
}

// RulesConfig is one whole rule set in document form: all chains plus
// the supporting intent, category, prompt, and address-mapping tables.
// Field declaration order is the canonical render order.
type RulesConfig struct {
	Version               int64                           `yaml:"version" json:"version"`
	LabelPrefix           string                          `yaml:"label_prefix" json:"label_prefix"`
	Intents               map[string]IntentConfig         `yaml:"intents,omitempty" json:"intents,omitempty"`
	EmailCategories       map[string]EmailCategoryConfig  `yaml:"email_categories,omitempty" json:"email_categories,omitempty"`
	Prompts               map[string]ClassificationPrompt `yaml:"prompts,omitempty" json:"prompts,omitempty"`
	BodyExtractionPrompts map[string]BodyExtractionPrompt `yaml:"body_extraction_prompts,omitempty" json:"body_extraction_prompts,omitempty"`
	Chains                map[string][]Rule               `yaml:"chains" json:"chains"`
	PriorityEmailMappings map[string]EmailMappingAction   `yaml:"priority_email_mappings,omitempty" json:"priority_email_mappings,omitempty"`
	FallbackEmailMappings map[string]EmailMappingAction   `yaml:"fallback_email_mappings,omitempty" json:"fallback_email_mappings,omitempty"`
}

// MainChain is the chain every rule set must define; evaluation of an
// incoming email starts there.
const MainChain = "main"
