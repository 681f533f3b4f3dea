package models

import "time"

// VersionRow is one immutable rule-set version.
// Maps to: triage_config_version table.
type VersionRow struct {
	Version     int64     `db:"version" json:"version"`
	CreatedBy   string    `db:"created_by" json:"created_by"`
	Notes       *string   `db:"notes" json:"notes,omitempty"`
	IsActive    bool      `db:"is_active" json:"is_active"`
	ContentHash string    `db:"content_hash" json:"content_hash"`
	LabelPrefix string    `db:"label_prefix" json:"label_prefix"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`

	// JSON-valued columns.
	Intents               map[string]IntentConfig         `db:"intents" json:"intents"`
	EmailCategories       map[string]EmailCategoryConfig  `db:"email_categories" json:"email_categories"`
	Prompts               map[string]ClassificationPrompt `db:"prompts" json:"prompts"`
	BodyExtractionPrompts map[string]BodyExtractionPrompt `db:"body_extraction_prompts" json:"body_extraction_prompts"`
}

// ChainRow is one named chain of a version.
// Maps to: triage_chain table.
type ChainRow struct {
	ID      int64  `db:"id" json:"id"`
	Version int64  `db:"config_version" json:"config_version"`
	Name    string `db:"chain_name" json:"chain_name"`
}

// RuleContent is the pointer-free portion of a rule row: everything a
// content-only update may touch. Pointer moves never change it.
type RuleContent struct {
	Match          MatchCondition      `json:"match"`
	Variables      map[string]Variable `json:"variables,omitempty"`
	Action         *Action             `json:"action,omitempty"`
	Jump           *string             `json:"jump,omitempty"`
	ReturnToParent bool                `json:"return_to_parent,omitempty"`
	LLM            *LLMConfig          `json:"llm,omitempty"`
	Routes         map[string]Action   `json:"routes,omitempty"`
	Name           *string             `json:"name,omitempty"`
	Description    *string             `json:"description,omitempty"`
}

// RuleContentFromDocument converts a validated document rule into row
// content.
func RuleContentFromDocument(r *Rule) RuleContent {
	c := RuleContent{
		Match:          r.Match,
		Variables:      r.Variables,
		Action:         r.Action,
		ReturnToParent: r.ReturnToParent,
		LLM:            r.LLM,
		Routes:         r.Routes,
	}
	if r.Jump != "" {
		jump := r.Jump
		c.Jump = &jump
	}
	if r.Name != "" {
		name := r.Name
		c.Name = &name
	}
	if r.Description != "" {
		desc := r.Description
		c.Description = &desc
	}
	return c
}

// Document converts row content back into the document rule shape,
// re-checking the outcome invariant so corrupted rows surface instead
// of round-tripping silently.
func (c *RuleContent) Document() (*Rule, error) {
	r := &Rule{
		Match:          c.Match,
		Variables:      c.Variables,
		Action:         c.Action,
		ReturnToParent: c.ReturnToParent,
		LLM:            c.LLM,
		Routes:         c.Routes,
	}
	if c.Jump != nil {
		r.Jump = *c.Jump
	}
	if c.Name != nil {
		r.Name = *c.Name
	}
	if c.Description != nil {
		r.Description = *c.Description
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// RuleRow is one node of a chain's doubly-linked list. PrevID/NextID
// are weak links (nullable self-references); ownership of the rule
// belongs to the chain. RowVersion increments on every content update
// and backs optimistic concurrency.
// Maps to: triage_rule table.
type RuleRow struct {
	ID         int64  `db:"id" json:"id"`
	ChainID    int64  `db:"chain_id" json:"chain_id"`
	Version    int64  `db:"config_version" json:"config_version"`
	PrevID     *int64 `db:"prev_rule_id" json:"prev_rule_id,omitempty"`
	NextID     *int64 `db:"next_rule_id" json:"next_rule_id,omitempty"`
	RowVersion int    `db:"row_version" json:"row_version"`

	Content RuleContent `json:"content"`
}

// MappingType tags which address map a mapping row belongs to.
type MappingType string

const (
	MappingPriority MappingType = "priority"
	MappingFallback MappingType = "fallback"
)

// MappingRow is one address-to-action entry. Addresses are stored
// lower-cased.
// Maps to: triage_email_mapping table.
type MappingRow struct {
	Version  int64       `db:"config_version" json:"config_version"`
	Type     MappingType `db:"mapping_type" json:"mapping_type"`
	Address  string      `db:"email_address" json:"email_address"`
	Label    string      `db:"label" json:"label"`
	Archive  *bool       `db:"archive" json:"archive,omitempty"`
	MarkRead *bool       `db:"mark_read" json:"mark_read,omitempty"`
}

// ChainDoc is a named chain with its rules in document order, used
// when persisting a whole version.
type ChainDoc struct {
	Name  string
	Rules []Rule
}
