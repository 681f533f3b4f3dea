package models

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// StringList is a string field that accepts either a scalar or a
// sequence in the document. A list matches when any element matches
// (OR within field). A single element renders back as a scalar so the
// canonical form is independent of which spelling the author used.
type StringList []string

func (s *StringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var v string
		if err := value.Decode(&v); err != nil {
			return err
		}
		*s = StringList{v}
		return nil
	case yaml.SequenceNode:
		var v []string
		if err := value.Decode(&v); err != nil {
			return err
		}
		*s = StringList(v)
		return nil
	default:
		return fmt.Errorf("line %d: expected string or list of strings", value.Line)
	}
}

func (s StringList) MarshalYAML() (interface{}, error) {
	if len(s) == 1 {
		return s[0], nil
	}
	return []string(s), nil
}

func (s *StringList) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = StringList{v}
		return nil
	}
	var v []string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*s = StringList(v)
	return nil
}

func (s StringList) MarshalJSON() ([]byte, error) {
	if len(s) == 1 {
		return json.Marshal(s[0])
	}
	return json.Marshal([]string(s))
}

// IntentRef is either the name of an intent defined at the top level
// of the document, or an inline intent definition.
type IntentRef struct {
	Name   string
	Inline *IntentConfig
}

// IsZero reports whether the reference is unset. yaml.v3 consults this
// for omitempty handling.
func (r IntentRef) IsZero() bool {
	return r.Name == "" && r.Inline == nil
}

func (r *IntentRef) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		return value.Decode(&r.Name)
	case yaml.MappingNode:
		r.Inline = &IntentConfig{}
		return value.Decode(r.Inline)
	default:
		return fmt.Errorf("line %d: intent must be a name or an inline definition", value.Line)
	}
}

func (r IntentRef) MarshalYAML() (interface{}, error) {
	if r.Inline != nil {
		return r.Inline, nil
	}
	return r.Name, nil
}

func (r *IntentRef) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &r.Name)
	}
	r.Inline = &IntentConfig{}
	return json.Unmarshal(data, r.Inline)
}

func (r IntentRef) MarshalJSON() ([]byte, error) {
	if r.Inline != nil {
		return json.Marshal(r.Inline)
	}
	return json.Marshal(r.Name)
}

// MatchCondition describes when a rule fires. All directly-specified
// leaf fields are AND-ed together; a field given as a list matches if
// any element matches. any_of / all_of combine sub-conditions across
// field types, and negate inverts the whole evaluated result.
//
// This package only defines the shape; evaluating a condition against
// a live email is the evaluator's job.
type MatchCondition struct {
	// Sender / recipient address matching.
	From         StringList `yaml:"from,omitempty" json:"from,omitempty"`
	To           StringList `yaml:"to,omitempty" json:"to,omitempty"`
	FromGlob     StringList `yaml:"from_glob,omitempty" json:"from_glob,omitempty"`
	ToGlob       StringList `yaml:"to_glob,omitempty" json:"to_glob,omitempty"`
	FromContains StringList `yaml:"from_contains,omitempty" json:"from_contains,omitempty"`
	ToContains   StringList `yaml:"to_contains,omitempty" json:"to_contains,omitempty"`
	FromRegex    StringList `yaml:"from_regex,omitempty" json:"from_regex,omitempty"`
	ToRegex      StringList `yaml:"to_regex,omitempty" json:"to_regex,omitempty"`

	// Subject matching.
	Subject         StringList `yaml:"subject,omitempty" json:"subject,omitempty"`
	SubjectGlob     StringList `yaml:"subject_glob,omitempty" json:"subject_glob,omitempty"`
	SubjectContains StringList `yaml:"subject_contains,omitempty" json:"subject_contains,omitempty"`
	SubjectRegex    StringList `yaml:"subject_regex,omitempty" json:"subject_regex,omitempty"`

	// Body matching.
	BodyGlob     StringList `yaml:"body_glob,omitempty" json:"body_glob,omitempty"`
	BodyContains StringList `yaml:"body_contains,omitempty" json:"body_contains,omitempty"`
	BodyRegex    StringList `yaml:"body_regex,omitempty" json:"body_regex,omitempty"`

	// LLM-backed classifiers.
	SubjectIntent *IntentRef `yaml:"subject_intent,omitempty" json:"subject_intent,omitempty"`
	EmailIntent   *IntentRef `yaml:"email_intent,omitempty" json:"email_intent,omitempty"`
	// Format: "category_name/expected_value".
	EmailCategory string `yaml:"email_category,omitempty" json:"email_category,omitempty"`

	// Header matching. Keys are case-insensitive header names.
	Header         map[string]string `yaml:"header,omitempty" json:"header,omitempty"`
	HeaderContains map[string]string `yaml:"header_contains,omitempty" json:"header_contains,omitempty"`
	HeaderRegex    map[string]string `yaml:"header_regex,omitempty" json:"header_regex,omitempty"`
	HeaderExists   StringList        `yaml:"header_exists,omitempty" json:"header_exists,omitempty"`

	// Common header shortcuts.
	ListID          StringList `yaml:"list_id,omitempty" json:"list_id,omitempty"`
	ListIDGlob      StringList `yaml:"list_id_glob,omitempty" json:"list_id_glob,omitempty"`
	ListIDContains  StringList `yaml:"list_id_contains,omitempty" json:"list_id_contains,omitempty"`
	ListIDRegex     StringList `yaml:"list_id_regex,omitempty" json:"list_id_regex,omitempty"`
	ReplyTo         StringList `yaml:"reply_to,omitempty" json:"reply_to,omitempty"`
	ReplyToGlob     StringList `yaml:"reply_to_glob,omitempty" json:"reply_to_glob,omitempty"`
	ReplyToContains StringList `yaml:"reply_to_contains,omitempty" json:"reply_to_contains,omitempty"`
	ReplyToRegex    StringList `yaml:"reply_to_regex,omitempty" json:"reply_to_regex,omitempty"`

	// CC / BCC recipients.
	Cc          StringList `yaml:"cc,omitempty" json:"cc,omitempty"`
	CcGlob      StringList `yaml:"cc_glob,omitempty" json:"cc_glob,omitempty"`
	CcContains  StringList `yaml:"cc_contains,omitempty" json:"cc_contains,omitempty"`
	CcRegex     StringList `yaml:"cc_regex,omitempty" json:"cc_regex,omitempty"`
	Bcc         StringList `yaml:"bcc,omitempty" json:"bcc,omitempty"`
	BccGlob     StringList `yaml:"bcc_glob,omitempty" json:"bcc_glob,omitempty"`
	BccContains StringList `yaml:"bcc_contains,omitempty" json:"bcc_contains,omitempty"`
	BccRegex    StringList `yaml:"bcc_regex,omitempty" json:"bcc_regex,omitempty"`

	// Status flags derived from provider labels.
	IsRead      *bool      `yaml:"is_read,omitempty" json:"is_read,omitempty"`
	IsStarred   *bool      `yaml:"is_starred,omitempty" json:"is_starred,omitempty"`
	IsImportant *bool      `yaml:"is_important,omitempty" json:"is_important,omitempty"`
	InInbox     *bool      `yaml:"in_inbox,omitempty" json:"in_inbox,omitempty"`
	HasLabel    StringList `yaml:"has_label,omitempty" json:"has_label,omitempty"`

	// Size in bytes.
	SizeLarger  *int64 `yaml:"size_larger,omitempty" json:"size_larger,omitempty"`
	SizeSmaller *int64 `yaml:"size_smaller,omitempty" json:"size_smaller,omitempty"`

	// Dates: absolute ISO strings, or relative durations like "7d".
	DateBefore string `yaml:"date_before,omitempty" json:"date_before,omitempty"`
	DateAfter  string `yaml:"date_after,omitempty" json:"date_after,omitempty"`
	OlderThan  string `yaml:"older_than,omitempty" json:"older_than,omitempty"`
	NewerThan  string `yaml:"newer_than,omitempty" json:"newer_than,omitempty"`

	// Attachments.
	AttachmentFilename         StringList `yaml:"attachment_filename,omitempty" json:"attachment_filename,omitempty"`
	AttachmentFilenameGlob     StringList `yaml:"attachment_filename_glob,omitempty" json:"attachment_filename_glob,omitempty"`
	AttachmentFilenameContains StringList `yaml:"attachment_filename_contains,omitempty" json:"attachment_filename_contains,omitempty"`
	AttachmentFilenameRegex    StringList `yaml:"attachment_filename_regex,omitempty" json:"attachment_filename_regex,omitempty"`
	AttachmentMime             StringList `yaml:"attachment_mime,omitempty" json:"attachment_mime,omitempty"`
	AttachmentMimeGlob         StringList `yaml:"attachment_mime_glob,omitempty" json:"attachment_mime_glob,omitempty"`
	AttachmentMimeContains     StringList `yaml:"attachment_mime_contains,omitempty" json:"attachment_mime_contains,omitempty"`
	HasAttachment              *bool      `yaml:"has_attachment,omitempty" json:"has_attachment,omitempty"`
	HasCalendarInvite          *bool      `yaml:"has_calendar_invite,omitempty" json:"has_calendar_invite,omitempty"`
	HasPdf                     *bool      `yaml:"has_pdf,omitempty" json:"has_pdf,omitempty"`
	HasImage                   *bool      `yaml:"has_image,omitempty" json:"has_image,omitempty"`
	HasSpreadsheet             *bool      `yaml:"has_spreadsheet,omitempty" json:"has_spreadsheet,omitempty"`

	// Other heuristics.
	BodyIsMostlyLinks *bool `yaml:"body_is_mostly_links,omitempty" json:"body_is_mostly_links,omitempty"`

	// Subscription pattern detection.
	MatchesPattern       *bool      `yaml:"matches_pattern,omitempty" json:"matches_pattern,omitempty"`
	PatternConfidenceMin *float64   `yaml:"pattern_confidence_min,omitempty" json:"pattern_confidence_min,omitempty"`
	PatternInterval      StringList `yaml:"pattern_interval,omitempty" json:"pattern_interval,omitempty"`
	PatternStatus        StringList `yaml:"pattern_status,omitempty" json:"pattern_status,omitempty"`

	// Negation inverts the entire condition result.
	Negate bool `yaml:"negate,omitempty" json:"negate,omitempty"`

	// Compound conditions.
	AnyOf []MatchCondition `yaml:"any_of,omitempty" json:"any_of,omitempty"`
	AllOf []MatchCondition `yaml:"all_of,omitempty" json:"all_of,omitempty"`
}

// matchConditionAlias avoids UnmarshalYAML recursion.
type matchConditionAlias MatchCondition

func (m *MatchCondition) UnmarshalYAML(value *yaml.Node) error {
	var a matchConditionAlias
	if err := value.Decode(&a); err != nil {
		return err
	}
	*m = MatchCondition(a)
	return m.checkCompound()
}

func (m *MatchCondition) UnmarshalJSON(data []byte) error {
	var a matchConditionAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*m = MatchCondition(a)
	return m.checkCompound()
}

func (m *MatchCondition) checkCompound() error {
	if m.AnyOf != nil && len(m.AnyOf) == 0 {
		return fmt.Errorf("any_of must contain at least one condition")
	}
	if m.AllOf != nil && len(m.AllOf) == 0 {
		return fmt.Errorf("all_of must contain at least one condition")
	}
	return nil
}
