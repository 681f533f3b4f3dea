package rules

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/mailcortex/triage/common/models"
)

// templatePattern matches {name}-style placeholders in label templates.
var templatePattern = regexp.MustCompile(`\{(\w+)\}`)

// Validate checks a parsed rule set for structural and referential
// errors and returns the full accumulated list (empty = valid). It
// never fails fast and never raises for content problems.
//
// Outcome exclusivity and extractor exclusivity are enforced at
// construction time and never reach this pass in a violated state.
func Validate(cfg *models.RulesConfig) []string {
	var errs []string

	if _, ok := cfg.Chains[models.MainChain]; !ok {
		errs = append(errs, "Rules must have a 'main' chain")
	}

	if dups := duplicateAddresses(cfg); len(dups) > 0 {
		errs = append(errs, fmt.Sprintf(
			"duplicate email addresses found in both priority_email_mappings and fallback_email_mappings: %s",
			formatNameSet(dups)))
	}

	for _, chainName := range sortedChainNames(cfg) {
		for i := range cfg.Chains[chainName] {
			rule := &cfg.Chains[chainName][i]
			prefix := fmt.Sprintf("Chain '%s' rule %d", chainName, i)
			errs = append(errs, validateRule(cfg, prefix, rule)...)
		}
	}

	return errs
}

func validateRule(cfg *models.RulesConfig, prefix string, rule *models.Rule) []string {
	var errs []string

	if rule.Jump != "" {
		if _, ok := cfg.Chains[rule.Jump]; !ok {
			errs = append(errs, fmt.Sprintf("%s: jump target '%s' does not exist", prefix, rule.Jump))
		}
	}

	walkConditions(&rule.Match, func(cond *models.MatchCondition) {
		errs = append(errs, validateIntentRef(cfg, prefix, "subject_intent", cond.SubjectIntent)...)
		errs = append(errs, validateIntentRef(cfg, prefix, "email_intent", cond.EmailIntent)...)
		for _, field := range conditionRegexFields(cond) {
			for _, pattern := range field.patterns {
				if _, err := regexp.Compile(pattern); err != nil {
					errs = append(errs, fmt.Sprintf("%s: invalid %s '%s': %v", prefix, field.name, pattern, err))
				}
			}
		}
	})

	definedVars := make(map[string]bool, len(rule.Variables))
	for _, name := range sortedKeys(rule.Variables) {
		v := rule.Variables[name]
		if !isIdentifier(name) {
			errs = append(errs, fmt.Sprintf("%s: invalid variable name '%s' (must be valid identifier)", prefix, name))
		}
		definedVars[name] = true

		for _, slot := range sortedKeys(v.RegexSpecs()) {
			spec := v.RegexSpecs()[slot]
			if _, err := regexp.Compile(spec.Pattern); err != nil {
				errs = append(errs, fmt.Sprintf("%s: invalid %s pattern for '%s': %v", prefix, slot, name, err))
			}
			if spec.Group < 1 {
				errs = append(errs, fmt.Sprintf("%s: %s group for '%s' must be >= 1", prefix, slot, name))
			}
		}
	}

	if rule.LLM != nil {
		for _, field := range rule.LLM.Extract {
			definedVars[field] = true
		}
		if rule.LLM.PromptVersion != "" {
			if _, ok := cfg.Prompts[rule.LLM.PromptVersion]; !ok {
				errs = append(errs, fmt.Sprintf("%s: unknown prompt version '%s'", prefix, rule.LLM.PromptVersion))
			}
		}
	}

	if rule.Action != nil && rule.Action.Label != "" {
		if undefined := undefinedVars(rule.Action.Label, definedVars); len(undefined) > 0 {
			errs = append(errs, fmt.Sprintf(
				"%s: label template references undefined variables: %s", prefix, formatNameSet(undefined)))
		}
	}

	for _, routeKey := range sortedKeys(rule.Routes) {
		route := rule.Routes[routeKey]
		if route.Label == "" {
			continue
		}
		if undefined := undefinedVars(route.Label, definedVars); len(undefined) > 0 {
			errs = append(errs, fmt.Sprintf(
				"%s: route '%s' label template references undefined variables: %s",
				prefix, routeKey, formatNameSet(undefined)))
		}
	}

	return errs
}

func validateIntentRef(cfg *models.RulesConfig, prefix, field string, ref *models.IntentRef) []string {
	if ref == nil || ref.Name == "" {
		return nil
	}
	if _, ok := cfg.Intents[ref.Name]; !ok {
		return []string{fmt.Sprintf("%s: unknown intent '%s' in %s", prefix, ref.Name, field)}
	}
	return nil
}

// walkConditions visits a condition and every nested any_of/all_of
// sub-condition.
func walkConditions(cond *models.MatchCondition, fn func(*models.MatchCondition)) {
	fn(cond)
	for i := range cond.AnyOf {
		walkConditions(&cond.AnyOf[i], fn)
	}
	for i := range cond.AllOf {
		walkConditions(&cond.AllOf[i], fn)
	}
}

type regexField struct {
	name     string
	patterns []string
}

func conditionRegexFields(cond *models.MatchCondition) []regexField {
	fields := []regexField{
		{"from_regex", cond.FromRegex},
		{"to_regex", cond.ToRegex},
		{"subject_regex", cond.SubjectRegex},
		{"body_regex", cond.BodyRegex},
		{"cc_regex", cond.CcRegex},
		{"bcc_regex", cond.BccRegex},
		{"list_id_regex", cond.ListIDRegex},
		{"reply_to_regex", cond.ReplyToRegex},
		{"attachment_filename_regex", cond.AttachmentFilenameRegex},
	}
	if len(cond.HeaderRegex) > 0 {
		patterns := make([]string, 0, len(cond.HeaderRegex))
		for _, header := range sortedKeys(cond.HeaderRegex) {
			patterns = append(patterns, cond.HeaderRegex[header])
		}
		fields = append(fields, regexField{"header_regex", patterns})
	}
	out := fields[:0]
	for _, f := range fields {
		if len(f.patterns) > 0 {
			out = append(out, f)
		}
	}
	return out
}

func undefinedVars(label string, defined map[string]bool) []string {
	seen := make(map[string]bool)
	var undefined []string
	for _, match := range templatePattern.FindAllStringSubmatch(label, -1) {
		name := match[1]
		if !defined[name] && !seen[name] {
			seen[name] = true
			undefined = append(undefined, name)
		}
	}
	return undefined
}

func duplicateAddresses(cfg *models.RulesConfig) []string {
	var dups []string
	for address := range cfg.PriorityEmailMappings {
		if _, ok := cfg.FallbackEmailMappings[address]; ok {
			dups = append(dups, address)
		}
	}
	return dups
}

// formatNameSet renders names as {'a', 'b'} in sorted order.
func formatNameSet(names []string) string {
	sort.Strings(names)
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = "'" + n + "'"
	}
	return "{" + strings.Join(quoted, ", ") + "}"
}

func sortedChainNames(cfg *models.RulesConfig) []string {
	return sortedKeys(cfg.Chains)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_' || unicode.IsLetter(r):
		case i > 0 && unicode.IsDigit(r):
		default:
			return false
		}
	}
	return true
}
