// Package rules provides the bidirectional serializer between the
// textual rule document and the in-memory rule set, and the static
// validator that checks a parsed rule set for structural and
// referential errors.
package rules

import "github.com/mailcortex/triage/common/models"

// Default models applied when a definition omits one.
const (
	DefaultIntentModel     = "qwen2.5:0.5b"
	DefaultCategoryModel   = "qwen2.5:0.5b"
	DefaultPromptModel     = "qwen2.5:7b"
	DefaultExtractionModel = "qwen2.5:3b"
	DefaultLLMModel        = "qwen2.5:7b"
	DefaultPromptVersion   = "v1"
	DefaultLabelPrefix     = "Cortex"
)

// builtinIntents are always available; user definitions with the same
// name override individual fields, not the whole entry.
func builtinIntents() map[string]models.IntentConfig {
	return map[string]models.IntentConfig{
		"archive_request": {
			Prompt: "Does this email subject indicate the sender wants to save,\n" +
				"archive, or bookmark something for later?\n" +
				"Subject: \"{subject}\"\n" +
				"Answer only: yes or no",
			Model: DefaultIntentModel,
		},
		"todo_request": {
			Prompt: "Does this email subject indicate a task, reminder, or todo item?\n" +
				"Subject: \"{subject}\"\n" +
				"Answer only: yes or no",
			Model: DefaultIntentModel,
		},
		"question": {
			Prompt: "Does this email subject contain a question requiring a response?\n" +
				"Subject: \"{subject}\"\n" +
				"Answer only: yes or no",
			Model: DefaultIntentModel,
		},
	}
}

// builtinPrompts are the built-in classification prompt versions.
func builtinPrompts() map[string]models.ClassificationPrompt {
	return map[string]models.ClassificationPrompt{
		"v1": {
			Template: "You are categorizing emails for a personal Gmail inbox.\n\n" +
				"Categories:\n{categories}\n\n" +
				"Email:\nFrom: {from_addr}\nSubject: {subject}\nBody preview: {body_preview}\n\n" +
				"Respond with JSON only, for example:\n" +
				`{{"category": "human_request", "confidence": 0.85, "reasoning": "..."}}`,
			Categories: []string{
				"automated_noise",
				"human_request",
				"action_item",
				"wrong_email",
				"subscription",
				"school",
			},
			Model: DefaultPromptModel,
		},
	}
}

// builtinBodyExtractionPrompts are the built-in body-extraction
// templates.
func builtinBodyExtractionPrompts() map[string]models.BodyExtractionPrompt {
	return map[string]models.BodyExtractionPrompt{
		"apple_merchant_v1": {
			Template: "Extract the product/service name from this Apple receipt line.\n" +
				"Return ONLY the product name, nothing else. Be concise.\n\n" +
				"Examples:\n" +
				"\"TIDAL Music: HiFi SoundTIDAL Family (Monthly)\" -> \"TIDAL Music\"\n" +
				"\"iCloud+ with 200 GB (Monthly)\" -> \"iCloud+ 200GB\"\n" +
				"\"Plex: Stream Live TV ChannelsMonthly Plex Pass\" -> \"Plex Pass\"\n" +
				"\"AppleCare+IPAD MINI 5,WIFI,64GB\" -> \"AppleCare+ iPad Mini\"\n\n" +
				"Receipt line:\n{product_line}\n\nProduct name:",
			Model: DefaultExtractionModel,
		},
	}
}
