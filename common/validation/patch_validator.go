package validation

import (
	"encoding/json"
	"fmt"
)

// maxPatchOperations caps how much a single rule patch can do. Bulk
// edits go through a full import instead.
const maxPatchOperations = 50

// PatchValidator checks RFC 6902 patch documents before they are
// applied to a rule. It validates operation structure only; whether
// the patched rule is still valid is decided after application.
type PatchValidator struct{}

// NewPatchValidator creates a new patch validator.
func NewPatchValidator() *PatchValidator {
	return &PatchValidator{}
}

// ValidatePatch validates a raw patch document.
func (v *PatchValidator) ValidatePatch(doc []byte) error {
	var operations []map[string]interface{}
	if err := json.Unmarshal(doc, &operations); err != nil {
		return fmt.Errorf("patch must be a JSON array of operations: %w", err)
	}
	return v.ValidateOperations(operations)
}

// ValidateOperations validates all patch operations.
func (v *PatchValidator) ValidateOperations(operations []map[string]interface{}) error {
	if len(operations) == 0 {
		return fmt.Errorf("patch contains no operations")
	}
	if len(operations) > maxPatchOperations {
		return fmt.Errorf("patch exceeds %d operations (got %d)", maxPatchOperations, len(operations))
	}

	for i, op := range operations {
		if err := v.validateOperation(op, i); err != nil {
			return err
		}
	}

	return nil
}

// validateOperation validates a single operation.
func (v *PatchValidator) validateOperation(op map[string]interface{}, index int) error {
	opType, ok := op["op"].(string)
	if !ok {
		return fmt.Errorf("operation %d: missing or invalid 'op' field", index)
	}

	path, ok := op["path"].(string)
	if !ok {
		return fmt.Errorf("operation %d: missing or invalid 'path' field", index)
	}
	if path != "" && path[0] != '/' {
		return fmt.Errorf("operation %d: path must start with '/', got %q", index, path)
	}
	if path == "" {
		// Whole-document replacement would bypass the content model;
		// rules are replaced by delete-and-insert instead.
		return fmt.Errorf("operation %d: whole-rule replacement is not allowed, patch a field instead", index)
	}

	switch opType {
	case "add", "replace", "test":
		if _, ok := op["value"]; !ok {
			return fmt.Errorf("operation %d: 'value' required for %s operation", index, opType)
		}

	case "move", "copy":
		from, ok := op["from"].(string)
		if !ok {
			return fmt.Errorf("operation %d: 'from' required for %s operation", index, opType)
		}
		if from == "" || from[0] != '/' {
			return fmt.Errorf("operation %d: 'from' must start with '/', got %q", index, from)
		}

	case "remove":
		return nil

	default:
		return fmt.Errorf("operation %d: unsupported operation type: %s", index, opType)
	}

	return nil
}
