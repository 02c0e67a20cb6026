package reply

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/daviddao/outreach/internal/types"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

const suggestionSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["body", "replyType"],
	"properties": {
		"body": {"type": "string", "minLength": 1, "pattern": "\\S"},
		"replyType": {"enum": ["positive", "referral", "delay", "decline", "question", "other"]}
	}
}`

var compileSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(suggestionSchema))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("suggestion.json", doc); err != nil {
		return nil, err
	}
	return c.Compile("suggestion.json")
})

// validateSuggestion checks generator output before it reaches the
// mailbox.
func validateSuggestion(s *types.ReplySuggestion) error {
	if s == nil {
		return fmt.Errorf("%w: empty suggestion", types.ErrGenerationFailed)
	}
	sch, err := compileSchema()
	if err != nil {
		return fmt.Errorf("compile suggestion schema: %w", err)
	}

	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("%w: %w", types.ErrGenerationFailed, err)
	}
	return nil
}
