package translator

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// ValidateAnthropicRequest checks the minimum structure of an Anthropic
// Messages request: valid JSON, a model, and a non-empty messages array.
func ValidateAnthropicRequest(rawJSON []byte) error {
	if !gjson.ValidBytes(rawJSON) {
		return fmt.Errorf("invalid JSON")
	}
	root := gjson.ParseBytes(rawJSON)
	if root.Get("model").String() == "" {
		return fmt.Errorf("missing model")
	}
	messages := root.Get("messages")
	if !messages.IsArray() || len(messages.Array()) == 0 {
		return fmt.Errorf("messages must be a non-empty array")
	}
	return nil
}

// ValidateOpenAIRequest checks the minimum structure of an OpenAI Chat
// Completions request.
func ValidateOpenAIRequest(rawJSON []byte) error {
	if !gjson.ValidBytes(rawJSON) {
		return fmt.Errorf("invalid JSON")
	}
	root := gjson.ParseBytes(rawJSON)
	if root.Get("model").String() == "" {
		return fmt.Errorf("missing model")
	}
	messages := root.Get("messages")
	if !messages.IsArray() || len(messages.Array()) == 0 {
		return fmt.Errorf("messages must be a non-empty array")
	}
	return nil
}
