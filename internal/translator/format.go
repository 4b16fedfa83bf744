// Package translator implements the protocol switch: bidirectional dialect
// translation between the wire formats the router accepts from clients and
// the formats its upstream providers speak. Transformers register with a
// registry keyed by (source, target) pairs; translation of requests is
// strict while response translation degrades to pass-through when no
// transformer matches.
package translator

// Format identifies a wire protocol dialect.
type Format string

const (
	// FormatAnthropic is the Anthropic Messages API shape.
	FormatAnthropic Format = "anthropic"
	// FormatOpenAI is the OpenAI Chat Completions shape.
	FormatOpenAI Format = "openai"
	// FormatQwen is the Qwen OpenAI-compatible dialect.
	FormatQwen Format = "qwen"
	// FormatIFlow is the iFlow OpenAI-compatible dialect.
	FormatIFlow Format = "iflow"
	// FormatLMStudio is the LM Studio local OpenAI-compatible dialect.
	FormatLMStudio Format = "lmstudio"
)

// openAICompatible reports whether a dialect uses the OpenAI Chat
// Completions request and response shapes on the wire.
func openAICompatible(f Format) bool {
	switch f {
	case FormatOpenAI, FormatQwen, FormatIFlow, FormatLMStudio:
		return true
	}
	return false
}

// Known reports whether f names a dialect this build understands.
func Known(f Format) bool {
	switch f {
	case FormatAnthropic, FormatOpenAI, FormatQwen, FormatIFlow, FormatLMStudio:
		return true
	}
	return false
}
