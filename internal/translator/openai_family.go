package translator

import (
	"github.com/tidwall/sjson"
)

// openAIFamilyRequest handles request movement between OpenAI-compatible
// dialects: the payload shape is shared, so only the model name and the
// stream flag change.
func openAIFamilyRequest(modelName string, rawJSON []byte, stream bool) []byte {
	out := string(rawJSON)
	out, _ = sjson.Set(out, "model", modelName)
	out, _ = sjson.Set(out, "stream", stream)
	return []byte(out)
}
