package translator

// NewDefaultRegistry builds a registry covering every dialect pairing the
// router dispatches. Anthropic clients reach any OpenAI-compatible upstream
// through one transform pair; movement between OpenAI-compatible dialects
// is a validated pass-through because they share a wire shape, with any
// per-provider quirks applied by the provider adapter.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()

	openAIFamily := []Format{FormatOpenAI, FormatQwen, FormatIFlow, FormatLMStudio}

	for _, target := range openAIFamily {
		mustRegister(r, &Transformer{
			Name:     "anthropic-to-" + string(target),
			Source:   FormatAnthropic,
			Target:   target,
			Priority: 100,
			Enabled:  true,
			Request:  AnthropicRequestToOpenAI,
			Response: ResponseTransform{
				Stream:    OpenAIResponseToAnthropicStream,
				NonStream: OpenAIResponseToAnthropicNonStream,
			},
			ValidateInput:  ValidateAnthropicRequest,
			ValidateOutput: ValidateOpenAIRequest,
		})
	}

	for _, target := range openAIFamily {
		mustRegister(r, &Transformer{
			Name:     string(target) + "-to-anthropic",
			Source:   target,
			Target:   FormatAnthropic,
			Priority: 100,
			Enabled:  true,
			Request:  OpenAIRequestToAnthropic,
			Response: ResponseTransform{
				Stream:    AnthropicResponseToOpenAIStream,
				NonStream: AnthropicResponseToOpenAINonStream,
			},
			ValidateInput:  ValidateOpenAIRequest,
			ValidateOutput: ValidateAnthropicRequest,
		})
	}

	// Cross-dialect moves within the OpenAI family only substitute the
	// model name.
	for _, from := range openAIFamily {
		for _, to := range openAIFamily {
			if from == to {
				continue
			}
			mustRegister(r, &Transformer{
				Name:          string(from) + "-to-" + string(to),
				Source:        from,
				Target:        to,
				Priority:      50,
				Enabled:       true,
				Request:       openAIFamilyRequest,
				ValidateInput: ValidateOpenAIRequest,
			})
		}
	}

	return r
}

func mustRegister(r *Registry, t *Transformer) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}
