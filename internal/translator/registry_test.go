package translator

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func passValidator([]byte) error { return nil }

func TestRegisterRequiresInputValidator(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	err := r.Register(&Transformer{
		Name:    "bad",
		Source:  FormatAnthropic,
		Target:  FormatOpenAI,
		Enabled: true,
	})
	if err == nil {
		t.Fatal("expected registration without validator to fail")
	}
}

func TestTranslateRequestStrictOnMissingTransformer(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	_, err := r.TranslateRequest(FormatAnthropic, FormatOpenAI, "m", []byte(`{}`), false)
	if !errors.Is(err, ErrNoTransformer) {
		t.Fatalf("expected ErrNoTransformer, got %v", err)
	}
}

func TestTranslateRequestIdentityPassThrough(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	in := []byte(`{"model":"x","messages":[{"role":"user","content":"hi"}]}`)
	out, err := r.TranslateRequest(FormatOpenAI, FormatOpenAI, "m", in, false)
	if err != nil {
		t.Fatalf("identity translation failed: %v", err)
	}
	if string(out) != string(in) {
		t.Fatalf("identity translation changed payload: %s", out)
	}
}

func TestTranslateRequestRunsInputValidation(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	if err := r.Register(&Transformer{
		Name:          "anthropic-openai",
		Source:        FormatAnthropic,
		Target:        FormatOpenAI,
		Enabled:       true,
		Request:       AnthropicRequestToOpenAI,
		ValidateInput: ValidateAnthropicRequest,
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, err := r.TranslateRequest(FormatAnthropic, FormatOpenAI, "m", []byte(`{"model":"x"}`), false)
	if err == nil {
		t.Fatal("expected validation failure for request without messages")
	}
}

func TestLookupPrefersHighestPriorityEnabled(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	var picked string
	mk := func(name string, priority int, enabled bool) *Transformer {
		return &Transformer{
			Name:     name,
			Source:   FormatAnthropic,
			Target:   FormatOpenAI,
			Priority: priority,
			Enabled:  enabled,
			Request: func(model string, raw []byte, stream bool) []byte {
				picked = name
				return raw
			},
			ValidateInput: passValidator,
		}
	}
	for _, tr := range []*Transformer{mk("low", 10, true), mk("disabled", 200, false), mk("high", 100, true)} {
		if err := r.Register(tr); err != nil {
			t.Fatalf("register %s: %v", tr.Name, err)
		}
	}

	if _, err := r.TranslateRequest(FormatAnthropic, FormatOpenAI, "m", []byte(`{}`), false); err != nil {
		t.Fatalf("translate: %v", err)
	}
	if picked != "high" {
		t.Fatalf("expected high-priority transformer, picked %q", picked)
	}
}

func TestTranslateNonStreamLenientPassThrough(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	body := `{"whatever":true}`
	got := r.TranslateNonStream(context.Background(), FormatLMStudio, FormatAnthropic, "m", nil, nil, []byte(body))
	if got != body {
		t.Fatalf("expected pass-through, got %s", got)
	}
}

func TestTranslateStreamLenientPassThrough(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	var state any
	line := "data: {\"x\":1}"
	got := r.TranslateStream(context.Background(), FormatLMStudio, FormatAnthropic, "m", nil, nil, []byte(line), &state)
	if len(got) != 1 || got[0] != line {
		t.Fatalf("expected verbatim forward, got %v", got)
	}
}

func TestDefaultRegistryCoversDialects(t *testing.T) {
	t.Parallel()
	r := NewDefaultRegistry()
	pairs := r.SupportedConversions()
	want := map[ConversionPair]bool{
		{Source: FormatAnthropic, Target: FormatOpenAI}: false,
		{Source: FormatAnthropic, Target: FormatQwen}:   false,
		{Source: FormatOpenAI, Target: FormatAnthropic}: false,
		{Source: FormatOpenAI, Target: FormatIFlow}:     false,
	}
	for _, pair := range pairs {
		if _, ok := want[pair]; ok {
			want[pair] = true
		}
	}
	for pair, seen := range want {
		if !seen {
			t.Fatalf("default registry missing %s->%s", pair.Source, pair.Target)
		}
	}
}

func TestNeedTranslate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		from, to Format
		want     bool
	}{
		{FormatOpenAI, FormatQwen, false},
		{FormatQwen, FormatIFlow, false},
		{FormatAnthropic, FormatOpenAI, true},
		{FormatOpenAI, FormatAnthropic, true},
		{FormatAnthropic, FormatAnthropic, false},
	}
	for _, tc := range cases {
		if got := NeedTranslate(tc.from, tc.to); got != tc.want {
			t.Fatalf("NeedTranslate(%s,%s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestOpenAIFamilyRequestSwapsModel(t *testing.T) {
	t.Parallel()
	r := NewDefaultRegistry()
	in := []byte(`{"model":"claude-router","messages":[{"role":"user","content":"hi"}]}`)
	out, err := r.TranslateRequest(FormatOpenAI, FormatQwen, "qwen3-coder-plus", in, true)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	s := string(out)
	if !strings.Contains(s, `"model":"qwen3-coder-plus"`) {
		t.Fatalf("model not substituted: %s", s)
	}
	if !strings.Contains(s, `"stream":true`) {
		t.Fatalf("stream flag not set: %s", s)
	}
	if !strings.Contains(s, `"content":"hi"`) {
		t.Fatalf("messages not preserved: %s", s)
	}
}
