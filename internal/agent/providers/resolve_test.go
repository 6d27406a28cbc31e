package providers

import (
	"strings"
	"testing"

	"github.com/agentuse/agentuse/internal/agent"
)

func TestParseRef(t *testing.T) {
	tests := []struct {
		name    string
		ref     string
		want    Ref
		wantErr bool
	}{
		{
			name: "provider and model",
			ref:  "anthropic:claude-sonnet-4-20250514",
			want: Ref{Provider: "anthropic", Model: "claude-sonnet-4-20250514"},
		},
		{
			name: "credential suffix",
			ref:  "openai:gpt-4o:work",
			want: Ref{Provider: "openai", Model: "gpt-4o", Suffix: "work"},
		},
		{
			name: "provider is lowercased",
			ref:  "Anthropic:claude-3-5-haiku-20241022",
			want: Ref{Provider: "anthropic", Model: "claude-3-5-haiku-20241022"},
		},
		{
			name: "slashes in the model survive",
			ref:  "openrouter:deepseek/deepseek-chat",
			want: Ref{Provider: "openrouter", Model: "deepseek/deepseek-chat"},
		},
		{name: "missing model", ref: "anthropic:", wantErr: true},
		{name: "missing provider", ref: ":gpt-4o", wantErr: true},
		{name: "no separator", ref: "claude-sonnet", wantErr: true},
		{name: "empty", ref: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRef(tt.ref)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				re, ok := agent.AsRunError(err)
				if !ok || re.Code != agent.CodeModelUnknown {
					t.Errorf("err = %v, want MODEL_UNKNOWN", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestRefString(t *testing.T) {
	r := Ref{Provider: "openai", Model: "gpt-4o", Suffix: "work"}
	if r.String() != "openai:gpt-4o" {
		t.Errorf("String() = %q", r.String())
	}
}

func TestResolveAnthropicFromEnv(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")

	provider, ref, err := Resolve("anthropic:claude-sonnet-4-20250514")
	if err != nil {
		t.Fatal(err)
	}
	if provider.Name() != "anthropic" {
		t.Errorf("provider = %q", provider.Name())
	}
	if ref.Model != "claude-sonnet-4-20250514" {
		t.Errorf("model = %q", ref.Model)
	}
}

func TestResolveSuffixedCredential(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("OPENAI_API_KEY_WORK", "sk-work")

	provider, ref, err := Resolve("openai:gpt-4o:work")
	if err != nil {
		t.Fatal(err)
	}
	if provider.Name() != "openai" {
		t.Errorf("provider = %q", provider.Name())
	}
	if ref.Model != "gpt-4o" || ref.Suffix != "work" {
		t.Errorf("ref = %+v", ref)
	}
}

func TestResolveVerbatimCredentialVariable(t *testing.T) {
	t.Setenv("MY_TOKEN", "sk-custom")

	provider, _, err := Resolve("anthropic:claude-sonnet-4-20250514:MY_TOKEN")
	if err != nil {
		t.Fatal(err)
	}
	if provider.Name() != "anthropic" {
		t.Errorf("provider = %q", provider.Name())
	}
}

// OpenRouter model identifiers carry variant tags like ":free" in the
// same position a credential suffix would sit. When the tag resolves no
// credential but the plain provider key exists, the tag belongs to the
// model.
func TestResolveFoldsModelVariantTag(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "sk-or-test")
	t.Setenv("OPENROUTER_API_KEY_FREE", "")
	t.Setenv("free", "")

	provider, ref, err := Resolve("openrouter:deepseek/deepseek-chat:free")
	if err != nil {
		t.Fatal(err)
	}
	if provider.Name() != "openrouter" {
		t.Errorf("provider = %q", provider.Name())
	}
	if ref.Model != "deepseek/deepseek-chat:free" {
		t.Errorf("model = %q, want the variant tag folded in", ref.Model)
	}
	if ref.Suffix != "" {
		t.Errorf("suffix = %q, want empty after folding", ref.Suffix)
	}
}

func TestResolveMissingKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")

	_, _, err := Resolve("anthropic:claude-sonnet-4-20250514")
	re, ok := agent.AsRunError(err)
	if !ok || re.Code != agent.CodeAuthenticationMissing {
		t.Fatalf("err = %v, want AUTHENTICATION_MISSING", err)
	}
	if len(re.Suggestions) == 0 || !strings.Contains(re.Suggestions[0], "ANTHROPIC_API_KEY") {
		t.Errorf("suggestions = %v, should name the variable to set", re.Suggestions)
	}
}

func TestResolveMissingSuffixedKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("OPENAI_API_KEY_WORK", "")
	t.Setenv("work", "")

	_, _, err := Resolve("openai:gpt-4o:work")
	re, ok := agent.AsRunError(err)
	if !ok || re.Code != agent.CodeAuthenticationMissing {
		t.Fatalf("err = %v, want AUTHENTICATION_MISSING", err)
	}
	if len(re.Suggestions) == 0 || !strings.Contains(re.Suggestions[0], "OPENAI_API_KEY_WORK") {
		t.Errorf("suggestions = %v, should name the suffixed variable", re.Suggestions)
	}
}

func TestResolveUnknownProvider(t *testing.T) {
	t.Setenv("MISTRAL_API_KEY", "sk-mistral")

	_, _, err := Resolve("mistral:mistral-large")
	re, ok := agent.AsRunError(err)
	if !ok || re.Code != agent.CodeModelUnknown {
		t.Fatalf("err = %v, want MODEL_UNKNOWN", err)
	}
	if len(re.Suggestions) == 0 || !strings.Contains(re.Suggestions[0], "openrouter") {
		t.Errorf("suggestions = %v, should list supported providers", re.Suggestions)
	}
}
