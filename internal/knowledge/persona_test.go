package knowledge

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	xerrors "VCMilei/internal/errors"
)

func TestDefaultCharacter(t *testing.T) {
	character := Default()
	if character.Name != "VCMilei" {
		t.Fatalf("unexpected name %q", character.Name)
	}
	if len(character.StyleRules(ChannelPost)) <= len(character.Style.All) {
		t.Fatalf("post rules should extend the shared rules")
	}
}

func TestRelevantRanksByKeywordHits(t *testing.T) {
	character := Default()

	got := character.Relevant("Will the Fed printing cause inflation? Buy bitcoin?", 2)
	if len(got) != 2 || got[0].Title != "Inflation" || got[1].Title != "Bitcoin" {
		t.Fatalf("unexpected snippets %+v", got)
	}

	fallback := character.Relevant("what do you think about pizza", 0)
	if len(fallback) != 1 || fallback[0].Title != "Free markets" {
		t.Fatalf("expected general snippet fallback, got %+v", fallback)
	}
}

func TestPromptIncludesStyleAndKnowledge(t *testing.T) {
	prompt := Default().Prompt(ChannelChat, "should we swap ETH for MODE?")
	for _, want := range []string{"Persona: VCMilei", "Style rules:", "conversational tone", "Mode network:"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
	if strings.Contains(prompt, "dramatic pauses") {
		t.Fatalf("chat prompt must not include post-only rules")
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.json")
	if err := os.WriteFile(path, []byte(`{"name":"Tester","knowledge":[{"title":"T","content":"c","keywords":["x"]}]}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	character, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if character.Name != "Tester" || len(character.Relevant("x marks", 0)) != 1 {
		t.Fatalf("unexpected character %+v", character)
	}

	bad := filepath.Join(dir, "bad.json")
	_ = os.WriteFile(bad, []byte(`{"bio":[]}`), 0o644)
	if _, err := Load(bad); xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("expected missing name to fail, got %v", err)
	}
	if character, err := Load(""); err != nil || character.Name != "VCMilei" {
		t.Fatalf("empty path should load the default character, got %v %v", character, err)
	}
}
