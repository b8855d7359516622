package ctxstore

import (
	"context"
	"strings"
	"testing"

	xerrors "OpenMCP-Orchestra/internal/errors"
)

func TestResolveTemplate(t *testing.T) {
	entries := []Entry{
		{Key: "plan", Seq: 1, Fields: map[string]any{FieldResult: "outline"}},
		{Key: "draft", Seq: 2, Fields: map[string]any{FieldResult: "full text", "words": 2}},
	}

	resolved, err := ResolveTemplate("Combine {plan.result} with {draft.result}.", entries)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved != "Combine outline with full text." {
		t.Fatalf("unexpected resolution: %q", resolved)
	}

	resolved, err = ResolveTemplate("count={draft.words}", entries)
	if err != nil {
		t.Fatalf("resolve non-string: %v", err)
	}
	if resolved != "count=2" {
		t.Fatalf("non-string field must be JSON encoded, got %q", resolved)
	}
}

func TestResolveTemplateMissingReferences(t *testing.T) {
	entries := []Entry{
		{Key: "plan", Seq: 1, Fields: map[string]any{FieldResult: "outline"}},
	}

	_, err := ResolveTemplate("{plan.result} {plan.error} {review.result}", entries)
	if xerrors.CodeOf(err) != xerrors.CodeUnresolvedReference {
		t.Fatalf("expected UNRESOLVED_REFERENCE, got %v", err)
	}
	xe, _ := xerrors.From(err)
	refs := xe.Metadata()["references"]
	if !strings.Contains(refs, "plan.error") || !strings.Contains(refs, "review.result") {
		t.Fatalf("expected every missing reference listed, got %q", refs)
	}
	if strings.Contains(refs, "plan.result") {
		t.Fatalf("resolved reference reported missing: %q", refs)
	}
}

func TestResolveTemplateEscapes(t *testing.T) {
	entries := []Entry{
		{Key: "a", Seq: 1, Fields: map[string]any{FieldResult: "X"}},
	}

	resolved, err := ResolveTemplate("json {{\"k\": \"{a.result}\"}} done", entries)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved != "json {\"k\": \"X\"} done" {
		t.Fatalf("unexpected escape handling: %q", resolved)
	}
}

func TestResolveTemplateMalformed(t *testing.T) {
	cases := []string{
		"start {a.result",
		"stray } brace",
		"{}",
		"{bare}",
		"{a.}",
		"{.result}",
		"{1st.result}",
		"{a b.result}",
	}
	for _, template := range cases {
		if _, err := ResolveTemplate(template, nil); xerrors.CodeOf(err) != xerrors.CodeValidation {
			t.Fatalf("template %q: expected VALIDATION, got %v", template, err)
		}
	}
}

func TestResolveTemplateNoReferences(t *testing.T) {
	resolved, err := ResolveTemplate("plain prompt, no placeholders", nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved != "plain prompt, no placeholders" {
		t.Fatalf("unexpected output: %q", resolved)
	}
}

func TestExtractRefs(t *testing.T) {
	refs, err := ExtractRefs("{a.result} then {b.error} then {a.result} again")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("expected deduplicated refs, got %+v", refs)
	}
	if refs[0] != (Ref{Step: "a", Field: "result"}) || refs[1] != (Ref{Step: "b", Field: "error"}) {
		t.Fatalf("unexpected refs: %+v", refs)
	}

	refs, err = ExtractRefs("escaped {{a.result}} only")
	if err != nil {
		t.Fatalf("extract escaped: %v", err)
	}
	if len(refs) != 0 {
		t.Fatalf("escaped braces must not produce refs, got %+v", refs)
	}
}

func TestStoreResolve(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Put(ctx, "wf-1", "fetch", map[string]any{FieldResult: "records"}); err != nil {
		t.Fatalf("put: %v", err)
	}

	resolved, err := store.Resolve(ctx, "wf-1", "Summarise {fetch.result}")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved != "Summarise records" {
		t.Fatalf("unexpected resolution: %q", resolved)
	}

	_, err = store.Resolve(ctx, "wf-1", "Summarise {missing.result}")
	if xerrors.CodeOf(err) != xerrors.CodeUnresolvedReference {
		t.Fatalf("expected UNRESOLVED_REFERENCE, got %v", err)
	}
}
