package workflow

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	xerrors "OpenMCP-Orchestra/internal/errors"
)

func TestDurationDecodeForms(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want time.Duration
	}{
		{"go-syntax", `timeout: 30s`, 30 * time.Second},
		{"integer-seconds", `timeout: 2`, 2 * time.Second},
		{"float-seconds", `timeout: 1.5`, 1500 * time.Millisecond},
		{"numeric-string", `timeout: "2.5"`, 2500 * time.Millisecond},
		{"empty-string", `timeout: ""`, 0},
		{"composite", `timeout: 1h30m`, 90 * time.Minute},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var step StepDef
			if err := yaml.Unmarshal([]byte(tc.yaml), &step); err != nil {
				t.Fatalf("unmarshal %q: %v", tc.yaml, err)
			}
			if step.Timeout.Duration != tc.want {
				t.Fatalf("timeout = %s, want %s", step.Timeout.Duration, tc.want)
			}
		})
	}

	var step StepDef
	if err := yaml.Unmarshal([]byte(`timeout: [1, 2]`), &step); err == nil {
		t.Fatal("list durations must be rejected")
	}
}

func TestDurationJSONRoundTrip(t *testing.T) {
	var step StepDef
	if err := json.Unmarshal([]byte(`{"name":"a","timeout":"45s"}`), &step); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if step.Timeout.Duration != 45*time.Second {
		t.Fatalf("timeout = %s, want 45s", step.Timeout.Duration)
	}

	encoded, err := json.Marshal(Seconds(30))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(encoded) != `"30s"` {
		t.Fatalf("encoded = %s, want \"30s\"", encoded)
	}

	if err := json.Unmarshal([]byte(`{"name":"a","timeout":3}`), &step); err != nil {
		t.Fatalf("unmarshal numeric: %v", err)
	}
	if step.Timeout.Duration != 3*time.Second {
		t.Fatalf("timeout = %s, want 3s", step.Timeout.Duration)
	}
}

const sampleDefinition = `
name: research-digest
description: fetch sources in parallel and distill them
default_model: test-model
default_timeout: 60s
default_retry:
  max_attempts: 3
  backoff: exponential
  delay: 500ms
max_concurrency: 2
fail_fast: true
steps:
  - name: outline
    prompt: outline the topic
  - name: fetch_web
    group: gather
    prompt: "search the web about {outline.result}"
  - name: fetch_papers
    group: gather
    prompt: "find papers about {outline.result}"
    timeout: 30s
  - name: digest
    prompt: "combine {fetch_web.result} and {fetch_papers.result}"
    save_as: summary
`

func TestParseDefinition(t *testing.T) {
	def, err := ParseDefinition([]byte(sampleDefinition))
	if err != nil {
		t.Fatalf("parse definition: %v", err)
	}
	if def.Name != "research-digest" {
		t.Fatalf("name = %q", def.Name)
	}
	if len(def.Steps) != 4 {
		t.Fatalf("steps = %d, want 4", len(def.Steps))
	}
	if def.DefaultTimeout.Duration != time.Minute {
		t.Fatalf("default timeout = %s, want 1m", def.DefaultTimeout.Duration)
	}
	if def.DefaultRetry == nil || def.DefaultRetry.MaxAttempts != 3 {
		t.Fatalf("default retry = %+v", def.DefaultRetry)
	}
	if def.DefaultRetry.Delay.Duration != 500*time.Millisecond {
		t.Fatalf("default retry delay = %s", def.DefaultRetry.Delay.Duration)
	}
	if !def.FailFast || def.MaxConcurrency != 2 {
		t.Fatalf("fail_fast=%v max_concurrency=%d", def.FailFast, def.MaxConcurrency)
	}
	if got := def.Steps[3].storeKey(); got != "summary" {
		t.Fatalf("storeKey = %q, want summary", got)
	}
	if got := def.Steps[0].storeKey(); got != "outline" {
		t.Fatalf("storeKey = %q, want outline", got)
	}
}

func TestParseDefinitionRejectsInvalid(t *testing.T) {
	if _, err := ParseDefinition([]byte(`name: [broken`)); err == nil {
		t.Fatal("broken yaml must be rejected")
	}

	_, err := ParseDefinition([]byte("name: empty\nsteps: []\n"))
	if err == nil {
		t.Fatal("definition without steps must be rejected")
	}
	if code := xerrors.CodeOf(err); code != xerrors.CodeValidation {
		t.Fatalf("error code = %s, want %s", code, xerrors.CodeValidation)
	}
	if !strings.Contains(err.Error(), "has no steps") {
		t.Fatalf("error = %q", err.Error())
	}
}

func TestLoadDefinition(t *testing.T) {
	path := filepath.Join(t.TempDir(), "digest.yaml")
	if err := os.WriteFile(path, []byte(sampleDefinition), 0o644); err != nil {
		t.Fatalf("write definition: %v", err)
	}

	def, err := LoadDefinition(path)
	if err != nil {
		t.Fatalf("load definition: %v", err)
	}
	if def.Name != "research-digest" {
		t.Fatalf("name = %q", def.Name)
	}

	if _, err := LoadDefinition(""); err == nil {
		t.Fatal("empty path must be rejected")
	}
	if _, err := LoadDefinition(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("missing file must be rejected")
	}
}

func TestDefinitionValidate(t *testing.T) {
	def := testDef("ok", StepDef{Name: "a", Prompt: "x"})
	if err := def.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	bad := testDef("bad", StepDef{Name: "a", Prompt: "use {a.result}"})
	if err := bad.Validate(); err == nil {
		t.Fatal("self reference must be rejected")
	}
}

func TestNewWorkflowBuildsRecords(t *testing.T) {
	def := testDef("records",
		StepDef{Name: "a", Prompt: "x"},
		StepDef{Name: "b", Prompt: "x", SaveAs: "draft"},
	)
	wf := NewWorkflow("wf-1", def)

	if wf.Status != StatusPending {
		t.Fatalf("status = %s, want %s", wf.Status, StatusPending)
	}
	if len(wf.Steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(wf.Steps))
	}
	if wf.Steps[1].Key != "draft" {
		t.Fatalf("key = %q, want draft", wf.Steps[1].Key)
	}
	if wf.Steps[0].Status != StepPending {
		t.Fatalf("step status = %s, want %s", wf.Steps[0].Status, StepPending)
	}
	if wf.CreatedAt == 0 || wf.UpdatedAt == 0 {
		t.Fatal("timestamps not set")
	}
}
