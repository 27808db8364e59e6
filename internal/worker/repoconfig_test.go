package worker

import (
	"context"
	"testing"

	"github.com/bemcculley/auto-merge/internal/models"
)

func TestLoadRepoConfigDefaults(t *testing.T) {
	f := &fakeForge{}
	cfg, err := LoadRepoConfig(context.Background(), f, engineRef)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := models.DefaultRepoConfig()
	if cfg != want {
		t.Fatalf("missing file should yield defaults, got %+v", cfg)
	}
}

func TestLoadRepoConfigYamlFallback(t *testing.T) {
	f := &fakeForge{files: map[string]string{
		".github/automerge.yaml": "merge_method: rebase\n",
	}}
	cfg, err := LoadRepoConfig(context.Background(), f, engineRef)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MergeMethod != "rebase" {
		t.Fatalf("expected .yaml fallback to apply, got %+v", cfg)
	}
}

func TestLoadRepoConfigOverrides(t *testing.T) {
	f := &fakeForge{files: map[string]string{
		".github/automerge.yml": `# merge policy
label: ship-it
require_label: false
merge_method: merge
update_branch: false
require_up_to_date: false
allow_merge_when_no_checks: false
max_wait_minutes: 15
poll_interval_seconds: 30
title_template: "{title} [auto]"
body_template: 'merged {head} into {base}'
some_future_knob: whatever
`,
	}}
	cfg, err := LoadRepoConfig(context.Background(), f, engineRef)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Label != "ship-it" || cfg.RequireLabel || cfg.MergeMethod != "merge" {
		t.Fatalf("bad overrides: %+v", cfg)
	}
	if cfg.UpdateBranch || cfg.RequireUpToDate || cfg.AllowMergeWhenNoChecks {
		t.Fatalf("bool overrides not applied: %+v", cfg)
	}
	if cfg.MaxWaitMinutes != 15 || cfg.PollIntervalSeconds != 30 {
		t.Fatalf("int overrides not applied: %+v", cfg)
	}
	if cfg.TitleTemplate != "{title} [auto]" || cfg.BodyTemplate != "merged {head} into {base}" {
		t.Fatalf("template overrides not applied: %+v", cfg)
	}
}

func TestParseSimpleConfigCoercions(t *testing.T) {
	got := parseSimpleConfig("a: true\nb: FALSE\nc: 7\nd: 2.5\ne: text\nnot-a-pair\n# comment\n\n")
	if got["a"] != true || got["b"] != false {
		t.Errorf("bool coercion failed: %v", got)
	}
	if got["c"] != 7 {
		t.Errorf("int coercion failed: %v", got["c"])
	}
	if got["d"] != 2.5 {
		t.Errorf("float coercion failed: %v", got["d"])
	}
	if got["e"] != "text" {
		t.Errorf("string passthrough failed: %v", got["e"])
	}
	if _, ok := got["not-a-pair"]; ok {
		t.Error("lines without a colon must be skipped")
	}
}

func TestApplyRepoConfigRejectsBadValues(t *testing.T) {
	cfg := models.DefaultRepoConfig()
	applyRepoConfig(&cfg, map[string]any{
		"merge_method":      "fast-forward", // not a real method
		"max_wait_minutes":  -3,
		"label":             "",
		"unknown_key":       42,
		"require_label":     "yes", // wrong type
		"poll_interval_sec": 1,     // misspelled
	})
	want := models.DefaultRepoConfig()
	if cfg != want {
		t.Fatalf("invalid values must keep defaults, got %+v", cfg)
	}
}
