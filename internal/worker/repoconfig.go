// Package worker drains repo queues: it owns the per-repo lease for the
// duration of a drain, runs each popped PR through the merge state machine,
// and classifies failures into retry, dead-letter, starvation, or drop.
package worker

import (
	"context"
	"strconv"
	"strings"

	"github.com/bemcculley/auto-merge/internal/models"
)

// Forge is the slice of the API client the worker consumes. Satisfied by
// *github.Client; tests script it.
type Forge interface {
	GetPR(ctx context.Context, ref models.RepoRef, number int) (*models.PullRequest, error)
	GetCombinedStatus(ctx context.Context, ref models.RepoRef, sha string) (*models.CombinedStatus, error)
	ListCheckSuites(ctx context.Context, ref models.RepoRef, sha string) ([]models.CheckSuite, error)
	UpdateBranch(ctx context.Context, ref models.RepoRef, number int) (bool, error)
	MergePR(ctx context.Context, ref models.RepoRef, number int, method, title, message string) (bool, string, error)
	LoadRepoFile(ctx context.Context, ref models.RepoRef, path string) (string, bool, error)
	ListPRsWithLabel(ctx context.Context, ref models.RepoRef, label string) ([]models.PullRequest, error)
}

// LoadRepoConfig reads .github/automerge.yml (or .yaml) from the repo's
// default branch. A missing or unparseable file means defaults.
func LoadRepoConfig(ctx context.Context, fc Forge, ref models.RepoRef) (models.RepoConfig, error) {
	content, found, err := fc.LoadRepoFile(ctx, ref, ".github/automerge.yml")
	if err != nil {
		return models.RepoConfig{}, err
	}
	if !found {
		content, found, err = fc.LoadRepoFile(ctx, ref, ".github/automerge.yaml")
		if err != nil {
			return models.RepoConfig{}, err
		}
	}
	cfg := models.DefaultRepoConfig()
	if found {
		applyRepoConfig(&cfg, parseSimpleConfig(content))
	}
	return cfg, nil
}

// parseSimpleConfig reads KEY: VALUE lines with #-comments. Values coerce to
// bool, int, float, then string, with surrounding quotes stripped. This is
// deliberately not a YAML parser: the template values ({title} and friends)
// are not valid YAML scalars.
func parseSimpleConfig(text string) map[string]any {
	out := make(map[string]any)
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		switch strings.ToLower(value) {
		case "true":
			out[key] = true
			continue
		case "false":
			out[key] = false
			continue
		}
		if n, err := strconv.Atoi(value); err == nil {
			out[key] = n
			continue
		}
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			out[key] = f
			continue
		}
		out[key] = value
	}
	return out
}

// applyRepoConfig overlays parsed values onto the defaults. Unknown keys and
// values of the wrong type are ignored; an invalid merge_method keeps the
// default rather than failing the whole config.
func applyRepoConfig(cfg *models.RepoConfig, user map[string]any) {
	for key, value := range user {
		switch key {
		case "label":
			if s, ok := value.(string); ok && s != "" {
				cfg.Label = s
			}
		case "require_label":
			if b, ok := value.(bool); ok {
				cfg.RequireLabel = b
			}
		case "merge_method":
			if s, ok := value.(string); ok && models.ValidMergeMethod(s) {
				cfg.MergeMethod = s
			}
		case "update_branch":
			if b, ok := value.(bool); ok {
				cfg.UpdateBranch = b
			}
		case "require_up_to_date":
			if b, ok := value.(bool); ok {
				cfg.RequireUpToDate = b
			}
		case "allow_merge_when_no_checks":
			if b, ok := value.(bool); ok {
				cfg.AllowMergeWhenNoChecks = b
			}
		case "max_wait_minutes":
			if n, ok := value.(int); ok && n > 0 {
				cfg.MaxWaitMinutes = n
			}
		case "poll_interval_seconds":
			if n, ok := value.(int); ok && n > 0 {
				cfg.PollIntervalSeconds = n
			}
		case "title_template":
			if s, ok := value.(string); ok && s != "" {
				cfg.TitleTemplate = s
			}
		case "body_template":
			if s, ok := value.(string); ok && s != "" {
				cfg.BodyTemplate = s
			}
		}
	}
}
