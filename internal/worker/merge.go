package worker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bemcculley/auto-merge/internal/metrics"
	"github.com/bemcculley/auto-merge/internal/models"
)

// Engine runs the merge state machine for queued PRs of one installation.
type Engine struct {
	forge Forge

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewEngine(fc Forge) *Engine {
	return &Engine{forge: fc, now: time.Now, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ProcessItem drives one queued PR through config load, evaluation, the
// optional update-branch detour, and the merge call. The reason explains
// failures; on success it carries the merge summary. A non-nil error means
// the attempt itself broke (forge unreachable, canceled) rather than the PR
// being unmergeable.
func (e *Engine) ProcessItem(ctx context.Context, ref models.RepoRef, number int, hb func()) (bool, string, error) {
	cfg, err := LoadRepoConfig(ctx, e.forge, ref)
	if err != nil {
		return false, "", err
	}

	heartbeat(hb)
	ok, reason, pr, err := e.timedEvaluate(ctx, ref, number, cfg)
	if err != nil {
		return false, "", err
	}
	if !ok {
		if !cfg.UpdateBranch || pr == nil || pr.MergeableState != "behind" {
			return false, reason, nil
		}

		// Behind and allowed to catch up: update the branch, wait for the
		// fresh checks, then evaluate once more.
		heartbeat(hb)
		start := e.now()
		updated, err := e.forge.UpdateBranch(ctx, ref, number)
		metrics.WorkerProcessing.WithLabelValues("update_branch", ref.Owner, ref.Repo).Observe(e.now().Sub(start).Seconds())
		if err != nil {
			return false, "", err
		}
		if !updated {
			metrics.BranchUpdates.WithLabelValues("fail").Inc()
			return false, "update_branch_failed:" + reason, nil
		}
		metrics.BranchUpdates.WithLabelValues("success").Inc()

		green, err := e.waitForChecks(ctx, ref, pr.Head.SHA, cfg, hb)
		if err != nil {
			return false, "", err
		}
		if !green {
			return false, "checks_timeout", nil
		}

		ok, reason, pr, err = e.timedEvaluate(ctx, ref, number, cfg)
		if err != nil {
			return false, "", err
		}
		if !ok {
			return false, "not_mergeable_after_update:" + reason, nil
		}
	}

	title := renderTemplate(cfg.TitleTemplate, pr, number)
	body := renderTemplate(cfg.BodyTemplate, pr, number)
	heartbeat(hb)
	start := e.now()
	merged, msg, err := e.forge.MergePR(ctx, ref, number, cfg.MergeMethod, title, body)
	metrics.WorkerProcessing.WithLabelValues("merge", ref.Owner, ref.Repo).Observe(e.now().Sub(start).Seconds())
	if err != nil {
		return false, "", err
	}
	if !merged {
		metrics.MergeAttempts.WithLabelValues(cfg.MergeMethod, "error").Inc()
		metrics.MergesFailed.WithLabelValues("merge_api_error").Inc()
		return false, "merge_api_error:" + msg, nil
	}
	metrics.MergeAttempts.WithLabelValues(cfg.MergeMethod, "success").Inc()
	metrics.MergesSuccess.WithLabelValues(cfg.MergeMethod).Inc()
	return true, msg, nil
}

func heartbeat(hb func()) {
	if hb != nil {
		hb()
	}
}

func (e *Engine) timedEvaluate(ctx context.Context, ref models.RepoRef, number int, cfg models.RepoConfig) (bool, string, *models.PullRequest, error) {
	start := e.now()
	ok, reason, pr, err := e.evaluate(ctx, ref, number, cfg)
	metrics.WorkerProcessing.WithLabelValues("evaluate", ref.Owner, ref.Repo).Observe(e.now().Sub(start).Seconds())
	return ok, reason, pr, err
}

// evaluate walks the merge gates in order and reports the first blocker.
func (e *Engine) evaluate(ctx context.Context, ref models.RepoRef, number int, cfg models.RepoConfig) (bool, string, *models.PullRequest, error) {
	pr, err := e.forge.GetPR(ctx, ref, number)
	if err != nil || pr == nil {
		return false, "failed_to_fetch", nil, nil
	}
	if pr.Draft {
		return false, "draft", pr, nil
	}
	if pr.Locked {
		return false, "locked", pr, nil
	}
	if cfg.RequireLabel && !pr.HasLabel(cfg.Label) {
		return false, "missing_label", pr, nil
	}
	if cfg.RequireUpToDate && (pr.MergeableState == "behind" || pr.MergeableState == "blocked") {
		return false, "behind_or_blocked:" + pr.MergeableState, pr, nil
	}
	green, err := e.checksGreen(ctx, ref, pr.Head.SHA, cfg)
	if err != nil {
		return false, "", pr, err
	}
	if !green {
		return false, "checks_not_green", pr, nil
	}
	if pr.Mergeable != nil && !*pr.Mergeable {
		return false, "mergeable_false:" + pr.MergeableState, pr, nil
	}
	return true, "mergeable", pr, nil
}

// checksGreen combines the legacy commit status with check-suite
// conclusions. A commit with no checks at all falls back to the repo's
// allow_merge_when_no_checks policy. Skipped suites count as green; a single
// failing suite blocks regardless of its siblings.
func (e *Engine) checksGreen(ctx context.Context, ref models.RepoRef, sha string, cfg models.RepoConfig) (bool, error) {
	combined, err := e.forge.GetCombinedStatus(ctx, ref, sha)
	if err != nil {
		return false, err
	}
	suites, err := e.forge.ListCheckSuites(ctx, ref, sha)
	if err != nil {
		return false, err
	}
	if combined.Empty() && len(suites) == 0 {
		return cfg.AllowMergeWhenNoChecks, nil
	}
	if combined.State != "success" && combined.State != "neutral" {
		return false, nil
	}
	for _, s := range suites {
		switch s.Conclusion {
		case "success", "neutral", "skipped":
		default:
			return false, nil
		}
	}
	return true, nil
}

// waitForChecks polls greenness until it holds or cfg.MaxWaitMinutes pass.
// The heartbeat fires on every poll tick to keep the repo lease alive.
func (e *Engine) waitForChecks(ctx context.Context, ref models.RepoRef, sha string, cfg models.RepoConfig, hb func()) (bool, error) {
	start := e.now()
	deadline := start.Add(time.Duration(cfg.MaxWaitMinutes) * time.Minute)
	interval := time.Duration(cfg.PollIntervalSeconds) * time.Second
	if interval < 5*time.Second {
		interval = 5 * time.Second
	}
	defer func() {
		metrics.ChecksWait.Observe(e.now().Sub(start).Seconds())
	}()
	for e.now().Before(deadline) {
		heartbeat(hb)
		green, err := e.checksGreen(ctx, ref, sha, cfg)
		if err != nil {
			return false, err
		}
		if green {
			return true, nil
		}
		if err := e.sleep(ctx, interval); err != nil {
			return false, err
		}
	}
	return false, nil
}

// renderTemplate fills {number}, {title}, {body}, {head}, {base}, {user}.
func renderTemplate(tpl string, pr *models.PullRequest, number int) string {
	title := pr.Title
	if title == "" {
		title = fmt.Sprintf("PR #%d", number)
	}
	return strings.NewReplacer(
		"{number}", strconv.Itoa(number),
		"{title}", title,
		"{body}", pr.Body,
		"{head}", pr.Head.Ref,
		"{base}", pr.Base.Ref,
		"{user}", pr.UserLogin(),
	).Replace(tpl)
}
