package worker

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/bemcculley/auto-merge/internal/config"
	"github.com/bemcculley/auto-merge/internal/models"
	"github.com/bemcculley/auto-merge/internal/queue"
)

const gaugeSweepInterval = 30 * time.Second

// Poller is the safety net behind the webhook path: on an interval it
// re-enqueues open labeled PRs for the configured repos and re-spawns drains
// for any repo that still has queued work. Deferred items whose cooldown
// passed with no webhook traffic resume here.
type Poller struct {
	cfg   *config.Settings
	queue *queue.Queue
	disp  *Dispatcher
	repos []models.RepoRef
}

func NewPoller(cfg *config.Settings, q *queue.Queue, disp *Dispatcher) *Poller {
	p := &Poller{cfg: cfg, queue: q, disp: disp}
	for _, entry := range cfg.ResyncRepos {
		ref, err := ParseRepoEntry(entry)
		if err != nil {
			log.Printf("[resync] skipping bad RESYNC_REPOS entry %q: %v", entry, err)
			continue
		}
		p.repos = append(p.repos, ref)
	}
	return p
}

// ParseRepoEntry parses an "installation:owner/repo" resync entry.
func ParseRepoEntry(entry string) (models.RepoRef, error) {
	instPart, slug, ok := strings.Cut(entry, ":")
	if !ok {
		return models.RepoRef{}, fmt.Errorf("want installation:owner/repo")
	}
	inst, err := strconv.ParseInt(strings.TrimSpace(instPart), 10, 64)
	if err != nil {
		return models.RepoRef{}, fmt.Errorf("bad installation id %q", instPart)
	}
	owner, repo, ok := strings.Cut(strings.TrimSpace(slug), "/")
	if !ok || owner == "" || repo == "" {
		return models.RepoRef{}, fmt.Errorf("bad repo slug %q", slug)
	}
	return models.RepoRef{InstallationID: inst, Owner: owner, Repo: repo}, nil
}

// Run drives the resync loop until the context ends.
func (p *Poller) Run(ctx context.Context) {
	interval := time.Duration(p.cfg.ResyncIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	log.Printf("[resync] polling every %s (%d configured repos)", interval, len(p.repos))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.resyncOnce(ctx)
		}
	}
}

func (p *Poller) resyncOnce(ctx context.Context) {
	for _, ref := range p.repos {
		forge := p.disp.forge(ref.InstallationID)
		cfg, err := LoadRepoConfig(ctx, forge, ref)
		if err != nil {
			log.Printf("[resync] repo config for %s: %v", ref.Slug(), err)
			continue
		}
		prs, err := forge.ListPRsWithLabel(ctx, ref, cfg.Label)
		if err != nil {
			log.Printf("[resync] list PRs for %s: %v", ref.Slug(), err)
			continue
		}
		for _, pr := range prs {
			id := models.PRIdentity{RepoRef: ref, Number: pr.Number}
			if _, err := p.queue.Enqueue(ctx, id); err != nil {
				log.Printf("[resync] enqueue %s#%d: %v", ref.Slug(), pr.Number, err)
			}
		}
		if len(prs) > 0 {
			log.Printf("[resync] %d labeled PRs pending on %s", len(prs), ref.Slug())
		}
	}

	// Repos with queued work but no recent webhook still need a drain; this
	// is what resumes deferred items after their cooldown.
	for _, ref := range p.queue.ListActiveRepos(ctx) {
		depth, err := p.queue.Depth(ctx, ref)
		if err != nil || depth == 0 {
			continue
		}
		p.disp.Spawn(ref)
	}
}

// RunGaugeSweep keeps queue_depth and queue_oldest_age_seconds current for
// every discovered queue, so repos with stalled traffic still report.
func (p *Poller) RunGaugeSweep(ctx context.Context) {
	ticker := time.NewTicker(gaugeSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, ref := range p.queue.ListActiveRepos(ctx) {
				p.queue.UpdateGauges(ctx, ref)
			}
		}
	}
}
