package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/bemcculley/auto-merge/internal/metrics"
	"github.com/bemcculley/auto-merge/internal/models"
)

// GitHub caps webhook payloads at 25 MB; anything bigger is not a webhook.
const maxWebhookBody = 25 << 20

// webhookPayload is the slice of a GitHub event body the ingress reads.
type webhookPayload struct {
	Action      string `json:"action"`
	SHA         string `json:"sha"`
	PullRequest *struct {
		Number int `json:"number"`
	} `json:"pull_request"`
	CheckSuite *struct {
		HeadSHA string `json:"head_sha"`
	} `json:"check_suite"`
	Repository *struct {
		Name  string `json:"name"`
		Owner struct {
			Login string `json:"login"`
		} `json:"owner"`
	} `json:"repository"`
	Installation *struct {
		ID int64 `json:"id"`
	} `json:"installation"`
	Sender *struct {
		Login string `json:"login"`
	} `json:"sender"`
}

func (p *webhookPayload) repoRef() (models.RepoRef, bool) {
	if p.Repository == nil || p.Installation == nil || p.Installation.ID == 0 ||
		p.Repository.Owner.Login == "" || p.Repository.Name == "" {
		return models.RepoRef{}, false
	}
	return models.RepoRef{
		InstallationID: p.Installation.ID,
		Owner:          p.Repository.Owner.Login,
		Repo:           p.Repository.Name,
	}, true
}

func (p *webhookPayload) senderLogin() *string {
	if p.Sender == nil || p.Sender.Login == "" {
		return nil
	}
	return &p.Sender.Login
}

// handleWebhook verifies, parses, and enqueues one delivery, then spawns a
// drain for each touched repo. 401 bad signature, 400 bad JSON, 202 for
// everything accepted (including event types the service ignores).
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	event := r.Header.Get("X-GitHub-Event")
	if event == "" {
		event = "unknown"
	}
	action := "unknown"

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		s.respond(w, event, action, http.StatusBadRequest, `{"error":"unreadable body"}`)
		return
	}

	if !verifySignature(s.cfg.WebhookSecret, body, r.Header.Get("X-Hub-Signature-256")) {
		metrics.WebhookInvalidSignatures.Inc()
		s.respond(w, event, action, http.StatusUnauthorized, `{"error":"invalid signature"}`)
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		metrics.WebhookParseFailures.WithLabelValues(event).Inc()
		s.respond(w, event, action, http.StatusBadRequest, `{"error":"invalid JSON payload"}`)
		return
	}
	if payload.Action != "" {
		action = payload.Action
	}

	identities := s.extractIdentities(r.Context(), event, &payload)
	if len(identities) == 0 {
		// Not a PR-bearing event; acknowledged and dropped.
		s.respond(w, event, action, http.StatusAccepted, "")
		return
	}

	touched := make(map[models.RepoRef]bool)
	for _, id := range identities {
		if _, err := s.queue.Enqueue(r.Context(), id); err != nil {
			log.Printf("[webhook] enqueue %s#%d: %v", id.Slug(), id.Number, err)
			continue
		}
		touched[id.RepoRef] = true
	}
	for ref := range touched {
		s.dispatch.Spawn(ref)
	}

	s.respond(w, event, action, http.StatusAccepted, "")
}

// extractIdentities maps an event to the PRs it concerns. pull_request events
// name the PR directly; check_suite and status events only carry a commit, so
// the forge resolves which open PRs have that head.
func (s *Server) extractIdentities(ctx context.Context, event string, p *webhookPayload) []models.PRIdentity {
	switch event {
	case "pull_request":
		ref, ok := p.repoRef()
		if !ok || p.PullRequest == nil || p.PullRequest.Number == 0 {
			return nil
		}
		return []models.PRIdentity{{RepoRef: ref, Number: p.PullRequest.Number, Sender: p.senderLogin()}}

	case "check_suite", "status":
		ref, ok := p.repoRef()
		if !ok {
			return nil
		}
		sha := p.SHA
		if event == "check_suite" {
			if p.CheckSuite == nil {
				return nil
			}
			sha = p.CheckSuite.HeadSHA
		}
		if sha == "" {
			return nil
		}
		prs, err := s.resolve(ref.InstallationID).ListPRsForCommit(ctx, ref, sha)
		if err != nil {
			log.Printf("[webhook] resolve PRs for %s@%s: %v", ref.Slug(), sha, err)
			return nil
		}
		var out []models.PRIdentity
		for _, pr := range prs {
			if pr.Number == 0 {
				continue
			}
			out = append(out, models.PRIdentity{RepoRef: ref, Number: pr.Number, Sender: p.senderLogin()})
		}
		return out
	}
	return nil
}

func (s *Server) respond(w http.ResponseWriter, event, action string, code int, body string) {
	metrics.WebhookRequests.WithLabelValues(event, action, strconv.Itoa(code)).Inc()
	w.WriteHeader(code)
	if body != "" {
		w.Write([]byte(body))
	}
}

// verifySignature checks the X-Hub-Signature-256 HMAC over the raw body. A
// missing secret rejects everything rather than accepting everything.
func verifySignature(secret string, body []byte, header string) bool {
	if secret == "" || header == "" {
		return false
	}
	algo, sig, ok := strings.Cut(header, "=")
	if !ok || algo != "sha256" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(sig)))
}
