package queue

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bemcculley/auto-merge/internal/models"
)

// Keys builds the namespaced key layout shared by the queue, lease, and
// throttle state. Every key carries the installation id so tokens, locks,
// and backpressure stay scoped to one installation.
type Keys struct {
	Namespace string
}

func (k Keys) Queue(ref models.RepoRef) string {
	return fmt.Sprintf("%s:queue:%d:%s", k.Namespace, ref.InstallationID, ref.Slug())
}

// Meta is a hash next to the queue list holding the first-enqueue timestamp.
func (k Keys) Meta(ref models.RepoRef) string {
	return k.Queue(ref) + ":meta"
}

func (k Keys) Dedupe(ref models.RepoRef) string {
	return fmt.Sprintf("%s:dedupe:%d:%s", k.Namespace, ref.InstallationID, ref.Slug())
}

func (k Keys) Lock(ref models.RepoRef) string {
	return fmt.Sprintf("%s:lock:%d:%s", k.Namespace, ref.InstallationID, ref.Slug())
}

func (k Keys) DeadLetter(ref models.RepoRef) string {
	return fmt.Sprintf("%s:dlq:%d:%s", k.Namespace, ref.InstallationID, ref.Slug())
}

func (k Keys) Throttle(installationID int64) string {
	return fmt.Sprintf("%s:throttle:%d", k.Namespace, installationID)
}

// QueuePattern matches every queue list key (and their meta hashes, which
// ParseQueueKey filters back out).
func (k Keys) QueuePattern() string {
	return k.Namespace + ":queue:*"
}

// ParseQueueKey recovers the repo reference from a queue list key. Returns
// false for meta hashes and anything else that does not parse.
func (k Keys) ParseQueueKey(key string) (models.RepoRef, bool) {
	if strings.HasSuffix(key, ":meta") {
		return models.RepoRef{}, false
	}
	prefix := k.Namespace + ":queue:"
	if !strings.HasPrefix(key, prefix) {
		return models.RepoRef{}, false
	}
	rest := strings.TrimPrefix(key, prefix)
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 {
		return models.RepoRef{}, false
	}
	inst, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return models.RepoRef{}, false
	}
	slug := strings.SplitN(parts[1], "/", 2)
	if len(slug) != 2 || slug[0] == "" || slug[1] == "" {
		return models.RepoRef{}, false
	}
	return models.RepoRef{InstallationID: inst, Owner: slug[0], Repo: slug[1]}, true
}
