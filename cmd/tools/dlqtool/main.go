// dlqtool inspects and repairs per-repo dead-letter queues.
//
// Usage:
//
//	dlqtool -installation 42 -repo octo/hello list
//	dlqtool -installation 42 -repo octo/hello requeue [-number 6]
//	dlqtool -installation 42 -repo octo/hello purge
//
// requeue moves items back into the live queue with their retry counter
// reset so they get a fresh retry budget. purge deletes the dead-letter
// list outright.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/bemcculley/auto-merge/internal/models"
	"github.com/bemcculley/auto-merge/internal/queue"
	"github.com/bemcculley/auto-merge/internal/store"
)

func main() {
	installation := flag.Int64("installation", 0, "installation id")
	repoSlug := flag.String("repo", "", "repository as owner/name")
	number := flag.Int("number", 0, "only act on this PR number (requeue)")
	flag.Parse()

	action := flag.Arg(0)
	if action == "" {
		action = "list"
	}

	owner, name, ok := strings.Cut(*repoSlug, "/")
	if *installation == 0 || !ok || owner == "" || name == "" {
		log.Fatalf("need -installation and -repo owner/name (got %q)", *repoSlug)
	}
	ref := models.RepoRef{InstallationID: *installation, Owner: owner, Repo: name}

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		redisURL = "redis://localhost:6379/0"
	}
	namespace := os.Getenv("REDIS_NAMESPACE")
	if namespace == "" {
		namespace = "automerge"
	}

	ctx := context.Background()
	st, err := store.Open(ctx, redisURL)
	if err != nil {
		log.Fatalf("Unable to connect to Redis: %v", err)
	}
	defer st.Close()

	keys := queue.Keys{Namespace: namespace}
	q := queue.New(st, namespace, queue.BackoffPolicy{BaseSeconds: 5, Factor: 2, MaxSeconds: 120})
	dlqKey := keys.DeadLetter(ref)

	switch action {
	case "list":
		entries, err := st.ListRange(ctx, dlqKey, 0, -1)
		if err != nil {
			log.Fatalf("Failed to read DLQ: %v", err)
		}
		if len(entries) == 0 {
			fmt.Printf("DLQ for %s is empty.\n", ref.Slug())
			return
		}
		fmt.Printf("%d dead-lettered item(s) for %s:\n", len(entries), ref.Slug())
		for i, raw := range entries {
			item, err := models.DecodeQueueItem(raw)
			if err != nil {
				fmt.Printf("%4d. <undecodable: %v>\n", i+1, err)
				continue
			}
			age := time.Since(time.Unix(int64(item.Timestamp), 0)).Round(time.Second)
			fmt.Printf("%4d. PR #%d retries=%d enqueued %s ago\n", i+1, item.Number, item.Retries, age)
		}

	case "requeue":
		moved := 0
		kept := 0
		for {
			raw, found, err := st.ListPopHead(ctx, dlqKey)
			if err != nil {
				log.Fatalf("Failed to pop DLQ: %v", err)
			}
			if !found {
				break
			}
			item, err := models.DecodeQueueItem(raw)
			if err != nil {
				log.Printf("Dropping undecodable DLQ entry: %v", err)
				continue
			}
			if *number != 0 && item.Number != *number {
				// Not the requested PR; keep it dead-lettered.
				if err := st.ListPushTail(ctx, dlqKey, raw); err != nil {
					log.Fatalf("Failed to restore DLQ entry: %v", err)
				}
				kept++
				// A full rotation means we have seen everything.
				if n, _ := st.ListLen(ctx, dlqKey); kept >= int(n) {
					break
				}
				continue
			}
			item.Retries = 0
			item.NotBefore = 0
			if err := q.RequeueTail(ctx, ref, item); err != nil {
				log.Fatalf("Failed to requeue PR #%d: %v", item.Number, err)
			}
			moved++
		}
		fmt.Printf("Requeued %d item(s) into the live queue for %s.\n", moved, ref.Slug())
		if moved > 0 {
			fmt.Println("Trigger a drain (webhook or resync poller) to process them.")
		}

	case "purge":
		entries, err := st.ListRange(ctx, dlqKey, 0, -1)
		if err != nil {
			log.Fatalf("Failed to read DLQ: %v", err)
		}
		if err := st.Delete(ctx, dlqKey); err != nil {
			log.Fatalf("Failed to purge DLQ: %v", err)
		}
		fmt.Printf("Purged %d item(s) from the DLQ for %s.\n", len(entries), ref.Slug())

	default:
		log.Fatalf("Unknown action %q (want list, requeue, or purge)", action)
	}
}
