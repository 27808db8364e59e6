package models

import (
	"encoding/json"
	"fmt"
)

// RepoRef identifies a repository under a specific app installation.
// Every queue, lease, and drain is scoped by one of these.
type RepoRef struct {
	InstallationID int64
	Owner          string
	Repo           string
}

// Slug returns the "owner/repo" form used in store keys and log lines.
func (r RepoRef) Slug() string {
	return r.Owner + "/" + r.Repo
}

func (r RepoRef) String() string {
	return fmt.Sprintf("%s (installation=%d)", r.Slug(), r.InstallationID)
}

// PRIdentity is one unit of work extracted from a webhook payload.
type PRIdentity struct {
	RepoRef
	Number int
	Sender *string
}

// QueueItem is one queued auto-merge attempt for a pull request. The JSON
// field names are the wire format stored in the Redis queue and DLQ lists.
//
// Timestamp is set on first enqueue and survives requeues; Retries only
// grows; NotBefore delays delivery (0 means immediately).
type QueueItem struct {
	Number    int     `json:"number"`
	Sender    *string `json:"sender"`
	Timestamp float64 `json:"ts"`
	Retries   int     `json:"retries"`
	NotBefore float64 `json:"not_before"`
}

func (q *QueueItem) Encode() (string, error) {
	data, err := json.Marshal(q)
	if err != nil {
		return "", fmt.Errorf("encode queue item: %w", err)
	}
	return string(data), nil
}

func DecodeQueueItem(data string) (*QueueItem, error) {
	var item QueueItem
	if err := json.Unmarshal([]byte(data), &item); err != nil {
		return nil, fmt.Errorf("decode queue item: %w", err)
	}
	return &item, nil
}

// ThrottleState is the per-installation backpressure marker stored under
// the throttle key. Reason is advisory (metrics only).
type ThrottleState struct {
	Until  float64 `json:"until"`
	Reason string  `json:"reason"`
}

// RepoConfig is the per-repository merge policy read from
// .github/automerge.yml (or .yaml). Missing file means all defaults.
type RepoConfig struct {
	Label                  string
	RequireLabel           bool
	MergeMethod            string
	UpdateBranch           bool
	RequireUpToDate        bool
	AllowMergeWhenNoChecks bool
	MaxWaitMinutes         int
	PollIntervalSeconds    int
	TitleTemplate          string
	BodyTemplate           string
}

func DefaultRepoConfig() RepoConfig {
	return RepoConfig{
		Label:                  "automerge",
		RequireLabel:           true,
		MergeMethod:            "squash",
		UpdateBranch:           true,
		RequireUpToDate:        true,
		AllowMergeWhenNoChecks: true,
		MaxWaitMinutes:         60,
		PollIntervalSeconds:    10,
		TitleTemplate:          "{title} (#{number})",
		BodyTemplate:           "{body}\n\nAuto-merged by Auto Merge Bot for PR #{number}",
	}
}

// ValidMergeMethod reports whether m is a merge method the forge accepts.
func ValidMergeMethod(m string) bool {
	switch m {
	case "squash", "rebase", "merge":
		return true
	}
	return false
}

// PullRequest carries the subset of the forge PR payload the worker reads.
// Fields the forge may omit or null out are pointers or zero-value tolerant;
// Mergeable in particular is tri-state (true / false / still computing).
type PullRequest struct {
	Number         int      `json:"number"`
	Title          string   `json:"title"`
	Body           string   `json:"body"`
	Draft          bool     `json:"draft"`
	Locked         bool     `json:"locked"`
	Mergeable      *bool    `json:"mergeable"`
	MergeableState string   `json:"mergeable_state"`
	Labels         []Label  `json:"labels"`
	Head           GitRef   `json:"head"`
	Base           GitRef   `json:"base"`
	User           *Account `json:"user"`
}

// HasLabel reports whether the PR carries a label with the given name.
func (p *PullRequest) HasLabel(name string) bool {
	for _, l := range p.Labels {
		if l.Name == name {
			return true
		}
	}
	return false
}

// UserLogin returns the PR author login, or "" when the forge omitted it.
func (p *PullRequest) UserLogin() string {
	if p.User == nil {
		return ""
	}
	return p.User.Login
}

type Label struct {
	Name string `json:"name"`
}

type GitRef struct {
	Ref string `json:"ref"`
	SHA string `json:"sha"`
}

type Account struct {
	Login string `json:"login"`
}

// CombinedStatus is the rolled-up commit status for a head SHA.
type CombinedStatus struct {
	State      string         `json:"state"`
	TotalCount int            `json:"total_count"`
	Statuses   []CommitStatus `json:"statuses"`
}

// Empty reports whether no individual statuses exist for the commit.
func (c *CombinedStatus) Empty() bool {
	return c.TotalCount == 0 && len(c.Statuses) == 0
}

type CommitStatus struct {
	Context string `json:"context"`
	State   string `json:"state"`
}

// CheckSuite is one check suite attached to a head SHA. Conclusion is ""
// while the suite is still running.
type CheckSuite struct {
	Conclusion string `json:"conclusion"`
}
