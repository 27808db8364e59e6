package github

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/bemcculley/auto-merge/internal/metrics"
	"github.com/bemcculley/auto-merge/internal/models"
)

// GetPR fetches a pull request. A nil result without error means the forge
// answered with a non-200 (deleted PR, revoked access).
func (c *Client) GetPR(ctx context.Context, ref models.RepoRef, number int) (*models.PullRequest, error) {
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d", ref.Owner, ref.Repo, number)
	resp, err := c.do(ctx, http.MethodGet, path, "GET /repos/{owner}/{repo}/pulls/{number}", nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil
	}
	var pr models.PullRequest
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, fmt.Errorf("decode pull request %s#%d: %w", ref.Slug(), number, err)
	}
	return &pr, nil
}

// ListPRsForCommit resolves the open PRs whose head is the given commit.
// Used to map check_suite and status events back to pull requests.
func (c *Client) ListPRsForCommit(ctx context.Context, ref models.RepoRef, sha string) ([]models.PullRequest, error) {
	path := fmt.Sprintf("/repos/%s/%s/commits/%s/pulls", ref.Owner, ref.Repo, sha)
	resp, err := c.do(ctx, http.MethodGet, path, "GET /repos/{owner}/{repo}/commits/{sha}/pulls", nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil
	}
	var prs []models.PullRequest
	if err := json.NewDecoder(resp.Body).Decode(&prs); err != nil {
		log.Printf("[github] bad commit-pulls payload for %s@%s: %v", ref.Slug(), sha, err)
		return nil, nil
	}
	return prs, nil
}

// ListPRsWithLabel pages through the open PRs of a repo and keeps the ones
// carrying the label. Label filtering happens client-side; the list API has
// no label parameter for pulls.
func (c *Client) ListPRsWithLabel(ctx context.Context, ref models.RepoRef, label string) ([]models.PullRequest, error) {
	path := fmt.Sprintf("/repos/%s/%s/pulls", ref.Owner, ref.Repo)
	var out []models.PullRequest
	for page := 1; ; page++ {
		query := url.Values{
			"state":    {"open"},
			"per_page": {"100"},
			"page":     {strconv.Itoa(page)},
		}
		resp, err := c.do(ctx, http.MethodGet, path, "GET /repos/{owner}/{repo}/pulls", query, nil)
		if err != nil {
			return out, err
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			break
		}
		var batch []models.PullRequest
		err = json.NewDecoder(resp.Body).Decode(&batch)
		resp.Body.Close()
		if err != nil {
			return out, fmt.Errorf("decode pull list for %s: %w", ref.Slug(), err)
		}
		for _, pr := range batch {
			if pr.HasLabel(label) {
				out = append(out, pr)
			}
		}
		if len(batch) < 100 {
			break
		}
	}
	return out, nil
}

// GetCombinedStatus fetches the combined commit status. Non-200 responses
// degrade to "pending" so callers treat the commit as not yet green.
func (c *Client) GetCombinedStatus(ctx context.Context, ref models.RepoRef, sha string) (*models.CombinedStatus, error) {
	path := fmt.Sprintf("/repos/%s/%s/commits/%s/status", ref.Owner, ref.Repo, sha)
	resp, err := c.do(ctx, http.MethodGet, path, "GET /repos/{owner}/{repo}/commits/{sha}/status", nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &models.CombinedStatus{State: "pending"}, nil
	}
	var combined models.CombinedStatus
	if err := json.NewDecoder(resp.Body).Decode(&combined); err != nil {
		return nil, fmt.Errorf("decode combined status for %s@%s: %w", ref.Slug(), sha, err)
	}
	return &combined, nil
}

// ListCheckSuites fetches the check suites for a commit. Non-200 responses
// degrade to an empty list.
func (c *Client) ListCheckSuites(ctx context.Context, ref models.RepoRef, sha string) ([]models.CheckSuite, error) {
	path := fmt.Sprintf("/repos/%s/%s/commits/%s/check-suites", ref.Owner, ref.Repo, sha)
	resp, err := c.do(ctx, http.MethodGet, path, "GET /repos/{owner}/{repo}/commits/{sha}/check-suites", nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil
	}
	var wrapper struct {
		CheckSuites []models.CheckSuite `json:"check_suites"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wrapper); err != nil {
		return nil, fmt.Errorf("decode check suites for %s@%s: %w", ref.Slug(), sha, err)
	}
	return wrapper.CheckSuites, nil
}

// UpdateBranch asks the forge to merge the base branch into the PR head.
// The API acknowledges with 202 (or 200) and performs the update async.
func (c *Client) UpdateBranch(ctx context.Context, ref models.RepoRef, number int) (bool, error) {
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/update-branch", ref.Owner, ref.Repo, number)
	resp, err := c.do(ctx, http.MethodPut, path, "PUT /repos/{owner}/{repo}/pulls/{number}/update-branch", nil, nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted, nil
}

// MergePR attempts the merge. The message reports either the success line or
// the forge's rejection, status code included.
func (c *Client) MergePR(ctx context.Context, ref models.RepoRef, number int, method, title, message string) (bool, string, error) {
	body := map[string]string{
		"merge_method":   method,
		"commit_title":   title,
		"commit_message": message,
	}
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/merge", ref.Owner, ref.Repo, number)
	resp, err := c.do(ctx, http.MethodPut, path, "PUT /repos/{owner}/{repo}/pulls/{number}/merge", nil, body)
	if err != nil {
		return false, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		return true, fmt.Sprintf("Merged PR #%d via %s", number, method), nil
	}
	return false, fmt.Sprintf("merge failed for PR #%d: %d %s", number, resp.StatusCode, readAPIMessage(resp)), nil
}

// LoadRepoFile fetches a file through the contents API. The second return is
// false when the file is missing or cannot be decoded.
func (c *Client) LoadRepoFile(ctx context.Context, ref models.RepoRef, filePath string) (string, bool, error) {
	path := fmt.Sprintf("/repos/%s/%s/contents/%s", ref.Owner, ref.Repo, filePath)
	resp, err := c.do(ctx, http.MethodGet, path, "GET /repos/{owner}/{repo}/contents/{path}", nil, nil)
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", false, nil
	}
	var file struct {
		Encoding string `json:"encoding"`
		Content  string `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&file); err != nil {
		metrics.ConfigLoadFailures.Inc()
		return "", false, nil
	}
	if file.Encoding != "base64" {
		return "", false, nil
	}
	// The contents API wraps base64 with newlines.
	data, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(file.Content), ""))
	if err != nil {
		metrics.ConfigLoadFailures.Inc()
		return "", false, nil
	}
	return string(data), true, nil
}

func readAPIMessage(resp *http.Response) string {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return ""
	}
	var apiErr struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &apiErr); err == nil && apiErr.Message != "" {
		return apiErr.Message
	}
	return strings.TrimSpace(string(data))
}
