// Package github exposes the GitHub surface the orchestration core
// depends on. The core only sees the Client interface; the REST
// implementation (go-github + App installation auth) lives beside it
// and can be swapped out entirely in tests.
package github

import (
	"context"
	"errors"
	"fmt"
)

// Issue is the slice of a GitHub issue the core needs.
type Issue struct {
	Number  int
	Title   string
	Body    string
	State   string
	Labels  []string
	Creator string
}

// HasLabel reports whether the issue carries the label.
func (i *Issue) HasLabel(name string) bool {
	for _, l := range i.Labels {
		if l == name {
			return true
		}
	}
	return false
}

// PullRequest is the slice of a GitHub pull request the core needs.
type PullRequest struct {
	Number         int
	Title          string
	Body           string
	State          string
	Merged         bool
	Draft          bool
	HeadRef        string
	HeadSHA        string
	BaseRef        string
	MergeableState string
	BehindBy       int
	Labels         []string
	Author         string
}

// ReviewComment is one inline review comment.
type ReviewComment struct {
	Path     string `json:"path"`
	Position int    `json:"position"`
	Body     string `json:"body"`
}

// CheckStatus is one CI status context on a commit.
type CheckStatus struct {
	Context string
	State   string
}

// CombinedStatus is the rolled-up CI state of a commit.
type CombinedStatus struct {
	State    string
	Statuses []CheckStatus
}

// Client is everything the core calls on GitHub. All operations target
// the single configured repository.
type Client interface {
	// Issues.
	GetIssue(ctx context.Context, number int) (*Issue, error)
	CreateIssue(ctx context.Context, title, body string, labels []string) (int, error)
	CloseIssue(ctx context.Context, number int) error
	CommentOnIssue(ctx context.Context, number int, body string) (int64, error)
	AssignIssue(ctx context.Context, number int, assignees []string) error
	AddLabels(ctx context.Context, number int, labels []string) error
	RemoveLabel(ctx context.Context, number int, label string) error
	ListOpenIssues(ctx context.Context) ([]*Issue, error)
	EnsureLabelsExist(ctx context.Context, labels []string) error

	// Pull requests.
	GetPullRequest(ctx context.Context, number int) (*PullRequest, error)
	CreatePullRequest(ctx context.Context, title, body, head, base string) (int, error)
	ListOpenPullRequests(ctx context.Context) ([]*PullRequest, error)
	SubmitPRReview(ctx context.Context, number int, body, event string, comments []ReviewComment) (int64, error)
	MergePullRequest(ctx context.Context, number int, method string) error
	GetCombinedStatus(ctx context.Context, ref string) (*CombinedStatus, error)
}

// StatusError carries the HTTP status of a failed GitHub call so
// callers can branch on 403 (the bot-authored REQUEST_CHANGES case).
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("github: HTTP %d: %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err is (or wraps) a StatusError with the
// given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}
