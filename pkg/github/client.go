package github

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	gh "github.com/google/go-github/v68/github"
)

// RestClient implements Client against the GitHub REST API using a
// GitHub App installation token. All calls go through the rate-limit
// guard (see ratelimit.go).
type RestClient struct {
	gh    *gh.Client
	owner string
	repo  string
	guard *rateLimitGuard
}

// Options configures a RestClient.
type Options struct {
	Owner string
	Repo  string

	// App credentials. When AppID is empty, Token is used directly
	// (useful for local development with a PAT).
	AppID          string
	PrivateKeyPEM  string
	InstallationID string
	Token          string

	// RateLimitReserve is the remaining-call threshold below which
	// requests serialize and wait for the reset window. Default 50.
	RateLimitReserve int

	// BaseURL overrides the API endpoint (tests).
	BaseURL string
}

// NewRestClient builds the REST client. With App credentials an
// auto-refreshing installation-token transport is installed.
func NewRestClient(opts Options) (*RestClient, error) {
	if opts.Owner == "" || opts.Repo == "" {
		return nil, fmt.Errorf("github: owner and repo are required")
	}
	if opts.RateLimitReserve <= 0 {
		opts.RateLimitReserve = 50
	}

	var httpClient *http.Client
	switch {
	case opts.AppID != "":
		transport, err := newAppTransport(opts.AppID, opts.PrivateKeyPEM, opts.InstallationID, opts.BaseURL)
		if err != nil {
			return nil, err
		}
		httpClient = &http.Client{Transport: transport}
	case opts.Token != "":
		httpClient = nil // WithAuthToken below
	default:
		return nil, fmt.Errorf("github: either App credentials or a token is required")
	}

	client := gh.NewClient(httpClient)
	if opts.Token != "" && opts.AppID == "" {
		client = client.WithAuthToken(opts.Token)
	}
	if opts.BaseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(opts.BaseURL, opts.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("github: invalid base url: %w", err)
		}
	}

	return &RestClient{
		gh:    client,
		owner: opts.Owner,
		repo:  opts.Repo,
		guard: newRateLimitGuard(opts.RateLimitReserve),
	}, nil
}

func wrapErr(resp *gh.Response, err error) error {
	if err == nil {
		return nil
	}
	if resp != nil && resp.Response != nil {
		return &StatusError{StatusCode: resp.StatusCode, Message: err.Error()}
	}
	return err
}

func (c *RestClient) track(resp *gh.Response) {
	if resp != nil {
		c.guard.observe(resp)
	}
}

// ── Issues ───────────────────────────────────────────────────────────

func (c *RestClient) GetIssue(ctx context.Context, number int) (*Issue, error) {
	if err := c.guard.wait(ctx); err != nil {
		return nil, err
	}
	issue, resp, err := c.gh.Issues.Get(ctx, c.owner, c.repo, number)
	c.track(resp)
	if err != nil {
		return nil, wrapErr(resp, err)
	}
	return convertIssue(issue), nil
}

func (c *RestClient) CreateIssue(ctx context.Context, title, body string, labels []string) (int, error) {
	if err := c.guard.wait(ctx); err != nil {
		return 0, err
	}
	req := &gh.IssueRequest{Title: gh.Ptr(title), Body: gh.Ptr(body)}
	if len(labels) > 0 {
		req.Labels = &labels
	}
	issue, resp, err := c.gh.Issues.Create(ctx, c.owner, c.repo, req)
	c.track(resp)
	if err != nil {
		return 0, wrapErr(resp, err)
	}
	return issue.GetNumber(), nil
}

func (c *RestClient) CloseIssue(ctx context.Context, number int) error {
	if err := c.guard.wait(ctx); err != nil {
		return err
	}
	_, resp, err := c.gh.Issues.Edit(ctx, c.owner, c.repo, number,
		&gh.IssueRequest{State: gh.Ptr("closed")})
	c.track(resp)
	return wrapErr(resp, err)
}

func (c *RestClient) CommentOnIssue(ctx context.Context, number int, body string) (int64, error) {
	if err := c.guard.wait(ctx); err != nil {
		return 0, err
	}
	comment, resp, err := c.gh.Issues.CreateComment(ctx, c.owner, c.repo, number,
		&gh.IssueComment{Body: gh.Ptr(body)})
	c.track(resp)
	if err != nil {
		return 0, wrapErr(resp, err)
	}
	return comment.GetID(), nil
}

func (c *RestClient) AssignIssue(ctx context.Context, number int, assignees []string) error {
	if err := c.guard.wait(ctx); err != nil {
		return err
	}
	_, resp, err := c.gh.Issues.AddAssignees(ctx, c.owner, c.repo, number, assignees)
	c.track(resp)
	return wrapErr(resp, err)
}

func (c *RestClient) AddLabels(ctx context.Context, number int, labels []string) error {
	if err := c.guard.wait(ctx); err != nil {
		return err
	}
	_, resp, err := c.gh.Issues.AddLabelsToIssue(ctx, c.owner, c.repo, number, labels)
	c.track(resp)
	return wrapErr(resp, err)
}

func (c *RestClient) RemoveLabel(ctx context.Context, number int, label string) error {
	if err := c.guard.wait(ctx); err != nil {
		return err
	}
	resp, err := c.gh.Issues.RemoveLabelForIssue(ctx, c.owner, c.repo, number, label)
	c.track(resp)
	if IsStatus(wrapErr(resp, err), http.StatusNotFound) {
		return nil
	}
	return wrapErr(resp, err)
}

func (c *RestClient) ListOpenIssues(ctx context.Context) ([]*Issue, error) {
	var all []*Issue
	opts := &gh.IssueListByRepoOptions{
		State:       "open",
		ListOptions: gh.ListOptions{PerPage: 100},
	}
	for {
		if err := c.guard.wait(ctx); err != nil {
			return nil, err
		}
		issues, resp, err := c.gh.Issues.ListByRepo(ctx, c.owner, c.repo, opts)
		c.track(resp)
		if err != nil {
			return nil, wrapErr(resp, err)
		}
		for _, issue := range issues {
			if issue.IsPullRequest() {
				continue
			}
			all = append(all, convertIssue(issue))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

func (c *RestClient) EnsureLabelsExist(ctx context.Context, labels []string) error {
	for _, name := range labels {
		if err := c.guard.wait(ctx); err != nil {
			return err
		}
		_, resp, err := c.gh.Issues.CreateLabel(ctx, c.owner, c.repo, &gh.Label{Name: gh.Ptr(name)})
		c.track(resp)
		// 422 means the label already exists — idempotent.
		if err != nil && !IsStatus(wrapErr(resp, err), http.StatusUnprocessableEntity) {
			return wrapErr(resp, err)
		}
	}
	return nil
}

// ── Pull requests ────────────────────────────────────────────────────

func (c *RestClient) GetPullRequest(ctx context.Context, number int) (*PullRequest, error) {
	if err := c.guard.wait(ctx); err != nil {
		return nil, err
	}
	pr, resp, err := c.gh.PullRequests.Get(ctx, c.owner, c.repo, number)
	c.track(resp)
	if err != nil {
		return nil, wrapErr(resp, err)
	}
	return convertPR(pr), nil
}

func (c *RestClient) CreatePullRequest(ctx context.Context, title, body, head, base string) (int, error) {
	if err := c.guard.wait(ctx); err != nil {
		return 0, err
	}
	pr, resp, err := c.gh.PullRequests.Create(ctx, c.owner, c.repo, &gh.NewPullRequest{
		Title: gh.Ptr(title),
		Body:  gh.Ptr(body),
		Head:  gh.Ptr(head),
		Base:  gh.Ptr(base),
	})
	c.track(resp)
	if err != nil {
		return 0, wrapErr(resp, err)
	}
	return pr.GetNumber(), nil
}

func (c *RestClient) ListOpenPullRequests(ctx context.Context) ([]*PullRequest, error) {
	var all []*PullRequest
	opts := &gh.PullRequestListOptions{
		State:       "open",
		ListOptions: gh.ListOptions{PerPage: 100},
	}
	for {
		if err := c.guard.wait(ctx); err != nil {
			return nil, err
		}
		prs, resp, err := c.gh.PullRequests.List(ctx, c.owner, c.repo, opts)
		c.track(resp)
		if err != nil {
			return nil, wrapErr(resp, err)
		}
		for _, pr := range prs {
			all = append(all, convertPR(pr))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

func (c *RestClient) SubmitPRReview(ctx context.Context, number int, body, event string, comments []ReviewComment) (int64, error) {
	if err := c.guard.wait(ctx); err != nil {
		return 0, err
	}
	req := &gh.PullRequestReviewRequest{
		Body:  gh.Ptr(body),
		Event: gh.Ptr(strings.ToUpper(event)),
	}
	for _, rc := range comments {
		req.Comments = append(req.Comments, &gh.DraftReviewComment{
			Path:     gh.Ptr(rc.Path),
			Position: gh.Ptr(rc.Position),
			Body:     gh.Ptr(rc.Body),
		})
	}
	review, resp, err := c.gh.PullRequests.CreateReview(ctx, c.owner, c.repo, number, req)
	c.track(resp)
	if err != nil {
		return 0, wrapErr(resp, err)
	}
	return review.GetID(), nil
}

func (c *RestClient) MergePullRequest(ctx context.Context, number int, method string) error {
	if err := c.guard.wait(ctx); err != nil {
		return err
	}
	if method == "" {
		method = "squash"
	}
	_, resp, err := c.gh.PullRequests.Merge(ctx, c.owner, c.repo, number, "",
		&gh.PullRequestOptions{MergeMethod: method})
	c.track(resp)
	return wrapErr(resp, err)
}

func (c *RestClient) GetCombinedStatus(ctx context.Context, ref string) (*CombinedStatus, error) {
	if err := c.guard.wait(ctx); err != nil {
		return nil, err
	}
	combined, resp, err := c.gh.Repositories.GetCombinedStatus(ctx, c.owner, c.repo, ref,
		&gh.ListOptions{PerPage: 100})
	c.track(resp)
	if err != nil {
		return nil, wrapErr(resp, err)
	}

	out := &CombinedStatus{State: combined.GetState()}
	for _, s := range combined.Statuses {
		out.Statuses = append(out.Statuses, CheckStatus{
			Context: s.GetContext(),
			State:   s.GetState(),
		})
	}
	return out, nil
}

// ── conversions ──────────────────────────────────────────────────────

func convertIssue(issue *gh.Issue) *Issue {
	out := &Issue{
		Number:  issue.GetNumber(),
		Title:   issue.GetTitle(),
		Body:    issue.GetBody(),
		State:   issue.GetState(),
		Creator: issue.GetUser().GetLogin(),
	}
	for _, l := range issue.Labels {
		out.Labels = append(out.Labels, l.GetName())
	}
	return out
}

func convertPR(pr *gh.PullRequest) *PullRequest {
	out := &PullRequest{
		Number:         pr.GetNumber(),
		Title:          pr.GetTitle(),
		Body:           pr.GetBody(),
		State:          pr.GetState(),
		Merged:         pr.GetMerged(),
		Draft:          pr.GetDraft(),
		HeadRef:        pr.GetHead().GetRef(),
		HeadSHA:        pr.GetHead().GetSHA(),
		BaseRef:        pr.GetBase().GetRef(),
		MergeableState: pr.GetMergeableState(),
		Author:         pr.GetUser().GetLogin(),
	}
	for _, l := range pr.Labels {
		out.Labels = append(out.Labels, l.GetName())
	}
	return out
}
