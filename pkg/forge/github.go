package forge

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-kit/kit/log"
	"github.com/google/go-github/v28/github"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

// GitHub is a Forge bound to one GitHub account via a personal access
// token.
type GitHub struct {
	client *github.Client
	user   string
	token  string
	logger log.Logger
}

var _ Forge = &GitHub{}

// NewGitHub authenticates against GitHub and learns the account login.
// API calls are rate limited to rps requests per second.
func NewGitHub(ctx context.Context, token string, rps float64, logger log.Logger) (*GitHub, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(ctx, ts)
	tc.Transport = RateLimitedTransport(tc.Transport, rps, 5)
	client := github.NewClient(tc)

	self, _, err := client.Users.Get(ctx, "")
	if err != nil {
		return nil, errors.Wrap(err, "getting authenticated user")
	}
	return &GitHub{
		client: client,
		user:   self.GetLogin(),
		token:  token,
		logger: logger,
	}, nil
}

func (g *GitHub) Kind() string { return "github" }
func (g *GitHub) User() string { return g.user }

// parsePullURL splits a pull request web URL into its coordinates.
func parsePullURL(rawurl string) (owner, repo string, number int, err error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return "", "", 0, errors.Wrapf(err, "parsing %q", rawurl)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) != 4 || parts[2] != "pull" {
		return "", "", 0, errors.Errorf("not a pull request URL: %q", rawurl)
	}
	number, err = strconv.Atoi(parts[3])
	if err != nil {
		return "", "", 0, errors.Errorf("not a pull request URL: %q", rawurl)
	}
	return parts[0], parts[1], number, nil
}

func mapGitHubError(err error) error {
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		switch ghErr.Response.StatusCode {
		case http.StatusNotFound, http.StatusGone:
			return ErrProposalNotFound
		case http.StatusUnauthorized, http.StatusForbidden:
			return errors.Wrap(ErrPermissionDenied, err.Error())
		}
	}
	return err
}

func (g *GitHub) GetProposal(ctx context.Context, rawurl string) (*Proposal, error) {
	owner, repo, number, err := parsePullURL(rawurl)
	if err != nil {
		return nil, err
	}
	pr, _, err := g.client.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return nil, mapGitHubError(err)
	}
	return g.proposalFromPR(ctx, owner, repo, pr), nil
}

func (g *GitHub) proposalFromPR(ctx context.Context, owner, repo string, pr *github.PullRequest) *Proposal {
	status := StatusOpen
	switch {
	case pr.GetMerged() || pr.MergedAt != nil:
		status = StatusMerged
	case pr.GetState() == "closed":
		status = g.classifyClosed(ctx, owner, repo, pr.GetNumber())
	}
	p := &Proposal{
		URL:         pr.GetHTMLURL(),
		WebURL:      pr.GetHTMLURL(),
		Status:      status,
		Revision:    pr.GetHead().GetSHA(),
		CanBeMerged: pr.Mergeable,
		Description: pr.GetBody(),
	}
	if head := pr.GetHead(); head != nil {
		p.SourceBranchName = head.GetRef()
		if head.GetRepo() != nil {
			p.SourceBranchURL = head.GetRepo().GetCloneURL()
		}
	}
	if base := pr.GetBase(); base != nil {
		p.TargetBranchName = base.GetRef()
		if base.GetRepo() != nil {
			p.TargetBranchURL = base.GetRepo().GetCloneURL()
			p.TargetWebURL = base.GetRepo().GetHTMLURL()
		}
	}
	return p
}

// classifyClosed refines a closed-without-merge pull request: closed by
// the janitor's own account means abandoned, closed by anyone else
// means rejected. When GitHub will not say, it stays plain closed.
func (g *GitHub) classifyClosed(ctx context.Context, owner, repo string, number int) string {
	issue, _, err := g.client.Issues.Get(ctx, owner, repo, number)
	if err != nil || issue.GetClosedBy() == nil {
		return StatusClosed
	}
	if issue.GetClosedBy().GetLogin() == g.user {
		return StatusAbandoned
	}
	return StatusRejected
}

func (g *GitHub) ListOpenProposals(ctx context.Context) ([]Proposal, error) {
	query := fmt.Sprintf("type:pr state:open author:%s", g.user)
	opts := &github.SearchOptions{ListOptions: github.ListOptions{PerPage: 100}}

	var proposals []Proposal
	for {
		result, resp, err := g.client.Search.Issues(ctx, query, opts)
		if err != nil {
			return nil, mapGitHubError(err)
		}
		for _, issue := range result.Issues {
			p, err := g.GetProposal(ctx, issue.GetHTMLURL())
			if err != nil {
				g.logger.Log("url", issue.GetHTMLURL(), "err", err)
				continue
			}
			proposals = append(proposals, *p)
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return proposals, nil
}

// parseRepoURL splits a repository URL into owner and repo.
func parseRepoURL(rawurl string) (owner, repo string, err error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return "", "", errors.Wrapf(err, "parsing %q", rawurl)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 {
		return "", "", errors.Errorf("not a repository URL: %q", rawurl)
	}
	return parts[0], strings.TrimSuffix(parts[1], ".git"), nil
}

func (g *GitHub) CreateProposal(ctx context.Context, req CreateProposalRequest) (*Proposal, error) {
	owner, repo, err := parseRepoURL(req.RepoURL)
	if err != nil {
		return nil, err
	}
	pr, _, err := g.client.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
		Title: github.String(req.Title),
		Head:  github.String(req.Head),
		Base:  github.String(req.Base),
		Body:  github.String(req.Description),
	})
	if err != nil {
		return nil, mapGitHubError(err)
	}
	if len(req.Reviewers) > 0 {
		if _, _, err := g.client.PullRequests.RequestReviewers(ctx, owner, repo, pr.GetNumber(), github.ReviewersRequest{
			Reviewers: req.Reviewers,
		}); err != nil {
			g.logger.Log("url", pr.GetHTMLURL(), "err", errors.Wrap(err, "requesting reviewers"))
		}
	}
	if req.AutoMerge {
		// The v3 API has no auto-merge toggle.
		g.logger.Log("url", pr.GetHTMLURL(), "msg", "auto-merge not supported on github")
	}
	return g.proposalFromPR(ctx, owner, repo, pr), nil
}

func (g *GitHub) UpdateProposal(ctx context.Context, rawurl string, update ProposalUpdate) error {
	owner, repo, number, err := parsePullURL(rawurl)
	if err != nil {
		return err
	}
	edit := &github.PullRequest{}
	if update.Title != "" {
		edit.Title = github.String(update.Title)
	}
	if update.Description != "" {
		edit.Body = github.String(update.Description)
	}
	_, _, err = g.client.PullRequests.Edit(ctx, owner, repo, number, edit)
	return mapGitHubError(err)
}

func (g *GitHub) CloseProposal(ctx context.Context, rawurl string) error {
	owner, repo, number, err := parsePullURL(rawurl)
	if err != nil {
		return err
	}
	_, _, err = g.client.PullRequests.Edit(ctx, owner, repo, number, &github.PullRequest{
		State: github.String("closed"),
	})
	return mapGitHubError(err)
}

func (g *GitHub) PostComment(ctx context.Context, rawurl, comment string) error {
	owner, repo, number, err := parsePullURL(rawurl)
	if err != nil {
		return err
	}
	_, _, err = g.client.Issues.CreateComment(ctx, owner, repo, number, &github.IssueComment{
		Body: github.String(comment),
	})
	return mapGitHubError(err)
}

func (g *GitHub) RetargetProposal(ctx context.Context, rawurl, targetBranchName string) error {
	owner, repo, number, err := parsePullURL(rawurl)
	if err != nil {
		return err
	}
	_, _, err = g.client.PullRequests.Edit(ctx, owner, repo, number, &github.PullRequest{
		Base: &github.PullRequestBranch{Ref: github.String(targetBranchName)},
	})
	return mapGitHubError(err)
}

// AuthenticatedPushURL embeds the token into an https repository URL.
func (g *GitHub) AuthenticatedPushURL(repoURL string) (string, error) {
	u, err := url.Parse(repoURL)
	if err != nil {
		return "", errors.Wrapf(err, "parsing %q", repoURL)
	}
	if u.Scheme != "https" {
		return "", errors.Errorf("cannot authenticate %q: only https supported", repoURL)
	}
	u.User = url.UserPassword("x-access-token", g.token)
	return u.String(), nil
}
