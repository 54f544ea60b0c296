package main

import (
	"context"
	"fmt"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	giturls "github.com/whilp/git-urls"

	"github.com/janitor-ci/janitor/pkg/forge"
	"github.com/janitor-ci/janitor/pkg/publish"
	"github.com/janitor-ci/janitor/pkg/vcs"
)

// Local refs the fetched branches are pinned to, so later pushes and
// diffs do not race a clobbered FETCH_HEAD.
const (
	sourceRef = "refs/run/source"
	targetRef = "refs/run/target"
)

// publisher performs exactly one publish operation and exits. All
// state lives in the scratch git repo and on the forge.
type publisher struct {
	forges *forge.Router
	git    gitClient
	logger log.Logger
}

func failuref(req *publish.Request, code, format string, args ...interface{}) *publish.PublishFailure {
	return &publish.PublishFailure{Mode: req.Mode, Code: code, Description: fmt.Sprintf(format, args...)}
}

func (p *publisher) publish(ctx context.Context, req *publish.Request) (*publish.Result, error) {
	switch req.Mode {
	case publish.ModePush, publish.ModeAttemptPush, publish.ModePropose:
	default:
		return nil, errors.Errorf("mode %q is not publishable", req.Mode)
	}
	if req.Revision == "" {
		return nil, errors.New("request carries no revision")
	}

	sourceRepo, sourceBranch, err := vcs.SplitBranchURL(req.SourceBranchURL)
	if err != nil {
		return nil, err
	}
	targetRepo, targetBranch, err := vcs.SplitBranchURL(req.TargetBranchURL)
	if err != nil {
		return nil, err
	}

	if !supportedVCS(targetRepo) {
		return nil, failuref(req, publish.CodeUnsupportedVCS, "cannot publish to %s: only git targets are supported", targetRepo)
	}
	f, err := p.forges.Route(targetRepo)
	if err != nil {
		if errors.Cause(err) == forge.ErrUnsupportedForge {
			return nil, failuref(req, publish.CodeUnsupportedForge, "no forge configured for %s", targetRepo)
		}
		return nil, err
	}

	if err := p.git.Init(ctx); err != nil {
		return nil, err
	}
	if err := p.git.FetchRef(ctx, sourceRepo, sourceBranch, sourceRef); err != nil {
		return nil, failuref(req, publish.CodeBranchUnavailable, "fetching result branch %s: %v", req.SourceBranchURL, err)
	}
	rev, err := p.git.ResolveRef(ctx, sourceRef)
	if err != nil {
		return nil, err
	}
	if rev != req.Revision {
		return nil, failuref(req, publish.CodeRevisionMismatch,
			"result branch moved since the run: expected %s, found %s", req.Revision, rev)
	}

	if targetBranch == "" {
		targetBranch, err = p.git.DefaultBranch(ctx, targetRepo)
		if err != nil {
			return nil, failuref(req, publish.CodeBranchUnavailable, "resolving default branch of %s: %v", targetRepo, err)
		}
	}
	targetKnown := true
	if err := p.git.FetchRef(ctx, targetRepo, targetBranch, targetRef); err != nil {
		if !isMissingRemoteRef(err) {
			return nil, failuref(req, publish.CodeBranchUnavailable, "fetching target branch %s: %v", req.TargetBranchURL, err)
		}
		// Target branch does not exist yet; a push creates it.
		targetKnown = false
	}

	if req.Mode == publish.ModePropose {
		return p.propose(ctx, f, req, targetRepo, targetBranch, targetKnown)
	}

	err = p.pushTarget(ctx, f, req, targetRepo, targetBranch)
	if err == nil {
		return &publish.Result{
			BranchName:      targetBranch,
			TargetBranchURL: req.TargetBranchURL,
			Description:     fmt.Sprintf("Pushed %s changes directly to %s.", req.Campaign, targetBranch),
		}, nil
	}
	var pf *publish.PublishFailure
	if req.Mode == publish.ModeAttemptPush && errors.As(err, &pf) &&
		pf.Code == publish.CodePushDenied && req.AllowCreateProposal {
		p.logger.Log("msg", "push refused, falling back to a proposal", "target", req.TargetBranchURL)
		return p.propose(ctx, f, req, targetRepo, targetBranch, targetKnown)
	}
	return nil, err
}

// pushTarget pushes the run's revision (and tags) straight onto the
// target branch.
func (p *publisher) pushTarget(ctx context.Context, f forge.Forge, req *publish.Request, targetRepo, targetBranch string) error {
	pushURL, err := f.AuthenticatedPushURL(targetRepo)
	if err != nil {
		return failuref(req, publish.CodePushFailed, "%v", err)
	}
	refspecs := append([]string{req.Revision + ":refs/heads/" + targetBranch}, tagRefspecs(req.Tags)...)
	if err := p.git.Push(ctx, pushURL, refspecs...); err != nil {
		return failuref(req, pushErrorCode(err), "pushing to %s: %v", req.TargetBranchURL, err)
	}
	return nil
}

// propose pushes the derived branch and opens or refreshes the merge
// proposal for it.
func (p *publisher) propose(ctx context.Context, f forge.Forge, req *publish.Request, targetRepo, targetBranch string, targetKnown bool) (*publish.Result, error) {
	if req.DerivedBranchName == "" {
		return nil, errors.New("derived branch name is required for a proposal")
	}
	if targetKnown {
		empty, err := p.git.DiffEmpty(ctx, targetRef, sourceRef)
		if err != nil {
			return nil, err
		}
		if empty {
			return nil, failuref(req, publish.CodeEmptyMergeProposal,
				"%s carries no changes against %s", req.DerivedBranchName, targetBranch)
		}
	}
	if req.ExistingMPURL == "" && !req.AllowCreateProposal {
		return nil, failuref(req, publish.CodeProposeNotAllowed,
			"not allowed to open a new merge proposal for %s", req.Codebase)
	}

	pushURL, err := f.AuthenticatedPushURL(targetRepo)
	if err != nil {
		return nil, failuref(req, publish.CodePushFailed, "%v", err)
	}
	// The derived branch belongs to the janitor, so forcing is safe;
	// a refresh after a rebased run is expected to rewrite it.
	refspecs := append([]string{"+" + req.Revision + ":refs/heads/" + req.DerivedBranchName}, tagRefspecs(req.Tags)...)
	if err := p.git.Push(ctx, pushURL, refspecs...); err != nil {
		code := pushErrorCode(err)
		if code == publish.CodeDivergedBranches {
			code = publish.CodePushFailed
		}
		return nil, failuref(req, code, "pushing %s: %v", req.DerivedBranchName, err)
	}

	description, err := renderDescription(req)
	if err != nil {
		return nil, err
	}
	title, err := renderTitle(req, description)
	if err != nil {
		return nil, err
	}

	if req.ExistingMPURL != "" {
		if err := f.UpdateProposal(ctx, req.ExistingMPURL, forge.ProposalUpdate{
			Title:       title,
			Description: description,
		}); err != nil {
			return nil, failuref(req, publish.CodeProposeFailed, "updating %s: %v", req.ExistingMPURL, err)
		}
		res := &publish.Result{
			ProposalURL:     req.ExistingMPURL,
			ProposalWebURL:  req.ExistingMPURL,
			BranchName:      req.DerivedBranchName,
			TargetBranchURL: req.TargetBranchURL,
			Description:     description,
		}
		if proposal, err := f.GetProposal(ctx, req.ExistingMPURL); err == nil {
			res.ProposalWebURL = proposal.WebURL
			res.TargetBranchWebURL = proposal.TargetWebURL
		}
		return res, nil
	}

	proposal, err := f.CreateProposal(ctx, forge.CreateProposalRequest{
		RepoURL:     targetRepo,
		Head:        req.DerivedBranchName,
		Base:        targetBranch,
		Title:       title,
		Description: description,
		Reviewers:   req.Reviewers,
		AutoMerge:   req.AutoMerge,
	})
	if err != nil {
		return nil, failuref(req, publish.CodeProposeFailed, "creating proposal for %s: %v", req.Codebase, err)
	}
	return &publish.Result{
		ProposalURL:        proposal.URL,
		ProposalWebURL:     proposal.WebURL,
		IsNew:              true,
		BranchName:         req.DerivedBranchName,
		TargetBranchURL:    req.TargetBranchURL,
		TargetBranchWebURL: proposal.TargetWebURL,
		Description:        description,
	}, nil
}

// supportedVCS reports whether the repository URL is something git can
// talk to. The janitor only publishes git branches.
func supportedVCS(repoURL string) bool {
	u, err := giturls.Parse(repoURL)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "http", "https", "git", "ssh", "file":
		return true
	}
	return false
}
