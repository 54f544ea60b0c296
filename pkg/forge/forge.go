// Package forge talks to code hosting platforms: listing and mutating
// the merge proposals the janitor owns. Branch pushes themselves go
// over git; the forge provides authenticated push URLs for them.
package forge

import (
	"context"

	"github.com/pkg/errors"
)

// Proposal statuses as the forge reports them. closed is refined to
// abandoned or rejected when the forge can say who closed it.
const (
	StatusOpen      = "open"
	StatusMerged    = "merged"
	StatusClosed    = "closed"
	StatusAbandoned = "abandoned"
	StatusRejected  = "rejected"
)

var (
	// ErrUnsupportedForge means no configured forge serves the host.
	ErrUnsupportedForge = errors.New("no forge for host")
	// ErrProposalNotFound means the forge has no such proposal,
	// usually because it was deleted.
	ErrProposalNotFound = errors.New("proposal not found")
	// ErrUnsupportedOperation means this forge cannot perform the
	// requested mutation (e.g. retargeting).
	ErrUnsupportedOperation = errors.New("operation not supported by forge")
	// ErrPermissionDenied means the account lacks access.
	ErrPermissionDenied = errors.New("permission denied by forge")
)

// Proposal is a merge proposal as seen on the forge.
type Proposal struct {
	URL              string
	WebURL           string
	Status           string
	SourceBranchURL  string
	SourceBranchName string
	TargetBranchURL  string
	TargetBranchName string
	TargetWebURL     string
	Revision         string // tip of the source branch
	CanBeMerged      *bool
	Description      string
}

// CreateProposalRequest asks for a new proposal of head into base
// within one repository.
type CreateProposalRequest struct {
	RepoURL     string
	Head        string
	Base        string
	Title       string
	Description string
	Reviewers   []string
	AutoMerge   bool
}

// ProposalUpdate carries the mutable text of an existing proposal.
// Empty fields are left alone.
type ProposalUpdate struct {
	Title       string
	Description string
}

// Forge is one code hosting platform, bound to one account.
type Forge interface {
	// Kind names the platform, e.g. "github".
	Kind() string

	// User is the login of the account the forge is bound to.
	User() string

	// GetProposal fetches the live state of a proposal by its URL.
	GetProposal(ctx context.Context, url string) (*Proposal, error)

	// ListOpenProposals lists the account's open proposals.
	ListOpenProposals(ctx context.Context) ([]Proposal, error)

	// CreateProposal opens a new proposal.
	CreateProposal(ctx context.Context, req CreateProposalRequest) (*Proposal, error)

	// UpdateProposal edits the title/description of a proposal.
	UpdateProposal(ctx context.Context, url string, update ProposalUpdate) error

	// CloseProposal closes a proposal without merging it.
	CloseProposal(ctx context.Context, url string) error

	// PostComment adds a comment to a proposal.
	PostComment(ctx context.Context, url, comment string) error

	// RetargetProposal changes the proposal's target branch.
	RetargetProposal(ctx context.Context, url, targetBranchName string) error

	// AuthenticatedPushURL embeds the account's credentials into a
	// repository URL for git to push over.
	AuthenticatedPushURL(repoURL string) (string, error)
}
