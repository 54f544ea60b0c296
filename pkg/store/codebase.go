package store

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

// Codebase is a repository under the janitor's care.
type Codebase struct {
	Name       string
	BranchURL  string
	BranchName string
	WebURL     string
	VcsType    string
	Inactive   bool
}

// GetCodebase fetches a codebase by name.
func (s *Store) GetCodebase(ctx context.Context, name string) (*Codebase, error) {
	var (
		c          Codebase
		branchURL  sql.NullString
		branchName sql.NullString
		webURL     sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT name, branch_url, branch_name, web_url, vcs_type, inactive
		FROM codebase WHERE name = $1`,
		name).Scan(&c.Name, &branchURL, &branchName, &webURL, &c.VcsType, &c.Inactive)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, errors.Wrap(err, "getting codebase")
	}
	c.BranchURL = branchURL.String
	c.BranchName = branchName.String
	c.WebURL = webURL.String
	return &c, nil
}

// GuessCodebaseFromTargetURL finds the codebase whose main branch URL
// matches url, ignoring trailing slashes. Used to recover context for
// merge proposals the database has no record of.
func (s *Store) GuessCodebaseFromTargetURL(ctx context.Context, url string) (*Codebase, error) {
	var (
		c          Codebase
		branchURL  sql.NullString
		branchName sql.NullString
		webURL     sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT name, branch_url, branch_name, web_url, vcs_type, inactive
		FROM codebase
		WHERE TRIM(TRAILING '/' FROM branch_url) = TRIM(TRAILING '/' FROM $1)`,
		url).Scan(&c.Name, &branchURL, &branchName, &webURL, &c.VcsType, &c.Inactive)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, errors.Wrap(err, "guessing codebase from target URL")
	}
	c.BranchURL = branchURL.String
	c.BranchName = branchName.String
	c.WebURL = webURL.String
	return &c, nil
}

// GetChangeSetState reports the state of a change set.
func (s *Store) GetChangeSetState(ctx context.Context, id string) (string, error) {
	var state string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM change_set WHERE id = $1`, id).Scan(&state)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	} else if err != nil {
		return "", errors.Wrap(err, "getting change set state")
	}
	return state, nil
}

// MarkChangeSetPublishing moves a ready change set to publishing. Once
// one run of a change set publishes, the rest of the set follows
// regardless of rate limits, so this transition is one-way.
func (s *Store) MarkChangeSetPublishing(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE change_set SET state = 'publishing' WHERE id = $1 AND state = 'ready'`,
		id)
	return errors.Wrap(err, "marking change set publishing")
}
