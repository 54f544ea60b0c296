package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// Publish is one entry in the append-only publish log: a single attempt
// to publish one branch of one run, successful or not.
type Publish struct {
	ID                 string
	Timestamp          time.Time
	Codebase           string
	Campaign           string
	BranchName         string
	MainBranchRevision string
	Revision           string
	Role               string
	Mode               string
	TargetBranchURL    string
	MergeProposalURL   string
	ResultCode         string
	Description        string
	Requestor          string
	RunID              string
}

// StorePublish appends an attempt to the publish log. A fresh id is
// assigned when p.ID is empty.
func (s *Store) StorePublish(ctx context.Context, p *Publish) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO publish (id, timestamp, codebase, campaign, branch_name, main_branch_revision, revision, role, mode, target_branch_url, merge_proposal_url, result_code, description, requestor, run_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		p.ID, p.Timestamp, p.Codebase, nullStr(p.Campaign), nullStr(p.BranchName),
		nullStr(p.MainBranchRevision), nullStr(p.Revision), nullStr(p.Role), p.Mode,
		nullStr(p.TargetBranchURL), nullStr(p.MergeProposalURL), p.ResultCode,
		nullStr(p.Description), nullStr(p.Requestor), nullStr(p.RunID))
	return errors.Wrap(err, "storing publish")
}

// GetPublishAttemptCount counts prior publish attempts for a revision,
// leaving out attempts whose result code is in excludeCodes (failures
// that say nothing about the branch itself, like the differ being
// down).
func (s *Store) GetPublishAttemptCount(ctx context.Context, revision string, excludeCodes []string) (int, error) {
	query := `SELECT count(*) FROM publish WHERE revision = ?`
	args := []interface{}{revision}
	if len(excludeCodes) > 0 {
		var err error
		query, args, err = sqlx.In(query+` AND result_code NOT IN (?)`, revision, excludeCodes)
		if err != nil {
			return 0, err
		}
	}
	var count int
	if err := s.db.QueryRowContext(ctx, s.db.Rebind(query), args...).Scan(&count); err != nil {
		return 0, errors.Wrap(err, "counting publish attempts")
	}
	return count, nil
}

// AlreadyPublished reports whether a successful publish of exactly this
// (target, branch, revision) has been recorded in one of the modes.
func (s *Store) AlreadyPublished(ctx context.Context, targetBranchURL, branchName, revision string, modes []string) (bool, error) {
	query, args, err := sqlx.In(`
		SELECT EXISTS (
			SELECT FROM publish
			WHERE target_branch_url = ? AND branch_name = ? AND revision = ?
			AND mode IN (?) AND result_code = 'success'
		)`,
		targetBranchURL, branchName, revision, modes)
	if err != nil {
		return false, err
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, s.db.Rebind(query), args...).Scan(&exists); err != nil {
		return false, errors.Wrap(err, "checking already published")
	}
	return exists, nil
}

// LastPublishTime returns when (codebase, campaign) last published
// successfully. ErrNotFound means never.
func (s *Store) LastPublishTime(ctx context.Context, campaign, codebase string) (time.Time, error) {
	var t sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT max(timestamp) FROM publish
		WHERE campaign = $1 AND codebase = $2 AND result_code = 'success'`,
		campaign, codebase).Scan(&t)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "getting last publish time")
	}
	if !t.Valid {
		return time.Time{}, ErrNotFound
	}
	return t.Time, nil
}
