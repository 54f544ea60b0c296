package store

import (
	"context"
	"database/sql"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/pkg/errors"
)

// Merge proposal statuses. A proposal starts open and ends in exactly
// one of the terminal states: merged (landed as proposed), applied (the
// changes landed some other way), closed (closed, closer unknown),
// rejected (a human said no), abandoned (withdrawn by the janitor).
const (
	ProposalOpen      = "open"
	ProposalMerged    = "merged"
	ProposalClosed    = "closed"
	ProposalAbandoned = "abandoned"
	ProposalApplied   = "applied"
	ProposalRejected  = "rejected"
)

// ProposalStatusTerminal reports whether status is terminal.
func ProposalStatusTerminal(status string) bool {
	return status != "" && status != ProposalOpen
}

// ProposalInfo is the stored state of one merge proposal.
type ProposalInfo struct {
	URL             string
	Codebase        string
	Status          string
	Revision        string
	TargetBranchURL string
	LastScanned     time.Time
	CanBeMerged     *bool
	RateLimitBucket string
}

const proposalColumns = `url, codebase, status, revision, target_branch_url, last_scanned, can_be_merged, rate_limit_bucket`

func scanProposal(r rowScanner) (*ProposalInfo, error) {
	var (
		info ProposalInfo

		codebase        sql.NullString
		revision        sql.NullString
		targetBranchURL sql.NullString
		lastScanned     sql.NullTime
		canBeMerged     sql.NullBool
		rateLimitBucket sql.NullString
	)
	if err := r.Scan(
		&info.URL, &codebase, &info.Status, &revision, &targetBranchURL,
		&lastScanned, &canBeMerged, &rateLimitBucket,
	); err != nil {
		return nil, err
	}
	info.Codebase = codebase.String
	info.Revision = revision.String
	info.TargetBranchURL = targetBranchURL.String
	info.LastScanned = lastScanned.Time
	info.CanBeMerged = boolPtr(canBeMerged)
	info.RateLimitBucket = rateLimitBucket.String
	return &info, nil
}

// GetProposalInfo fetches the stored state of a merge proposal.
func (s *Store) GetProposalInfo(ctx context.Context, url string) (*ProposalInfo, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+proposalColumns+` FROM merge_proposal WHERE url = $1`, url)
	info, err := scanProposal(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, errors.Wrap(err, "getting merge proposal")
	}
	return info, nil
}

// UpsertProposalInfo stores the proposal state, inserting or updating
// as needed. Absent (zero) fields in info leave the stored value
// untouched; status is always written.
func (s *Store) UpsertProposalInfo(ctx context.Context, info *ProposalInfo) error {
	query, args, err := sq.Insert("merge_proposal").
		Columns("url", "codebase", "status", "revision", "target_branch_url", "last_scanned", "can_be_merged", "rate_limit_bucket").
		Values(
			info.URL, nullStr(info.Codebase), info.Status, nullStr(info.Revision),
			nullStr(info.TargetBranchURL), nullTime(info.LastScanned),
			nullBool(info.CanBeMerged), nullStr(info.RateLimitBucket)).
		Suffix(`ON CONFLICT (url) DO UPDATE SET
			codebase = COALESCE(EXCLUDED.codebase, merge_proposal.codebase),
			status = EXCLUDED.status,
			revision = COALESCE(EXCLUDED.revision, merge_proposal.revision),
			target_branch_url = COALESCE(EXCLUDED.target_branch_url, merge_proposal.target_branch_url),
			last_scanned = COALESCE(EXCLUDED.last_scanned, merge_proposal.last_scanned),
			can_be_merged = COALESCE(EXCLUDED.can_be_merged, merge_proposal.can_be_merged),
			rate_limit_bucket = COALESCE(EXCLUDED.rate_limit_bucket, merge_proposal.rate_limit_bucket)`).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return errors.Wrap(err, "upserting merge proposal")
}

// SetProposalStatus updates just the status of a proposal.
func (s *Store) SetProposalStatus(ctx context.Context, url, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE merge_proposal SET status = $2 WHERE url = $1`, url, status)
	if err != nil {
		return errors.Wrap(err, "setting proposal status")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteProposal removes a proposal row, e.g. after the forge reports
// the proposal gone.
func (s *Store) DeleteProposal(ctx context.Context, url string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM merge_proposal WHERE url = $1`, url)
	if err != nil {
		return errors.Wrap(err, "deleting merge proposal")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkScanned records when a proposal was last examined against the
// forge.
func (s *Store) MarkScanned(ctx context.Context, url string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE merge_proposal SET last_scanned = $2 WHERE url = $1`, url, at)
	return errors.Wrap(err, "marking proposal scanned")
}

// StragglerURLs lists open proposals that have not been scanned since
// olderThan (or ever), oldest first.
func (s *Store) StragglerURLs(ctx context.Context, olderThan time.Time, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT url FROM merge_proposal
		WHERE status = 'open' AND (last_scanned IS NULL OR last_scanned < $1)
		ORDER BY last_scanned ASC NULLS FIRST
		LIMIT $2`,
		olderThan, limit)
	if err != nil {
		return nil, errors.Wrap(err, "querying stragglers")
	}
	defer rows.Close()

	var urls []string
	for rows.Next() {
		var url string
		if err := rows.Scan(&url); err != nil {
			return nil, err
		}
		urls = append(urls, url)
	}
	return urls, rows.Err()
}

// ProposalCounts is a per-bucket tally of proposals by status.
type ProposalCounts struct {
	Open    int
	Merged  int
	Applied int
}

// CountMPsPerBucket tallies proposals per rate-limit bucket, counting
// the statuses the rate limiters care about. Proposals without a bucket
// are tallied under the empty bucket.
func (s *Store) CountMPsPerBucket(ctx context.Context) (map[string]ProposalCounts, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(rate_limit_bucket, ''), status, count(url)
		FROM merge_proposal
		WHERE status IN ('open', 'merged', 'applied')
		GROUP BY 1, 2`)
	if err != nil {
		return nil, errors.Wrap(err, "counting proposals per bucket")
	}
	defer rows.Close()

	counts := make(map[string]ProposalCounts)
	for rows.Next() {
		var (
			bucket string
			status string
			count  int
		)
		if err := rows.Scan(&bucket, &status, &count); err != nil {
			return nil, err
		}
		c := counts[bucket]
		switch status {
		case ProposalOpen:
			c.Open = count
		case ProposalMerged:
			c.Merged = count
		case ProposalApplied:
			c.Applied = count
		}
		counts[bucket] = c
	}
	return counts, rows.Err()
}

// GetOpenProposalForBranch finds the open proposal, if any, previously
// created from (codebase, branchName).
func (s *Store) GetOpenProposalForBranch(ctx context.Context, codebase, branchName string) (*ProposalInfo, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT mp.url, mp.codebase, mp.status, mp.revision, mp.target_branch_url, mp.last_scanned, mp.can_be_merged, mp.rate_limit_bucket
		FROM merge_proposal mp
		JOIN publish ON publish.merge_proposal_url = mp.url
		WHERE mp.status = 'open' AND mp.codebase = $1 AND publish.branch_name = $2
		ORDER BY publish.timestamp DESC
		LIMIT 1`,
		codebase, branchName)
	info, err := scanProposal(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, errors.Wrap(err, "getting open proposal for branch")
	}
	return info, nil
}

// PreviousProposals lists every proposal ever created from (codebase,
// branchName), any status.
func (s *Store) PreviousProposals(ctx context.Context, codebase, branchName string) ([]ProposalInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ON (mp.url) mp.url, mp.codebase, mp.status, mp.revision, mp.target_branch_url, mp.last_scanned, mp.can_be_merged, mp.rate_limit_bucket
		FROM merge_proposal mp
		JOIN publish ON publish.merge_proposal_url = mp.url
		WHERE mp.codebase = $1 AND publish.branch_name = $2
		ORDER BY mp.url`,
		codebase, branchName)
	if err != nil {
		return nil, errors.Wrap(err, "querying previous proposals")
	}
	defer rows.Close()

	var infos []ProposalInfo
	for rows.Next() {
		info, err := scanProposal(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scanning previous proposal")
		}
		infos = append(infos, *info)
	}
	return infos, rows.Err()
}

// GetProposalRun fetches the run behind the newest publish attempt
// recorded against the proposal, plus the role that was published.
func (s *Store) GetProposalRun(ctx context.Context, url string) (*Run, string, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+`, latest.role FROM run
		JOIN (
			SELECT run_id, role FROM publish
			WHERE merge_proposal_url = $1 AND run_id IS NOT NULL
			ORDER BY timestamp DESC
			LIMIT 1
		) latest ON latest.run_id = run.id`,
		url)
	var (
		run  Run
		buf  runScanBuf
		role sql.NullString
	)
	err := row.Scan(append(buf.dests(&run), &role)...)
	if err == sql.ErrNoRows {
		return nil, "", ErrNotFound
	} else if err != nil {
		return nil, "", errors.Wrap(err, "getting run for proposal")
	}
	if err := buf.apply(&run); err != nil {
		return nil, "", err
	}
	return &run, role.String, nil
}
