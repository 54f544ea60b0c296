package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/pkg/errors"
)

// Publish status values for runs. Runs start approved unless the
// campaign's policy demands QA review, in which case the review process
// flips them to approved or rejected later.
const (
	PublishStatusApproved = "approved"
	PublishStatusRejected = "rejected"
	PublishStatusBlocked  = "blocked"
)

// Change set states that allow publishing.
const (
	ChangeSetReady      = "ready"
	ChangeSetPublishing = "publishing"
)

// ResultTag names a tag created by a run, with the revision it points
// at.
type ResultTag struct {
	Name     string `json:"name"`
	Revision string `json:"revision"`
}

// Run is one codemod run against a codebase.
type Run struct {
	ID                 string
	Codebase           string
	Campaign           string
	Command            string
	StartTime          time.Time
	FinishTime         time.Time
	ResultCode         string
	Description        string
	Value              *int
	MainBranchRevision string
	Revision           string
	BranchURL          string
	TargetBranchURL    string
	ChangeSet          string
	PublishStatus      string
	FailureTransient   *bool
	Result             json.RawMessage
	ResultTags         []ResultTag
}

// PublishReadyRun is a row from the publish_ready view: the run plus
// the candidate's current command and policy, and the change set state.
type PublishReadyRun struct {
	Run
	PolicyCommand  string
	PolicyName     string
	ChangeSetState string
}

// ResultBranch is one branch produced by a run.
type ResultBranch struct {
	RunID        string
	Role         string
	RemoteName   string
	BaseRevision string
	Revision     string
	Absorbed     bool
}

const runColumns = `id, codebase, campaign, command, start_time, finish_time, result_code, description, value, main_branch_revision, revision, branch_url, target_branch_url, change_set, publish_status, failure_transient, result, result_tags`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// runScanBuf holds the intermediate values for columns that can be null
// or need decoding.
type runScanBuf struct {
	command          sql.NullString
	startTime        sql.NullTime
	finishTime       sql.NullTime
	description      sql.NullString
	value            sql.NullInt64
	mainBranchRev    sql.NullString
	revision         sql.NullString
	branchURL        sql.NullString
	targetBranchURL  sql.NullString
	changeSet        sql.NullString
	failureTransient sql.NullBool
	resultBytes      []byte
	tagBytes         []byte
}

// dests returns scan destinations matching runColumns order.
func (b *runScanBuf) dests(run *Run) []interface{} {
	return []interface{}{
		&run.ID, &run.Codebase, &run.Campaign, &b.command, &b.startTime,
		&b.finishTime, &run.ResultCode, &b.description, &b.value,
		&b.mainBranchRev, &b.revision, &b.branchURL, &b.targetBranchURL,
		&b.changeSet, &run.PublishStatus, &b.failureTransient,
		&b.resultBytes, &b.tagBytes,
	}
}

func (b *runScanBuf) apply(run *Run) error {
	run.Command = b.command.String
	run.StartTime = b.startTime.Time
	run.FinishTime = b.finishTime.Time
	run.Description = b.description.String
	run.Value = intPtr(b.value)
	run.MainBranchRevision = b.mainBranchRev.String
	run.Revision = b.revision.String
	run.BranchURL = b.branchURL.String
	run.TargetBranchURL = b.targetBranchURL.String
	run.ChangeSet = b.changeSet.String
	run.FailureTransient = boolPtr(b.failureTransient)
	run.Result = b.resultBytes
	if b.tagBytes != nil {
		if err := json.Unmarshal(b.tagBytes, &run.ResultTags); err != nil {
			return errors.Wrap(err, "unmarshaling result tags")
		}
	}
	return nil
}

func scanRun(r rowScanner) (*Run, error) {
	var (
		run Run
		buf runScanBuf
	)
	if err := r.Scan(buf.dests(&run)...); err != nil {
		return nil, err
	}
	if err := buf.apply(&run); err != nil {
		return nil, err
	}
	return &run, nil
}

// GetRun fetches a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM run WHERE id = $1`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, errors.Wrap(err, "getting run")
	}
	return run, nil
}

// GetLastEffectiveRun fetches the newest run for (codebase, campaign)
// that did not fail for transient reasons.
func (s *Store) GetLastEffectiveRun(ctx context.Context, codebase, campaign string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM last_effective_runs
		WHERE codebase = $1 AND campaign = $2`,
		codebase, campaign)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, errors.Wrap(err, "getting last effective run")
	}
	return run, nil
}

// GetUnchangedRun fetches the newest successful run of campaign (the
// control campaign, normally) against the same main branch revision.
// Binary diffs are computed against this run's build output.
func (s *Store) GetUnchangedRun(ctx context.Context, codebase, campaign, mainBranchRevision string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM last_runs
		WHERE codebase = $1 AND campaign = $2 AND main_branch_revision = $3 AND result_code = 'success'`,
		codebase, campaign, mainBranchRevision)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, errors.Wrap(err, "getting unchanged run")
	}
	return run, nil
}

// GetRunBySourceRevision fetches the newest run that produced revision
// on one of its result branches.
func (s *Store) GetRunBySourceRevision(ctx context.Context, revision string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM run
		WHERE id IN (SELECT run_id FROM new_result_branch WHERE revision = $1)
		ORDER BY finish_time DESC NULLS LAST
		LIMIT 1`,
		revision)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, errors.Wrap(err, "getting run by source revision")
	}
	return run, nil
}

// PublishReady lists candidate runs for publishing, most urgent first:
// runs whose change set is already mid-publish, then by descending
// value, then most recent. Campaign and codebase narrow the listing
// when non-empty.
func (s *Store) PublishReady(ctx context.Context, campaign, codebase string) ([]PublishReadyRun, error) {
	q := sq.Select(
		"id", "codebase", "campaign", "command", "start_time", "finish_time",
		"result_code", "description", "value", "main_branch_revision", "revision",
		"branch_url", "target_branch_url", "change_set", "publish_status",
		"failure_transient", "result", "result_tags",
		"policy_command", "publish_policy", "change_set_state").
		From("publish_ready").
		Where(sq.Eq{"publish_status": PublishStatusApproved}).
		Where("(change_set_state IS NULL OR change_set_state IN ('ready', 'publishing'))").
		Where("EXISTS (SELECT FROM new_result_branch WHERE run_id = publish_ready.id AND NOT absorbed)").
		OrderBy(
			"(COALESCE(change_set_state, '') = 'publishing') DESC",
			"value DESC NULLS LAST",
			"finish_time DESC NULLS LAST").
		PlaceholderFormat(sq.Dollar)
	if campaign != "" {
		q = q.Where(sq.Eq{"campaign": campaign})
	}
	if codebase != "" {
		q = q.Where(sq.Eq{"codebase": codebase})
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "querying publish_ready")
	}
	defer rows.Close()

	var ready []PublishReadyRun
	for rows.Next() {
		var (
			run Run
			buf runScanBuf

			policyCommand  sql.NullString
			policyName     sql.NullString
			changeSetState sql.NullString
		)
		dests := append(buf.dests(&run), &policyCommand, &policyName, &changeSetState)
		if err := rows.Scan(dests...); err != nil {
			return nil, errors.Wrap(err, "scanning publish_ready row")
		}
		if err := buf.apply(&run); err != nil {
			return nil, err
		}
		ready = append(ready, PublishReadyRun{
			Run:            run,
			PolicyCommand:  policyCommand.String,
			PolicyName:     policyName.String,
			ChangeSetState: changeSetState.String,
		})
	}
	return ready, rows.Err()
}

// UnpublishedBranches lists the run's result branches that have not
// been absorbed into their target yet.
func (s *Store) UnpublishedBranches(ctx context.Context, runID string) ([]ResultBranch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, role, remote_name, base_revision, revision, absorbed
		FROM new_result_branch
		WHERE run_id = $1 AND NOT absorbed
		ORDER BY role`,
		runID)
	if err != nil {
		return nil, errors.Wrap(err, "querying unpublished branches")
	}
	defer rows.Close()

	var branches []ResultBranch
	for rows.Next() {
		var (
			b          ResultBranch
			remoteName sql.NullString
			baseRev    sql.NullString
			revision   sql.NullString
		)
		if err := rows.Scan(&b.RunID, &b.Role, &remoteName, &baseRev, &revision, &b.Absorbed); err != nil {
			return nil, errors.Wrap(err, "scanning result branch")
		}
		b.RemoteName = remoteName.String
		b.BaseRevision = baseRev.String
		b.Revision = revision.String
		branches = append(branches, b)
	}
	return branches, rows.Err()
}

// GetResultBranch fetches the run's branch for one role, absorbed or
// not.
func (s *Store) GetResultBranch(ctx context.Context, runID, role string) (*ResultBranch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, role, remote_name, base_revision, revision, absorbed
		FROM new_result_branch
		WHERE run_id = $1 AND role = $2`,
		runID, role)
	var (
		b          ResultBranch
		remoteName sql.NullString
		baseRev    sql.NullString
		revision   sql.NullString
	)
	err := row.Scan(&b.RunID, &b.Role, &remoteName, &baseRev, &revision, &b.Absorbed)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, errors.Wrap(err, "getting result branch")
	}
	b.RemoteName = remoteName.String
	b.BaseRevision = baseRev.String
	b.Revision = revision.String
	return &b, nil
}

// MarkBranchAbsorbed records that the run's branch for role has landed
// in its target, so it no longer needs publishing.
func (s *Store) MarkBranchAbsorbed(ctx context.Context, runID, role string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE new_result_branch SET absorbed = true WHERE run_id = $1 AND role = $2`,
		runID, role)
	return errors.Wrap(err, "marking branch absorbed")
}

// AbsorbRevision marks every result branch at revision as absorbed.
// Used when a merge proposal at that revision merges.
func (s *Store) AbsorbRevision(ctx context.Context, revision string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE new_result_branch SET absorbed = true WHERE revision = $1`,
		revision)
	return errors.Wrap(err, "absorbing revision")
}
