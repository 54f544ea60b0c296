package store

import (
	"context"
	"database/sql"
	"encoding/json"

	sq "github.com/Masterminds/squirrel"
	"github.com/pkg/errors"
)

// QA review requirements for a policy.
const (
	QAReviewRequired = "required"
	QAReviewNone     = "none"
)

// BranchPolicy configures publishing for one branch role.
type BranchPolicy struct {
	Mode             string `json:"mode"`
	MaxFrequencyDays int    `json:"max_frequency_days,omitempty"`
}

// PublishPolicy is a named, reusable publish policy: per-role modes plus
// campaign-wide settings.
type PublishPolicy struct {
	Name            string                  `json:"name"`
	QAReview        string                  `json:"qa_review"`
	RateLimitBucket string                  `json:"rate_limit_bucket,omitempty"`
	PerBranch       map[string]BranchPolicy `json:"per_branch"`
}

// CandidatePolicy is the resolved publishing configuration for one
// (codebase, campaign) candidate.
type CandidatePolicy struct {
	Codebase string
	Campaign string
	Command  string
	Value    *int
	Policy   *PublishPolicy // nil when the candidate names no policy
}

// GetPublishPolicy resolves the candidate for (codebase, campaign) and
// the named policy it refers to. ErrNotFound means no candidate exists,
// i.e. this campaign does not apply to this codebase.
func (s *Store) GetPublishPolicy(ctx context.Context, codebase, campaign string) (*CandidatePolicy, error) {
	var (
		cp = CandidatePolicy{Codebase: codebase, Campaign: campaign}

		command     sql.NullString
		value       sql.NullInt64
		policyName  sql.NullString
		qaReview    sql.NullString
		bucket      sql.NullString
		branchBytes []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT candidate.command, candidate.value, np.name, np.qa_review, np.rate_limit_bucket, np.per_branch
		FROM candidate
		LEFT JOIN named_publish_policy np ON np.name = candidate.publish_policy
		WHERE candidate.codebase = $1 AND candidate.campaign = $2`,
		codebase, campaign).Scan(&command, &value, &policyName, &qaReview, &bucket, &branchBytes)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, errors.Wrap(err, "getting publish policy")
	}
	cp.Command = command.String
	cp.Value = intPtr(value)
	if policyName.Valid {
		p := PublishPolicy{
			Name:            policyName.String,
			QAReview:        qaReview.String,
			RateLimitBucket: bucket.String,
		}
		if branchBytes != nil {
			if err := json.Unmarshal(branchBytes, &p.PerBranch); err != nil {
				return nil, errors.Wrap(err, "unmarshaling per-branch policy")
			}
		}
		cp.Policy = &p
	}
	return &cp, nil
}

func scanNamedPolicy(r rowScanner) (*PublishPolicy, error) {
	var (
		p           PublishPolicy
		bucket      sql.NullString
		branchBytes []byte
	)
	if err := r.Scan(&p.Name, &p.QAReview, &bucket, &branchBytes); err != nil {
		return nil, err
	}
	p.RateLimitBucket = bucket.String
	if branchBytes != nil {
		if err := json.Unmarshal(branchBytes, &p.PerBranch); err != nil {
			return nil, errors.Wrap(err, "unmarshaling per-branch policy")
		}
	}
	return &p, nil
}

// GetNamedPolicy fetches a named publish policy.
func (s *Store) GetNamedPolicy(ctx context.Context, name string) (*PublishPolicy, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, qa_review, rate_limit_bucket, per_branch
		FROM named_publish_policy WHERE name = $1`, name)
	p, err := scanNamedPolicy(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, errors.Wrap(err, "getting named policy")
	}
	return p, nil
}

// PutNamedPolicy creates or replaces a named publish policy. It reports
// whether the policy was newly created.
func (s *Store) PutNamedPolicy(ctx context.Context, p *PublishPolicy) (created bool, err error) {
	branchBytes, err := json.Marshal(p.PerBranch)
	if err != nil {
		return false, errors.Wrap(err, "marshaling per-branch policy")
	}
	if p.PerBranch == nil {
		branchBytes = []byte("{}")
	}
	qaReview := p.QAReview
	if qaReview == "" {
		qaReview = QAReviewRequired
	}
	err = s.transaction(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `
			SELECT NOT EXISTS (SELECT FROM named_publish_policy WHERE name = $1)`,
			p.Name).Scan(&created); err != nil {
			return errors.Wrap(err, "checking named policy")
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO named_publish_policy (name, qa_review, rate_limit_bucket, per_branch)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (name) DO UPDATE SET
				qa_review = EXCLUDED.qa_review,
				rate_limit_bucket = EXCLUDED.rate_limit_bucket,
				per_branch = EXCLUDED.per_branch`,
			p.Name, qaReview, nullStr(p.RateLimitBucket), branchBytes)
		return errors.Wrap(err, "upserting named policy")
	})
	return created, err
}

// DeleteNamedPolicy removes a named publish policy.
func (s *Store) DeleteNamedPolicy(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM named_publish_policy WHERE name = $1`, name)
	if err != nil {
		return errors.Wrap(err, "deleting named policy")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListNamedPolicies lists named publish policies, optionally only those
// using a particular rate-limit bucket.
func (s *Store) ListNamedPolicies(ctx context.Context, bucket string) ([]PublishPolicy, error) {
	q := sq.Select("name", "qa_review", "rate_limit_bucket", "per_branch").
		From("named_publish_policy").
		OrderBy("name").
		PlaceholderFormat(sq.Dollar)
	if bucket != "" {
		q = q.Where(sq.Eq{"rate_limit_bucket": bucket})
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "listing named policies")
	}
	defer rows.Close()

	var policies []PublishPolicy
	for rows.Next() {
		p, err := scanNamedPolicy(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scanning named policy")
		}
		policies = append(policies, *p)
	}
	return policies, rows.Err()
}
