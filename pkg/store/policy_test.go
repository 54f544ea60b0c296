package store

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetPublishPolicy(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT candidate\.command, candidate\.value, np\.name, np\.qa_review, np\.rate_limit_bucket, np\.per_branch FROM candidate LEFT JOIN named_publish_policy`).
		WithArgs("dulwich", "lintian-fixes").
		WillReturnRows(sqlmock.NewRows([]string{"command", "value", "name", "qa_review", "rate_limit_bucket", "per_branch"}).
			AddRow("lintian-brush", 40, "default", "none", "jelmer",
				[]byte(`{"main": {"mode": "propose", "max_frequency_days": 7}}`)))

	cp, err := s.GetPublishPolicy(context.Background(), "dulwich", "lintian-fixes")
	require.NoError(t, err)
	assert.Equal(t, "lintian-brush", cp.Command)
	require.NotNil(t, cp.Value)
	assert.Equal(t, 40, *cp.Value)
	require.NotNil(t, cp.Policy)
	assert.Equal(t, "default", cp.Policy.Name)
	assert.Equal(t, QAReviewNone, cp.Policy.QAReview)
	assert.Equal(t, "jelmer", cp.Policy.RateLimitBucket)
	require.Contains(t, cp.Policy.PerBranch, "main")
	assert.Equal(t, "propose", cp.Policy.PerBranch["main"].Mode)
	assert.Equal(t, 7, cp.Policy.PerBranch["main"].MaxFrequencyDays)
	expectationsMet(t, mock)
}

func TestGetPublishPolicyNoCandidate(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT candidate\.command`).
		WithArgs("dulwich", "unknown-campaign").
		WillReturnRows(sqlmock.NewRows([]string{"command", "value", "name", "qa_review", "rate_limit_bucket", "per_branch"}))

	_, err := s.GetPublishPolicy(context.Background(), "dulwich", "unknown-campaign")
	assert.Equal(t, ErrNotFound, err)
	expectationsMet(t, mock)
}

func TestGetPublishPolicyUnnamedPolicy(t *testing.T) {
	s, mock := newMockStore(t)
	// A candidate can exist without naming a policy; the engine then
	// falls back to its defaults.
	mock.ExpectQuery(`SELECT candidate\.command`).
		WithArgs("dulwich", "lintian-fixes").
		WillReturnRows(sqlmock.NewRows([]string{"command", "value", "name", "qa_review", "rate_limit_bucket", "per_branch"}).
			AddRow("lintian-brush", nil, nil, nil, nil, nil))

	cp, err := s.GetPublishPolicy(context.Background(), "dulwich", "lintian-fixes")
	require.NoError(t, err)
	assert.Nil(t, cp.Policy)
	assert.Nil(t, cp.Value)
	expectationsMet(t, mock)
}

func TestPutNamedPolicyCreated(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT NOT EXISTS \(SELECT FROM named_publish_policy WHERE name = \$1\)`).
		WithArgs("default").
		WillReturnRows(sqlmock.NewRows([]string{"created"}).AddRow(true))
	mock.ExpectExec(`INSERT INTO named_publish_policy .+ ON CONFLICT \(name\) DO UPDATE SET`).
		WithArgs("default", "required", nil, []byte(`{"main":{"mode":"propose"}}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	created, err := s.PutNamedPolicy(context.Background(), &PublishPolicy{
		Name:      "default",
		PerBranch: map[string]BranchPolicy{"main": {Mode: "propose"}},
	})
	require.NoError(t, err)
	assert.True(t, created)
	expectationsMet(t, mock)
}

func TestDeleteNamedPolicyNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`DELETE FROM named_publish_policy WHERE name = \$1`).
		WithArgs("nope").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.DeleteNamedPolicy(context.Background(), "nope")
	assert.Equal(t, ErrNotFound, err)
	expectationsMet(t, mock)
}

func TestListNamedPoliciesBucketFilter(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT name, qa_review, rate_limit_bucket, per_branch FROM named_publish_policy WHERE rate_limit_bucket = \$1 ORDER BY name`).
		WithArgs("jelmer").
		WillReturnRows(sqlmock.NewRows([]string{"name", "qa_review", "rate_limit_bucket", "per_branch"}).
			AddRow("default", "required", "jelmer", []byte(`{}`)))

	policies, err := s.ListNamedPolicies(context.Background(), "jelmer")
	require.NoError(t, err)
	require.Len(t, policies, 1)
	assert.Equal(t, "default", policies[0].Name)
	expectationsMet(t, mock)
}
