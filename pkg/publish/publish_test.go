package publish

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/janitor-ci/janitor/pkg/ratelimit"
	"github.com/janitor-ci/janitor/pkg/store"
)

func TestConsiderPublishRunProposes(t *testing.T) {
	db := newFakeDB()
	run := readyRun()
	db.branches["run-1"] = []store.ResultBranch{mainBranch("run-1", "new-rev")}
	db.policies[key2("dulwich", "lintian-fixes")] = proposePolicy("jelmer")

	w := &fakeWorker{result: &Result{
		ProposalURL: "https://github.com/jelmer/dulwich/pull/7",
		IsNew:       true,
		BranchName:  "lintian-fixes",
	}}
	p, _ := newTestPublisher(db, w)

	pubs, err := p.considerPublishRun(context.Background(), &run, publishOptions{requestor: "test"})
	require.NoError(t, err)
	require.Len(t, pubs, 1)
	assert.Equal(t, CodeSuccess, pubs[0].ResultCode)
	assert.Equal(t, string(ModePropose), pubs[0].Mode)
	assert.Equal(t, "https://github.com/jelmer/dulwich/pull/7", pubs[0].MergeProposalURL)
	assert.Equal(t, "test", pubs[0].Requestor)

	require.Len(t, w.requests, 1)
	req := w.requests[0]
	assert.Equal(t, "lintian-fixes", req.Campaign)
	assert.Equal(t, "dulwich", req.Codebase)
	assert.Equal(t, ModePropose, req.Mode)
	assert.Equal(t, "lintian-fixes", req.DerivedBranchName)
	assert.Equal(t, "https://github.com/jelmer/dulwich", req.TargetBranchURL)
	assert.Equal(t, "https://vcs.example.com/git/dulwich?branch=lintian-fixes/main", req.SourceBranchURL)
	assert.Equal(t, "run-1", req.LogID)
	assert.Equal(t, "new-rev", req.Revision)
	assert.True(t, req.AllowCreateProposal)
	assert.Equal(t, []string{"jelmer"}, w.buckets)

	// The new proposal is on file for the scan loop.
	info, ok := db.proposalInfos["https://github.com/jelmer/dulwich/pull/7"]
	require.True(t, ok)
	assert.Equal(t, store.ProposalOpen, info.Status)
	assert.Equal(t, "dulwich", info.Codebase)
	assert.Equal(t, "jelmer", info.RateLimitBucket)
	require.Len(t, db.publishes, 1)
}

func TestConsiderPublishRunSkipsUnapproved(t *testing.T) {
	db := newFakeDB()
	run := readyRun()
	run.PublishStatus = store.PublishStatusRejected
	w := &fakeWorker{}
	p, _ := newTestPublisher(db, w)

	pubs, err := p.considerPublishRun(context.Background(), &run, publishOptions{})
	require.NoError(t, err)
	assert.Empty(t, pubs)
	assert.Empty(t, w.requests)
}

func TestConsiderPublishRunBackoff(t *testing.T) {
	db := newFakeDB()
	run := readyRun()
	db.branches["run-1"] = []store.ResultBranch{mainBranch("run-1", "new-rev")}
	db.policies[key2("dulwich", "lintian-fixes")] = proposePolicy("jelmer")
	// Three earlier attempts put the next try 8h after the run
	// finished, which is 7h from the test epoch.
	db.attempts["new-rev"] = 3

	w := &fakeWorker{result: &Result{}}
	p, clock := newTestPublisher(db, w)

	pubs, err := p.considerPublishRun(context.Background(), &run, publishOptions{})
	require.NoError(t, err)
	assert.Empty(t, pubs)
	assert.Empty(t, w.requests)

	clock.Advance(7*time.Hour + time.Minute)
	pubs, err = p.considerPublishRun(context.Background(), &run, publishOptions{})
	require.NoError(t, err)
	assert.Len(t, pubs, 1)
	assert.Len(t, w.requests, 1)
}

func TestConsiderPublishRunRefusedProposalStops(t *testing.T) {
	for _, tc := range []struct {
		status string
		blocks bool
	}{
		{store.ProposalRejected, true},
		{store.ProposalClosed, true},
		{store.ProposalMerged, false},
		{store.ProposalAbandoned, false},
	} {
		t.Run(tc.status, func(t *testing.T) {
			db := newFakeDB()
			run := readyRun()
			db.branches["run-1"] = []store.ResultBranch{mainBranch("run-1", "new-rev")}
			db.policies[key2("dulwich", "lintian-fixes")] = proposePolicy("jelmer")
			db.previous[key2("dulwich", "lintian-fixes")] = []store.ProposalInfo{
				{URL: "https://github.com/jelmer/dulwich/pull/3", Status: tc.status},
			}

			w := &fakeWorker{result: &Result{}}
			p, _ := newTestPublisher(db, w)
			pubs, err := p.considerPublishRun(context.Background(), &run, publishOptions{})
			require.NoError(t, err)
			if tc.blocks {
				assert.Empty(t, pubs, "a %s proposal must stop publishing", tc.status)
				assert.Empty(t, w.requests)
			} else {
				assert.Len(t, w.requests, 1)
			}
		})
	}
}

func TestConsiderPublishRunNoCandidate(t *testing.T) {
	db := newFakeDB()
	run := readyRun()
	db.branches["run-1"] = []store.ResultBranch{mainBranch("run-1", "new-rev")}
	w := &fakeWorker{}
	p, _ := newTestPublisher(db, w)

	pubs, err := p.considerPublishRun(context.Background(), &run, publishOptions{})
	require.NoError(t, err)
	assert.Empty(t, pubs)
	assert.Empty(t, w.requests)
}

func TestPublishFromPolicyStaleCommand(t *testing.T) {
	db := newFakeDB()
	run := readyRun()
	db.branches["run-1"] = []store.ResultBranch{mainBranch("run-1", "new-rev")}
	policy := proposePolicy("jelmer")
	policy.Command = "lintian-brush --modern"
	db.policies[key2("dulwich", "lintian-fixes")] = policy

	w := &fakeWorker{}
	p, _ := newTestPublisher(db, w)
	pubs, err := p.considerPublishRun(context.Background(), &run, publishOptions{})
	require.NoError(t, err)
	assert.Empty(t, pubs)
	assert.Empty(t, w.requests)

	require.Len(t, db.reschedules, 1)
	assert.Equal(t, store.BucketUpdateNewMP, db.reschedules[0].Bucket)
	assert.Equal(t, "lintian-brush --modern", db.reschedules[0].Command)
}

func TestPublishFromPolicyAlreadyPublished(t *testing.T) {
	db := newFakeDB()
	run := readyRun()
	db.branches["run-1"] = []store.ResultBranch{mainBranch("run-1", "new-rev")}
	db.policies[key2("dulwich", "lintian-fixes")] = proposePolicy("jelmer")
	db.already[key3("https://github.com/jelmer/dulwich", "lintian-fixes", "new-rev")] = true

	w := &fakeWorker{}
	p, _ := newTestPublisher(db, w)
	pubs, err := p.considerPublishRun(context.Background(), &run, publishOptions{})
	require.NoError(t, err)
	assert.Empty(t, pubs)
	assert.Empty(t, w.requests)
	assert.Empty(t, db.publishes)
}

func TestPublishFromPolicyRateLimited(t *testing.T) {
	db := newFakeDB()
	run := readyRun()
	db.branches["run-1"] = []store.ResultBranch{mainBranch("run-1", "new-rev")}
	db.policies[key2("dulwich", "lintian-fixes")] = proposePolicy("jelmer")

	w := &fakeWorker{}
	limiter := &recordingLimiter{allowErr: &ratelimit.BucketRateLimitedError{
		Bucket: "jelmer", Open: 5, MaxOpen: 4,
	}}
	p, _ := newTestPublisher(db, w, func(cfg *Config) { cfg.Limiter = limiter })

	pubs, err := p.considerPublishRun(context.Background(), &run, publishOptions{})
	require.NoError(t, err)
	assert.Empty(t, pubs)
	assert.Empty(t, w.requests, "rate limited runs must not reach the worker")

	// Lifting the limit lets the same run through.
	limiter.allowErr = nil
	pubs, err = p.considerPublishRun(context.Background(), &run, publishOptions{})
	require.NoError(t, err)
	assert.Len(t, pubs, 1)
}

func TestPublishFromPolicyOpenProposalLeftToScanLoop(t *testing.T) {
	db := newFakeDB()
	run := readyRun()
	db.branches["run-1"] = []store.ResultBranch{mainBranch("run-1", "new-rev")}
	db.policies[key2("dulwich", "lintian-fixes")] = proposePolicy("jelmer")
	db.openForBranch[key2("dulwich", "lintian-fixes")] = &store.ProposalInfo{
		URL: "https://github.com/jelmer/dulwich/pull/3", Status: store.ProposalOpen,
	}

	w := &fakeWorker{}
	p, _ := newTestPublisher(db, w)
	pubs, err := p.considerPublishRun(context.Background(), &run, publishOptions{})
	require.NoError(t, err)
	assert.Empty(t, pubs)
	assert.Empty(t, w.requests)
}

func TestPublishFromPolicyFrequencyLimited(t *testing.T) {
	db := newFakeDB()
	run := readyRun()
	db.branches["run-1"] = []store.ResultBranch{mainBranch("run-1", "new-rev")}
	policy := proposePolicy("jelmer")
	policy.Policy.PerBranch["main"] = store.BranchPolicy{
		Mode:             string(ModePropose),
		MaxFrequencyDays: 7,
	}
	db.policies[key2("dulwich", "lintian-fixes")] = policy
	db.lastPublish[key2("lintian-fixes", "dulwich")] = testEpoch.Add(-24 * time.Hour)

	w := &fakeWorker{result: &Result{}}
	p, clock := newTestPublisher(db, w)

	pubs, err := p.considerPublishRun(context.Background(), &run, publishOptions{})
	require.NoError(t, err)
	assert.Empty(t, pubs)
	assert.Empty(t, w.requests)

	// A week later the gate opens again.
	clock.Advance(7 * 24 * time.Hour)
	pubs, err = p.considerPublishRun(context.Background(), &run, publishOptions{})
	require.NoError(t, err)
	assert.Len(t, pubs, 1)
}

func TestConsiderPublishRunMainRoleLast(t *testing.T) {
	policy := proposePolicy("jelmer")
	policy.Policy.PerBranch["docs"] = store.BranchPolicy{Mode: string(ModePush)}

	setup := func() (*fakeDB, store.PublishReadyRun) {
		db := newFakeDB()
		run := readyRun()
		docs := store.ResultBranch{RunID: "run-1", Role: "docs", RemoteName: "lintian-fixes/docs", Revision: "docs-rev"}
		db.branches["run-1"] = []store.ResultBranch{mainBranch("run-1", "new-rev"), docs}
		db.policies[key2("dulwich", "lintian-fixes")] = policy
		return db, run
	}

	t.Run("sibling failure holds back main", func(t *testing.T) {
		db, run := setup()
		w := &fakeWorker{fn: func(req *Request, bucket string) (*Result, error) {
			if req.Role == "docs" {
				return nil, &PublishFailure{Mode: req.Mode, Code: CodePushFailed, Description: "remote hung up"}
			}
			return &Result{}, nil
		}}
		p, _ := newTestPublisher(db, w)

		pubs, err := p.considerPublishRun(context.Background(), &run, publishOptions{})
		require.NoError(t, err)
		require.Len(t, w.requests, 1, "main must not be attempted after a sibling failure")
		assert.Equal(t, "docs", w.requests[0].Role)
		require.Len(t, pubs, 1)
		assert.Equal(t, CodePushFailed, pubs[0].ResultCode)
	})

	t.Run("siblings first, then main", func(t *testing.T) {
		db, run := setup()
		w := &fakeWorker{result: &Result{}}
		p, _ := newTestPublisher(db, w)

		pubs, err := p.considerPublishRun(context.Background(), &run, publishOptions{})
		require.NoError(t, err)
		require.Len(t, w.requests, 2)
		assert.Equal(t, "docs", w.requests[0].Role)
		assert.Equal(t, "main", w.requests[1].Role)
		assert.Len(t, pubs, 2)
	})
}

func TestPublishFromPolicyAttemptPushResolution(t *testing.T) {
	policy := proposePolicy("jelmer")
	policy.Policy.PerBranch["main"] = store.BranchPolicy{Mode: string(ModeAttemptPush)}

	t.Run("push went through", func(t *testing.T) {
		db := newFakeDB()
		run := readyRun()
		db.branches["run-1"] = []store.ResultBranch{mainBranch("run-1", "new-rev")}
		db.policies[key2("dulwich", "lintian-fixes")] = policy

		w := &fakeWorker{result: &Result{BranchName: "lintian-fixes"}}
		p, _ := newTestPublisher(db, w)
		pubs, err := p.considerPublishRun(context.Background(), &run, publishOptions{})
		require.NoError(t, err)
		require.Len(t, pubs, 1)
		assert.Equal(t, string(ModePush), pubs[0].Mode)
		// A landed push absorbs the branch.
		assert.Equal(t, []string{key2("run-1", "main")}, db.branchAbsorbed)
	})

	t.Run("fell back to a proposal", func(t *testing.T) {
		db := newFakeDB()
		run := readyRun()
		db.branches["run-1"] = []store.ResultBranch{mainBranch("run-1", "new-rev")}
		db.policies[key2("dulwich", "lintian-fixes")] = policy

		w := &fakeWorker{result: &Result{
			ProposalURL: "https://github.com/jelmer/dulwich/pull/8",
			IsNew:       true,
		}}
		p, _ := newTestPublisher(db, w)
		pubs, err := p.considerPublishRun(context.Background(), &run, publishOptions{})
		require.NoError(t, err)
		require.Len(t, pubs, 1)
		assert.Equal(t, string(ModePropose), pubs[0].Mode)
		assert.Empty(t, db.branchAbsorbed)
	})
}

func TestPublishFromPolicyRecordsFailure(t *testing.T) {
	db := newFakeDB()
	run := readyRun()
	db.branches["run-1"] = []store.ResultBranch{mainBranch("run-1", "new-rev")}
	db.policies[key2("dulwich", "lintian-fixes")] = proposePolicy("jelmer")

	w := &fakeWorker{err: &PublishFailure{
		Mode:        ModePropose,
		Code:        CodeMergeConflict,
		Description: "conflict in debian/changelog",
	}}
	p, _ := newTestPublisher(db, w)
	pubs, err := p.considerPublishRun(context.Background(), &run, publishOptions{})
	require.NoError(t, err, "structured failures are recorded, not returned")
	require.Len(t, pubs, 1)
	assert.Equal(t, CodeMergeConflict, pubs[0].ResultCode)

	// A conflict means the codemod needs re-running against current
	// upstream.
	require.Len(t, db.reschedules, 1)
	assert.Equal(t, store.BucketUpdateNewMP, db.reschedules[0].Bucket)
}

func TestPublishFromPolicyValueThreshold(t *testing.T) {
	db := newFakeDB()
	run := readyRun()
	run.Campaign = "fresh-releases"
	run.Command = "new-upstream"
	value := 5
	run.Value = &value
	db.branches["run-1"] = []store.ResultBranch{{
		RunID: "run-1", Role: "main", RemoteName: "new-upstream-release/main", Revision: "new-rev",
	}}
	db.policies[key2("dulwich", "fresh-releases")] = &store.CandidatePolicy{
		Codebase: "dulwich",
		Campaign: "fresh-releases",
		Command:  "new-upstream",
		Policy: &store.PublishPolicy{
			Name:      "releases",
			PerBranch: map[string]store.BranchPolicy{"main": {Mode: string(ModePropose)}},
		},
	}

	w := &fakeWorker{result: &Result{}}
	p, _ := newTestPublisher(db, w)
	_, err := p.considerPublishRun(context.Background(), &run, publishOptions{})
	require.NoError(t, err)
	require.Len(t, w.requests, 1)
	// Below the campaign threshold: the worker may update an existing
	// proposal, never open a new one.
	assert.False(t, w.requests[0].AllowCreateProposal)
}

func TestPublishFromPolicyMissingControlRun(t *testing.T) {
	db := newFakeDB()
	run := readyRun()
	db.branches["run-1"] = []store.ResultBranch{mainBranch("run-1", "new-rev")}
	db.policies[key2("dulwich", "lintian-fixes")] = proposePolicy("jelmer")

	w := &fakeWorker{}
	p, _ := newTestPublisher(db, w, func(cfg *Config) { cfg.RequireBinaryDiff = true })

	pubs, err := p.considerPublishRun(context.Background(), &run, publishOptions{})
	require.NoError(t, err)
	require.Len(t, pubs, 1)
	assert.Equal(t, CodeMissingBuildDiffControl, pubs[0].ResultCode)
	assert.Empty(t, w.requests)

	// A control run gets requested so the diff can exist next time.
	require.Len(t, db.reschedules, 1)
	assert.Equal(t, store.BucketControl, db.reschedules[0].Bucket)
	assert.Equal(t, "control", db.reschedules[0].Campaign)
}

func TestPublishManuallyOverridesMode(t *testing.T) {
	db := newFakeDB()
	run := readyRun()
	db.ready = []store.PublishReadyRun{run}
	db.branches["run-1"] = []store.ResultBranch{mainBranch("run-1", "new-rev")}
	db.policies[key2("dulwich", "lintian-fixes")] = proposePolicy("jelmer")

	w := &fakeWorker{result: &Result{}}
	p, _ := newTestPublisher(db, w)

	runID, pubs, err := p.PublishManually(context.Background(), "lintian-fixes", "dulwich", ModePush, "operator")
	require.NoError(t, err)
	assert.Equal(t, "run-1", runID)
	require.Len(t, pubs, 1)
	assert.Equal(t, string(ModePush), pubs[0].Mode)
	assert.Equal(t, "operator", pubs[0].Requestor)
	require.Len(t, w.requests, 1)
	assert.Equal(t, ModePush, w.requests[0].Mode)
}

func TestPublishManuallyNothingReady(t *testing.T) {
	db := newFakeDB()
	last := readyRun()
	db.lastEffective[key2("dulwich", "lintian-fixes")] = &last.Run

	w := &fakeWorker{}
	p, _ := newTestPublisher(db, w)
	runID, pubs, err := p.PublishManually(context.Background(), "lintian-fixes", "dulwich", "", "operator")
	require.NoError(t, err)
	assert.Equal(t, "run-1", runID)
	assert.Empty(t, pubs)
	assert.Empty(t, w.requests)
}
