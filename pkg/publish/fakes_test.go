package publish

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"

	"github.com/janitor-ci/janitor/pkg/campaign"
	"github.com/janitor-ci/janitor/pkg/forge"
	"github.com/janitor-ci/janitor/pkg/ratelimit"
	"github.com/janitor-ci/janitor/pkg/store"
)

type rescheduleCall struct {
	Codebase  string
	Campaign  string
	Command   string
	Bucket    string
	Requestor string
}

// fakeDB is an in-memory Database. Maps are keyed the way the store
// queries them; zero values behave like an empty database.
type fakeDB struct {
	mu sync.Mutex

	runs          map[string]*store.Run            // by id
	lastEffective map[string]*store.Run            // by codebase|campaign
	unchanged     map[string]*store.Run            // by codebase|campaign|mainrev
	bySourceRev   map[string]*store.Run            // by revision
	ready         []store.PublishReadyRun
	branches      map[string][]store.ResultBranch  // by run id
	codebases     map[string]*store.Codebase       // by name
	changeSets    map[string]string                // id → state
	policies      map[string]*store.CandidatePolicy // by codebase|campaign
	attempts      map[string]int                   // by revision
	already       map[string]bool                  // by target|branch|revision
	lastPublish   map[string]time.Time             // by campaign|codebase
	proposalInfos map[string]*store.ProposalInfo   // by url
	proposalRuns  map[string]*store.Run            // by url
	proposalRoles map[string]string                // by url
	previous      map[string][]store.ProposalInfo  // by codebase|branch
	openForBranch map[string]*store.ProposalInfo   // by codebase|branch
	counts        map[string]store.ProposalCounts
	stragglers    []string

	publishes      []*store.Publish
	reschedules    []rescheduleCall
	absorbed       []string // revisions
	branchAbsorbed []string // runID|role
	csPublishing   []string
	deleted        []string // proposal urls
	scanned        []string // proposal urls
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		runs:          map[string]*store.Run{},
		lastEffective: map[string]*store.Run{},
		unchanged:     map[string]*store.Run{},
		bySourceRev:   map[string]*store.Run{},
		branches:      map[string][]store.ResultBranch{},
		codebases:     map[string]*store.Codebase{},
		changeSets:    map[string]string{},
		policies:      map[string]*store.CandidatePolicy{},
		attempts:      map[string]int{},
		already:       map[string]bool{},
		lastPublish:   map[string]time.Time{},
		proposalInfos: map[string]*store.ProposalInfo{},
		proposalRuns:  map[string]*store.Run{},
		proposalRoles: map[string]string{},
		previous:      map[string][]store.ProposalInfo{},
		openForBranch: map[string]*store.ProposalInfo{},
		counts:        map[string]store.ProposalCounts{},
	}
}

func key2(a, b string) string    { return a + "|" + b }
func key3(a, b, c string) string { return a + "|" + b + "|" + c }

func (f *fakeDB) GetProposalInfo(ctx context.Context, url string) (*store.ProposalInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if info, ok := f.proposalInfos[url]; ok {
		cp := *info
		return &cp, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeDB) UpsertProposalInfo(ctx context.Context, info *store.ProposalInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *info
	if old, ok := f.proposalInfos[info.URL]; ok {
		if cp.Codebase == "" {
			cp.Codebase = old.Codebase
		}
		if cp.Revision == "" {
			cp.Revision = old.Revision
		}
		if cp.TargetBranchURL == "" {
			cp.TargetBranchURL = old.TargetBranchURL
		}
		if cp.RateLimitBucket == "" {
			cp.RateLimitBucket = old.RateLimitBucket
		}
		if cp.CanBeMerged == nil {
			cp.CanBeMerged = old.CanBeMerged
		}
	}
	f.proposalInfos[info.URL] = &cp
	return nil
}

func (f *fakeDB) SetProposalStatus(ctx context.Context, url, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.proposalInfos[url]
	if !ok {
		return store.ErrNotFound
	}
	info.Status = status
	return nil
}

func (f *fakeDB) DeleteProposal(ctx context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.proposalInfos[url]; !ok {
		return store.ErrNotFound
	}
	delete(f.proposalInfos, url)
	f.deleted = append(f.deleted, url)
	return nil
}

func (f *fakeDB) MarkScanned(ctx context.Context, url string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if info, ok := f.proposalInfos[url]; ok {
		info.LastScanned = at
	}
	f.scanned = append(f.scanned, url)
	return nil
}

func (f *fakeDB) GetRun(ctx context.Context, id string) (*store.Run, error) {
	if run, ok := f.runs[id]; ok {
		return run, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeDB) GetLastEffectiveRun(ctx context.Context, codebase, campaign string) (*store.Run, error) {
	if run, ok := f.lastEffective[key2(codebase, campaign)]; ok {
		return run, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeDB) GetUnchangedRun(ctx context.Context, codebase, campaign, mainBranchRevision string) (*store.Run, error) {
	if run, ok := f.unchanged[key3(codebase, campaign, mainBranchRevision)]; ok {
		return run, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeDB) GetRunBySourceRevision(ctx context.Context, revision string) (*store.Run, error) {
	if run, ok := f.bySourceRev[revision]; ok {
		return run, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeDB) PublishReady(ctx context.Context, campaign, codebase string) ([]store.PublishReadyRun, error) {
	var out []store.PublishReadyRun
	for _, r := range f.ready {
		if campaign != "" && r.Campaign != campaign {
			continue
		}
		if codebase != "" && r.Codebase != codebase {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeDB) UnpublishedBranches(ctx context.Context, runID string) ([]store.ResultBranch, error) {
	var out []store.ResultBranch
	for _, b := range f.branches[runID] {
		if !b.Absorbed {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeDB) GetResultBranch(ctx context.Context, runID, role string) (*store.ResultBranch, error) {
	for _, b := range f.branches[runID] {
		if b.Role == role {
			cp := b
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeDB) MarkBranchAbsorbed(ctx context.Context, runID, role string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.branchAbsorbed = append(f.branchAbsorbed, key2(runID, role))
	return nil
}

func (f *fakeDB) AbsorbRevision(ctx context.Context, revision string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.absorbed = append(f.absorbed, revision)
	return nil
}

func (f *fakeDB) GetCodebase(ctx context.Context, name string) (*store.Codebase, error) {
	if cb, ok := f.codebases[name]; ok {
		return cb, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeDB) GuessCodebaseFromTargetURL(ctx context.Context, url string) (*store.Codebase, error) {
	for _, cb := range f.codebases {
		if cb.BranchURL == url {
			return cb, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeDB) GetChangeSetState(ctx context.Context, id string) (string, error) {
	if state, ok := f.changeSets[id]; ok {
		return state, nil
	}
	return "", store.ErrNotFound
}

func (f *fakeDB) MarkChangeSetPublishing(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.csPublishing = append(f.csPublishing, id)
	return nil
}

func (f *fakeDB) GetPublishPolicy(ctx context.Context, codebase, campaign string) (*store.CandidatePolicy, error) {
	if p, ok := f.policies[key2(codebase, campaign)]; ok {
		return p, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeDB) GetPublishAttemptCount(ctx context.Context, revision string, excludeCodes []string) (int, error) {
	return f.attempts[revision], nil
}

func (f *fakeDB) AlreadyPublished(ctx context.Context, targetBranchURL, branchName, revision string, modes []string) (bool, error) {
	return f.already[key3(targetBranchURL, branchName, revision)], nil
}

func (f *fakeDB) LastPublishTime(ctx context.Context, campaign, codebase string) (time.Time, error) {
	if t, ok := f.lastPublish[key2(campaign, codebase)]; ok {
		return t, nil
	}
	return time.Time{}, store.ErrNotFound
}

func (f *fakeDB) StorePublish(ctx context.Context, p *store.Publish) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishes = append(f.publishes, p)
	return nil
}

func (f *fakeDB) GetOpenProposalForBranch(ctx context.Context, codebase, branchName string) (*store.ProposalInfo, error) {
	if info, ok := f.openForBranch[key2(codebase, branchName)]; ok {
		return info, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeDB) PreviousProposals(ctx context.Context, codebase, branchName string) ([]store.ProposalInfo, error) {
	return f.previous[key2(codebase, branchName)], nil
}

func (f *fakeDB) GetProposalRun(ctx context.Context, url string) (*store.Run, string, error) {
	if run, ok := f.proposalRuns[url]; ok {
		return run, f.proposalRoles[url], nil
	}
	return nil, "", store.ErrNotFound
}

func (f *fakeDB) CountMPsPerBucket(ctx context.Context) (map[string]store.ProposalCounts, error) {
	return f.counts, nil
}

func (f *fakeDB) StragglerURLs(ctx context.Context, olderThan time.Time, limit int) ([]string, error) {
	if len(f.stragglers) > limit {
		return f.stragglers[:limit], nil
	}
	return f.stragglers, nil
}

func (f *fakeDB) Reschedule(ctx context.Context, codebase, campaign, command, bucket, requestor string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reschedules = append(f.reschedules, rescheduleCall{
		Codebase: codebase, Campaign: campaign, Command: command,
		Bucket: bucket, Requestor: requestor,
	})
	return nil
}

var _ Database = &fakeDB{}

// fakeWorker is a BranchPublisher recording every request it gets.
type fakeWorker struct {
	mu       sync.Mutex
	requests []*Request
	buckets  []string

	result *Result
	err    error
	fn     func(req *Request, bucket string) (*Result, error)
}

func (w *fakeWorker) Publish(ctx context.Context, req *Request, bucket string) (*Result, error) {
	w.mu.Lock()
	w.requests = append(w.requests, req)
	w.buckets = append(w.buckets, bucket)
	w.mu.Unlock()
	if w.fn != nil {
		return w.fn(req, bucket)
	}
	if w.err != nil {
		return nil, w.err
	}
	if w.result != nil {
		return w.result, nil
	}
	return &Result{
		BranchName:      req.DerivedBranchName,
		TargetBranchURL: req.TargetBranchURL,
		Description:     "pushed",
	}, nil
}

// fakeForge records mutations and serves canned proposals.
type fakeForge struct {
	kind      string
	user      string
	proposals map[string]*forge.Proposal
	open      []forge.Proposal

	comments   map[string][]string
	closed     []string
	retargeted map[string]string

	retargetErr error
}

func newFakeForge() *fakeForge {
	return &fakeForge{
		kind:       "github",
		user:       "janitor-bot",
		proposals:  map[string]*forge.Proposal{},
		comments:   map[string][]string{},
		retargeted: map[string]string{},
	}
}

func (f *fakeForge) Kind() string { return f.kind }
func (f *fakeForge) User() string { return f.user }

func (f *fakeForge) GetProposal(ctx context.Context, url string) (*forge.Proposal, error) {
	if mp, ok := f.proposals[url]; ok {
		return mp, nil
	}
	return nil, forge.ErrProposalNotFound
}

func (f *fakeForge) ListOpenProposals(ctx context.Context) ([]forge.Proposal, error) {
	return f.open, nil
}

func (f *fakeForge) CreateProposal(ctx context.Context, req forge.CreateProposalRequest) (*forge.Proposal, error) {
	return nil, errors.New("not supported in tests")
}

func (f *fakeForge) UpdateProposal(ctx context.Context, url string, update forge.ProposalUpdate) error {
	return nil
}

func (f *fakeForge) CloseProposal(ctx context.Context, url string) error {
	f.closed = append(f.closed, url)
	return nil
}

func (f *fakeForge) PostComment(ctx context.Context, url, comment string) error {
	f.comments[url] = append(f.comments[url], comment)
	return nil
}

func (f *fakeForge) RetargetProposal(ctx context.Context, url, targetBranchName string) error {
	if f.retargetErr != nil {
		return f.retargetErr
	}
	f.retargeted[url] = targetBranchName
	return nil
}

func (f *fakeForge) AuthenticatedPushURL(repoURL string) (string, error) {
	return repoURL, nil
}

var _ forge.Forge = &fakeForge{}

// fakeVCS resolves branch URLs without a VCS store.
type fakeVCS struct{}

func (fakeVCS) BranchURL(codebase, branchName string) string {
	return "https://vcs.example.com/git/" + codebase + "?branch=" + branchName
}

func (fakeVCS) Diff(ctx context.Context, codebase, oldRevision, newRevision string) ([]byte, error) {
	return nil, nil
}

// recordingLimiter tracks Inc calls and snapshots on top of a
// configurable verdict.
type recordingLimiter struct {
	allowErr error
	incs     []string
	snapshot map[string]ratelimit.Counts
}

func (l *recordingLimiter) SetProposalCounts(counts map[string]ratelimit.Counts) {
	l.snapshot = counts
}
func (l *recordingLimiter) CheckAllowed(bucket string) error  { return l.allowErr }
func (l *recordingLimiter) Inc(bucket string)                 { l.incs = append(l.incs, bucket) }
func (l *recordingLimiter) Stats() map[string]ratelimit.Stats { return nil }

// recordingBus captures bus notifications.
type recordingBus struct {
	mu     sync.Mutex
	topics []string
	msgs   []interface{}
}

func (b *recordingBus) Publish(topic string, msg interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics = append(b.topics, topic)
	b.msgs = append(b.msgs, msg)
	return nil
}

var testEpoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testCampaigns() *campaign.Config {
	return &campaign.Config{
		Committer:       "Janitor Bot <bot@janitor.example.com>",
		ControlCampaign: "control",
		Campaigns: []campaign.Campaign{
			{
				Name:       "lintian-fixes",
				Command:    "lintian-brush",
				BranchName: "lintian-fixes",
				MergeProposal: campaign.MergeProposalConfig{
					Title: "Fix lintian issues",
				},
			},
			{
				Name:       "fresh-releases",
				Command:    "new-upstream",
				BranchName: "new-upstream-release",
				MergeProposal: campaign.MergeProposalConfig{
					ValueThreshold: 10,
				},
			},
		},
	}
}

func newTestPublisher(db *fakeDB, worker BranchPublisher, mutate ...func(*Config)) (*Publisher, clockwork.FakeClock) {
	clock := clockwork.NewFakeClockAt(testEpoch)
	cfg := Config{
		DB:        db,
		Worker:    worker,
		Proposals: NewProposalInfoManager(db, nil, clock, nil),
		Campaigns: testCampaigns(),
		VCS:       fakeVCS{},
		Clock:     clock,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	return NewPublisher(cfg), clock
}

// readyRun returns a publishable fixture: an approved successful run
// finished an hour before the test clock's epoch.
func readyRun() store.PublishReadyRun {
	return store.PublishReadyRun{
		Run: store.Run{
			ID:                 "run-1",
			Codebase:           "dulwich",
			Campaign:           "lintian-fixes",
			Command:            "lintian-brush",
			FinishTime:         testEpoch.Add(-time.Hour),
			ResultCode:         "success",
			MainBranchRevision: "main-rev",
			Revision:           "new-rev",
			BranchURL:          "https://vcs.example.com/git/dulwich?branch=lintian-fixes",
			TargetBranchURL:    "https://github.com/jelmer/dulwich",
			PublishStatus:      store.PublishStatusApproved,
		},
	}
}

func mainBranch(runID, revision string) store.ResultBranch {
	return store.ResultBranch{
		RunID:      runID,
		Role:       "main",
		RemoteName: "lintian-fixes/main",
		Revision:   revision,
	}
}

func proposePolicy(bucket string) *store.CandidatePolicy {
	return &store.CandidatePolicy{
		Codebase: "dulwich",
		Campaign: "lintian-fixes",
		Command:  "lintian-brush",
		Policy: &store.PublishPolicy{
			Name:            "default",
			RateLimitBucket: bucket,
			PerBranch: map[string]store.BranchPolicy{
				"main": {Mode: string(ModePropose)},
			},
		},
	}
}
