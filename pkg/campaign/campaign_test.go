package campaign

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
committer: "Janitor Bot <bot@janitor.example.com>"
campaigns:
  - name: lintian-fixes
    command: lintian-brush
    merge_proposal:
      value_threshold: 30
      title: "Fix lintian issues"
      commit_message: "Fix lintian issues"
      description: |
        Fix some issues reported by lintian:
        {{ range .Result.applied }} * {{ .summary }}
        {{ end }}
  - name: fresh-releases
    command: new-upstream
    branch_name: new-upstream-release
    auto_merge: true
    reviewers: [jelmer]
`

func writeConfig(t *testing.T) string {
	t.Helper()
	dir, err := ioutil.TempDir("", "campaign")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	path := filepath.Join(dir, "janitor.yaml")
	require.NoError(t, ioutil.WriteFile(path, []byte(testConfig), 0644))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t))
	require.NoError(t, err)

	assert.Equal(t, "Janitor Bot <bot@janitor.example.com>", cfg.Committer)
	assert.Equal(t, "control", cfg.ControlCampaign)
	require.Len(t, cfg.Campaigns, 2)

	lintian, ok := cfg.Campaign("lintian-fixes")
	require.True(t, ok)
	assert.Equal(t, "lintian-brush", lintian.Command)
	// branch_name defaults to the campaign name.
	assert.Equal(t, "lintian-fixes", lintian.BranchName)
	assert.Equal(t, 30, lintian.MergeProposal.ValueThreshold)
	assert.Contains(t, lintian.MergeProposal.Description, "lintian")

	fresh, ok := cfg.Campaign("fresh-releases")
	require.True(t, ok)
	assert.Equal(t, "new-upstream-release", fresh.BranchName)
	assert.True(t, fresh.AutoMerge)
	assert.Equal(t, []string{"jelmer"}, fresh.Reviewers)
}

func TestCampaignByBranchName(t *testing.T) {
	cfg, err := Load(writeConfig(t))
	require.NoError(t, err)

	c, ok := cfg.CampaignByBranchName("new-upstream-release")
	require.True(t, ok)
	assert.Equal(t, "fresh-releases", c.Name)

	_, ok = cfg.CampaignByBranchName("unrelated-branch")
	assert.False(t, ok)
}

func TestDerivedBranchName(t *testing.T) {
	c := &Campaign{BranchName: "lintian-fixes"}
	assert.Equal(t, "lintian-fixes", c.DerivedBranchName("main"))
	assert.Equal(t, "lintian-fixes", c.DerivedBranchName(""))
	assert.Equal(t, "lintian-fixes/pristine-tar", c.DerivedBranchName("pristine-tar"))
}
