// Package campaign loads the publisher's campaign configuration: which
// codemod campaigns exist, what their derived branches are called, and
// how their merge proposals should read.
package campaign

import (
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
)

// MergeProposalConfig shapes the proposals a campaign opens. The
// templates are text/template sources rendered by publish-one with the
// codemod result in scope.
type MergeProposalConfig struct {
	// ValueThreshold is the minimum run value worth keeping a proposal
	// open for. Zero means no threshold.
	ValueThreshold int    `koanf:"value_threshold"`
	CommitMessage  string `koanf:"commit_message"`
	Title          string `koanf:"title"`
	Description    string `koanf:"description"`
}

// Campaign is one codemod campaign.
type Campaign struct {
	Name          string              `koanf:"name"`
	Command       string              `koanf:"command"`
	BranchName    string              `koanf:"branch_name"`
	MergeProposal MergeProposalConfig `koanf:"merge_proposal"`
	Reviewers     []string            `koanf:"reviewers"`
	AutoMerge     bool                `koanf:"auto_merge"`
}

// Config is the full campaign configuration file.
type Config struct {
	// Committer is the git identity publishes are made under.
	Committer string `koanf:"committer"`
	// ControlCampaign names the campaign whose runs build unmodified
	// sources, for binary diffing. Defaults to "control".
	ControlCampaign string     `koanf:"control_campaign"`
	Campaigns       []Campaign `koanf:"campaigns"`
}

// Load reads a YAML campaign configuration.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, errors.Wrapf(err, "loading %s", path)
	}
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	if cfg.ControlCampaign == "" {
		cfg.ControlCampaign = "control"
	}
	for i := range cfg.Campaigns {
		if cfg.Campaigns[i].BranchName == "" {
			cfg.Campaigns[i].BranchName = cfg.Campaigns[i].Name
		}
	}
	return &cfg, nil
}

// Campaign looks a campaign up by name.
func (c *Config) Campaign(name string) (*Campaign, bool) {
	for i := range c.Campaigns {
		if c.Campaigns[i].Name == name {
			return &c.Campaigns[i], true
		}
	}
	return nil, false
}

// CampaignByBranchName finds the campaign that owns a derived branch
// name. Used to recover context for orphaned merge proposals.
func (c *Config) CampaignByBranchName(branchName string) (*Campaign, bool) {
	for i := range c.Campaigns {
		if c.Campaigns[i].BranchName == branchName {
			return &c.Campaigns[i], true
		}
	}
	return nil, false
}

// DerivedBranchName is the remote branch a role's result branch
// publishes to: the campaign branch for the main role, a suffixed
// variant for auxiliary roles.
func (c *Campaign) DerivedBranchName(role string) string {
	if role == "" || role == "main" {
		return c.BranchName
	}
	return c.BranchName + "/" + role
}
