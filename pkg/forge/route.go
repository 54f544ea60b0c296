package forge

import (
	"strings"

	"github.com/pkg/errors"
	giturls "github.com/whilp/git-urls"
)

// Router picks the forge responsible for a branch or proposal URL by
// host.
type Router struct {
	byHost map[string]Forge
}

func NewRouter() *Router {
	return &Router{byHost: map[string]Forge{}}
}

// Register binds a host (e.g. "github.com") to a forge.
func (r *Router) Register(host string, f Forge) {
	r.byHost[strings.ToLower(host)] = f
}

// Route returns the forge serving rawurl. Understands both plain and
// scp-style git URLs.
func (r *Router) Route(rawurl string) (Forge, error) {
	u, err := giturls.Parse(rawurl)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %q", rawurl)
	}
	host := strings.ToLower(u.Hostname())
	if f, ok := r.byHost[host]; ok {
		return f, nil
	}
	return nil, errors.Wrapf(ErrUnsupportedForge, "host %q", host)
}

// Hosts lists the hosts with a registered forge.
func (r *Router) Hosts() []string {
	hosts := make([]string, 0, len(r.byHost))
	for h := range r.byHost {
		hosts = append(hosts, h)
	}
	return hosts
}

// Forges lists the registered forges. Hosts sharing a forge are
// deduplicated.
func (r *Router) Forges() []Forge {
	seen := map[Forge]bool{}
	var forges []Forge
	for _, f := range r.byHost {
		if !seen[f] {
			seen[f] = true
			forges = append(forges, f)
		}
	}
	return forges
}
