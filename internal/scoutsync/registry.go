package scoutsync

import (
	"fmt"
	"sort"
	"strings"
)

// ServerConfig describes one backend server.
type ServerConfig struct {
	Domain         string `yaml:"domain"`
	APIKey         string `yaml:"apiKey"`
	Primary        bool   `yaml:"primary"`
	SuppliesReads  bool   `yaml:"reads"`
	SuppliesImages bool   `yaml:"images"`
}

// Registry is the ordered set of configured servers. All views are derived
// once in NewRegistry and never re-sorted; accessors hand out copies so
// callers cannot disturb the order seen by anyone else.
type Registry struct {
	all         []ServerConfig
	primary     *ServerConfig
	submissions []ServerConfig
	reads       []ServerConfig
	images      []ServerConfig
}

func NewRegistry(servers []ServerConfig) (*Registry, error) {
	all := make([]ServerConfig, 0, len(servers))
	seen := map[string]struct{}{}
	for i, s := range servers {
		s.Domain = strings.TrimRight(strings.TrimSpace(s.Domain), "/")
		if s.Domain == "" {
			return nil, fmt.Errorf("servers[%d].domain is required", i)
		}
		if !strings.HasPrefix(s.Domain, "http://") && !strings.HasPrefix(s.Domain, "https://") {
			return nil, fmt.Errorf("servers[%d].domain: %q must start with http:// or https://", i, s.Domain)
		}
		if _, dup := seen[s.Domain]; dup {
			return nil, fmt.Errorf("servers[%d].domain: duplicate %q", i, s.Domain)
		}
		seen[s.Domain] = struct{}{}
		all = append(all, s)
	}

	r := &Registry{all: all}
	for i := range all {
		if all[i].Primary {
			p := all[i]
			r.primary = &p
			break
		}
	}

	// Mirrors first, primary last: the primary is attempted in addition to
	// every mirror, never instead of one.
	r.submissions = append([]ServerConfig(nil), all...)
	sort.SliceStable(r.submissions, func(i, j int) bool {
		return !r.submissions[i].Primary && r.submissions[j].Primary
	})

	for _, s := range all {
		if s.SuppliesReads {
			r.reads = append(r.reads, s)
		}
		if s.SuppliesImages {
			r.images = append(r.images, s)
		}
	}
	sort.SliceStable(r.reads, func(i, j int) bool {
		return r.reads[i].Primary && !r.reads[j].Primary
	})
	return r, nil
}

// Primary is the first server flagged primary. Pings and latency probes go
// there.
func (r *Registry) Primary() (ServerConfig, bool) {
	if r.primary == nil {
		return ServerConfig{}, false
	}
	return *r.primary, true
}

// PrimaryReadSource is the read source tried first on a cache refresh.
func (r *Registry) PrimaryReadSource() (ServerConfig, bool) {
	if len(r.reads) == 0 {
		return ServerConfig{}, false
	}
	return r.reads[0], true
}

func (r *Registry) All() []ServerConfig               { return cloneServers(r.all) }
func (r *Registry) SubmissionTargets() []ServerConfig { return cloneServers(r.submissions) }
func (r *Registry) ReadSources() []ServerConfig       { return cloneServers(r.reads) }
func (r *Registry) ImageSources() []ServerConfig      { return cloneServers(r.images) }

func (r *Registry) Len() int { return len(r.all) }

func cloneServers(in []ServerConfig) []ServerConfig {
	if len(in) == 0 {
		return nil
	}
	out := make([]ServerConfig, len(in))
	copy(out, in)
	return out
}
