// Package profile describes agent profiles: which backend architecture a
// session runs, the sandbox image it needs and the command line that starts
// a query. Sessions reference profiles by name.
package profile

import (
	"fmt"
	"strings"
)

// Profile is one runnable agent configuration.
type Profile struct {
	Name         string            `json:"name"`
	Architecture string            `json:"architecture"`
	Image        string            `json:"image,omitempty"`
	// Command is the base argv for one query; the query text is appended as
	// the final argument.
	Command []string          `json:"command"`
	Env     map[string]string `json:"env,omitempty"`
}

// Registry holds the known profiles. Immutable after construction.
type Registry struct {
	profiles map[string]Profile
}

// NewRegistry builds a registry from the given profiles.
func NewRegistry(profiles ...Profile) *Registry {
	r := &Registry{profiles: make(map[string]Profile, len(profiles))}
	for _, p := range profiles {
		r.profiles[strings.ToLower(p.Name)] = p
	}
	return r
}

// Resolve looks up a profile by reference. A reference is the profile name,
// optionally suffixed with "@<tag>"; tags select nothing today but keep the
// reference format stable for callers that pin versions.
func (r *Registry) Resolve(ref string) (Profile, error) {
	name := ref
	if at := strings.IndexByte(ref, '@'); at >= 0 {
		name = ref[:at]
	}
	p, ok := r.profiles[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Profile{}, fmt.Errorf("unknown agent profile %q", ref)
	}
	return p, nil
}

// Known reports whether the reference resolves.
func (r *Registry) Known(ref string) bool {
	_, err := r.Resolve(ref)
	return err == nil
}
