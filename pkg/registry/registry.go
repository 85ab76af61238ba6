package registry

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ventisec/ventiscan/pkg/log"
	"github.com/ventisec/ventiscan/pkg/types"
)

// DefaultProfileID is the scanner used when a scan names none.
const DefaultProfileID = "ventiapi"

// builtin is the profile shipped with the service. File-loaded profiles
// may override it by reusing the ID.
var builtin = types.WorkerProfile{
	ID:                   DefaultProfileID,
	DisplayName:          "VentiAPI Scanner",
	Description:          "Fuzzing scanner for REST APIs described by OpenAPI documents",
	SupportedTargetKinds: []string{"openapi"},
	ResourceLimits: types.ResourceLimits{
		MemoryBytes: 512 << 20,
		CPUCores:    0.5,
	},
	Timeout: 8 * time.Minute,
	Invocation: types.InvocationTemplate{
		Program: "ventiapi-scanner",
		Args: []string{
			"--spec", "{spec}",
			"--target", "{target}",
			"--output", "{output}",
			"--max-requests", "{max_requests}",
			"--rps", "{rps}",
			"--dangerous", "{dangerous}",
			"--fuzz-auth", "{fuzz_auth}",
		},
	},
}

// Registry resolves scanner profile IDs to worker profiles. Profiles are
// loaded once at startup; the set is immutable afterwards.
type Registry struct {
	profiles map[string]types.WorkerProfile
}

// Defaults carries the configured worker limits. Non-zero fields replace
// the builtin profile's values and backfill file-loaded profiles that
// leave them out.
type Defaults struct {
	ChunkTimeout time.Duration
	Limits       types.ResourceLimits
}

// New builds a registry with the builtin profile plus any profiles from
// the given YAML file (ignored when empty).
func New(profilesFile string, defaults Defaults) (*Registry, error) {
	base := builtin
	if defaults.ChunkTimeout > 0 {
		base.Timeout = defaults.ChunkTimeout
	}
	if defaults.Limits.MemoryBytes > 0 {
		base.ResourceLimits.MemoryBytes = defaults.Limits.MemoryBytes
	}
	if defaults.Limits.CPUCores > 0 {
		base.ResourceLimits.CPUCores = defaults.Limits.CPUCores
	}

	r := &Registry{profiles: map[string]types.WorkerProfile{
		base.ID: base,
	}}

	if profilesFile == "" {
		return r, nil
	}

	data, err := os.ReadFile(profilesFile)
	if err != nil {
		return nil, fmt.Errorf("read scanner profiles: %w", err)
	}

	var file struct {
		Profiles []types.WorkerProfile `yaml:"profiles"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse scanner profiles: %w", err)
	}

	for _, p := range file.Profiles {
		if p.ID == "" || p.Invocation.Program == "" {
			return nil, fmt.Errorf("scanner profile needs id and invocation program")
		}
		if p.Timeout <= 0 {
			p.Timeout = base.Timeout
		}
		if p.ResourceLimits.MemoryBytes <= 0 {
			p.ResourceLimits.MemoryBytes = base.ResourceLimits.MemoryBytes
		}
		if p.ResourceLimits.CPUCores <= 0 {
			p.ResourceLimits.CPUCores = base.ResourceLimits.CPUCores
		}
		r.profiles[p.ID] = p
		log.WithComponent("registry").Info().
			Str("profile", p.ID).
			Str("program", p.Invocation.Program).
			Msg("scanner profile loaded")
	}

	return r, nil
}

// Get resolves a profile ID. Unknown IDs fail with ErrWorkerUnavailable
// so a scan never silently falls back to a different engine.
func (r *Registry) Get(id string) (types.WorkerProfile, error) {
	if id == "" {
		id = DefaultProfileID
	}
	p, ok := r.profiles[id]
	if !ok {
		return types.WorkerProfile{}, fmt.Errorf("scanner %q: %w", id, types.ErrWorkerUnavailable)
	}
	return p, nil
}

// List returns all profiles sorted by ID, for the discovery endpoint.
func (r *Registry) List() []types.WorkerProfile {
	out := make([]types.WorkerProfile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
