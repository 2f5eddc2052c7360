package playbook

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/adaefler-art/codefactory-control/internal/policy"
	"github.com/adaefler-art/codefactory-control/pkg/types"
)

var ErrNoPlaybook = errors.New("playbook: no applicable playbook")

type entry struct {
	version *semver.Version
	pb      Playbook
}

// Registry holds every known version of every playbook.
type Registry struct {
	byID map[string][]entry
}

func NewRegistry(pbs ...Playbook) (*Registry, error) {
	r := &Registry{byID: map[string][]entry{}}
	for _, pb := range pbs {
		if err := r.Register(pb); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(pb Playbook) error {
	if err := pb.Validate(); err != nil {
		return err
	}
	v, err := semver.StrictNewVersion(pb.Definition.Version)
	if err != nil {
		return fmt.Errorf("playbook %s: version %q: %w", pb.Definition.ID, pb.Definition.Version, err)
	}
	if _, err := NewEvidenceValidator(pb.Definition.ID, pb.Definition.RequiredEvidence); err != nil {
		return err
	}
	entries := r.byID[pb.Definition.ID]
	for _, e := range entries {
		if e.version.Equal(v) {
			return fmt.Errorf("playbook %s: version %s already registered", pb.Definition.ID, v)
		}
	}
	entries = append(entries, entry{version: v, pb: pb})
	sort.Slice(entries, func(i, j int) bool { return entries[i].version.GreaterThan(entries[j].version) })
	r.byID[pb.Definition.ID] = entries
	return nil
}

// Get returns the highest version of id.
func (r *Registry) Get(id string) (Playbook, bool) {
	entries := r.byID[id]
	if len(entries) == 0 {
		return Playbook{}, false
	}
	return entries[0].pb, true
}

// Resolve returns the highest version of id satisfying constraint, e.g. "^2".
func (r *Registry) Resolve(id, constraint string) (Playbook, error) {
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return Playbook{}, fmt.Errorf("playbook %s: constraint %q: %w", id, constraint, err)
	}
	for _, e := range r.byID[id] {
		if c.Check(e.version) {
			return e.pb, nil
		}
	}
	return Playbook{}, fmt.Errorf("%w: %s %s", ErrNoPlaybook, id, constraint)
}

// ForCategory picks the highest version applicable to category. Across
// different playbooks the lowest id wins so the choice is stable.
func (r *Registry) ForCategory(category string) (Playbook, error) {
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		for _, e := range r.byID[id] {
			for _, c := range e.pb.Definition.ApplicableCategories {
				if c == category {
					return e.pb, nil
				}
			}
		}
	}
	return Playbook{}, fmt.Errorf("%w: category %q", ErrNoPlaybook, category)
}

// Definitions lists every registered definition, by id then newest first.
func (r *Registry) Definitions() []Definition {
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := []Definition{}
	for _, id := range ids {
		for _, e := range r.byID[id] {
			out = append(out, e.pb.Definition)
		}
	}
	return out
}

// CategoryFor maps a verdict to an incident category through the snapshot it
// was evaluated against.
func CategoryFor(snap policy.Snapshot, v types.Verdict) (string, bool) {
	if v.PolicySnapshotID != snap.ID {
		return "", false
	}
	return snap.CategoryFor(v.ErrorClass)
}

// Deps wires the canonical playbooks.
type Deps struct {
	Lawbook   Lawbook
	Workflows WorkflowAdapter
	Services  ServiceAdapter
	Deploys   DeployAdapter
	Verifier  Verifier
	Mapper    TargetMapper
	Poller    Poller
	Now       func() time.Time
}

func Canonical(d Deps) []Playbook {
	return []Playbook{
		SafeRetryRunner(SafeRetryDeps{Lawbook: d.Lawbook, Workflows: d.Workflows, Poller: d.Poller}),
		ServiceHealthReset(ServiceResetDeps{Lawbook: d.Lawbook, Services: d.Services, Mapper: d.Mapper, Verifier: d.Verifier, Poller: d.Poller, Now: d.Now}),
		RedeployLKG(RedeployDeps{Lawbook: d.Lawbook, Deploys: d.Deploys, Verifier: d.Verifier, Now: d.Now}),
	}
}

func NewCanonicalRegistry(d Deps) (*Registry, error) {
	return NewRegistry(Canonical(d)...)
}
