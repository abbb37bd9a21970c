// Package plan reads work-plan documents and resolves step order.
//
// A plan is a YAML or JSON document:
//
//	title: Auth rework
//	steps:
//	  - id: session-store
//	    title: Persist sessions
//	    tasks: ["..."]
//	    expected_artifacts: [internal/session/store.go]
//	    verification_commands: ["go test ./internal/session/..."]
//	    depends_on: []
package plan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/cadence/internal/artifact"
	"github.com/Iron-Ham/cadence/internal/errors"
)

// Step is one unit of plan work. It is read-only once loaded.
type Step struct {
	ID                   string   `json:"id" yaml:"id"`
	Title                string   `json:"title,omitempty" yaml:"title,omitempty"`
	Tasks                []string `json:"tasks,omitempty" yaml:"tasks,omitempty"`
	ExpectedArtifacts    []string `json:"expected_artifacts,omitempty" yaml:"expected_artifacts,omitempty"`
	VerificationCommands []string `json:"verification_commands,omitempty" yaml:"verification_commands,omitempty"`
	DependsOn            []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
}

// Plan is a parsed work plan.
type Plan struct {
	Title string `json:"title,omitempty" yaml:"title,omitempty"`
	Steps []Step `json:"steps" yaml:"steps"`

	index map[string]int
}

// Load reads a plan from disk. Files ending in .json are parsed as JSON,
// everything else as YAML.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewAdapterError("failed to read plan", err).
			WithAdapter("plan").
			WithOperation("load")
	}
	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".json") {
		format = "json"
	}
	return Parse(data, format)
}

// Parse decodes and validates a plan document.
func Parse(data []byte, format string) (*Plan, error) {
	var p Plan
	switch format {
	case "json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&p); err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrPlanInvalid, err)
		}
	case "yaml", "yml", "":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&p); err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrPlanInvalid, err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported format %q", errors.ErrPlanInvalid, format)
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks step identifiers and dependency references, and builds
// the lookup index.
func (p *Plan) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("%w: plan has no steps", errors.ErrPlanInvalid)
	}

	index := make(map[string]int, len(p.Steps))
	for i, s := range p.Steps {
		if err := artifact.ValidateStepID(s.ID); err != nil {
			return fmt.Errorf("%w: step %d: %v", errors.ErrPlanInvalid, i+1, err)
		}
		if _, dup := index[s.ID]; dup {
			return fmt.Errorf("%w: duplicate step id %q", errors.ErrPlanInvalid, s.ID)
		}
		index[s.ID] = i
	}
	for _, s := range p.Steps {
		for _, dep := range s.DependsOn {
			if dep == s.ID {
				return fmt.Errorf("%w: step %q depends on itself", errors.ErrPlanInvalid, s.ID)
			}
			if _, ok := index[dep]; !ok {
				return fmt.Errorf("%w: step %q depends on unknown step %q", errors.ErrPlanInvalid, s.ID, dep)
			}
		}
	}
	p.index = index

	if _, err := p.Order(); err != nil {
		return err
	}
	return nil
}

func (p *Plan) ensureIndex() {
	if p.index != nil {
		return
	}
	p.index = make(map[string]int, len(p.Steps))
	for i, s := range p.Steps {
		p.index[s.ID] = i
	}
}

// GetStep returns the step with the given id.
func (p *Plan) GetStep(id string) (Step, error) {
	p.ensureIndex()
	i, ok := p.index[id]
	if !ok {
		return Step{}, fmt.Errorf("%w: %s", errors.ErrStepNotFound, id)
	}
	return p.Steps[i], nil
}

// StepIDs returns step ids in document order.
func (p *Plan) StepIDs() []string {
	ids := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		ids[i] = s.ID
	}
	return ids
}

// Order returns step ids in dependency order. Ties keep document order, so a
// plan without dependencies runs top to bottom.
func (p *Plan) Order() ([]string, error) {
	p.ensureIndex()

	inDegree := make(map[string]int, len(p.Steps))
	dependents := make(map[string][]string, len(p.Steps))
	for _, s := range p.Steps {
		for _, dep := range s.DependsOn {
			inDegree[s.ID]++
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	order := make([]string, 0, len(p.Steps))
	done := make(map[string]bool, len(p.Steps))
	for len(order) < len(p.Steps) {
		// Lowest document index among ready steps.
		next := ""
		for _, s := range p.Steps {
			if !done[s.ID] && inDegree[s.ID] == 0 {
				next = s.ID
				break
			}
		}
		if next == "" {
			var stuck []string
			for _, s := range p.Steps {
				if !done[s.ID] {
					stuck = append(stuck, s.ID)
				}
			}
			return nil, fmt.Errorf("%w: %s", errors.ErrDependencyCycle, strings.Join(stuck, ", "))
		}
		done[next] = true
		order = append(order, next)
		for _, d := range dependents[next] {
			inDegree[d]--
		}
	}
	return order, nil
}

// Unmet returns the dependencies of id that are not in completed.
func (p *Plan) Unmet(id string, completed []string) ([]string, error) {
	s, err := p.GetStep(id)
	if err != nil {
		return nil, err
	}
	have := make(map[string]bool, len(completed))
	for _, c := range completed {
		have[c] = true
	}
	var missing []string
	for _, dep := range s.DependsOn {
		if !have[dep] {
			missing = append(missing, dep)
		}
	}
	return missing, nil
}
