// Package pipeline defines pipeline descriptions and the YAML DSL they are
// declared in. Descriptions are configuration only; execution is delegated to
// an engine collaborator.
package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/weirlabs/weir/errs"
)

// StageKind classifies a stage's role in the dataflow.
type StageKind string

const (
	// StageSource produces records from an external system.
	StageSource StageKind = "source"
	// StageTransform reshapes records in flight.
	StageTransform StageKind = "transform"
	// StageSink writes records to an external system.
	StageSink StageKind = "sink"
)

// Stage declares one step of a pipeline. Options are opaque plugin settings
// passed through to the engine.
type Stage struct {
	ID      string         `yaml:"id"`
	Kind    StageKind      `yaml:"kind"`
	Plugin  string         `yaml:"plugin"`
	Options map[string]any `yaml:"options"`
}

// Spec is a complete pipeline description. Stage order is preserved from the
// DSL and determines execution and event-reporting order.
type Spec struct {
	Name        string  `yaml:"name"`
	Description string  `yaml:"description"`
	Stages      []Stage `yaml:"stages"`
}

// Parse decodes and validates a single pipeline description.
func Parse(raw []byte) (Spec, error) {
	var spec Spec
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return Spec{}, fmt.Errorf("unmarshal pipeline: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return Spec{}, err
	}
	return spec, nil
}

// ParseFile reads and parses one pipeline DSL file.
func ParseFile(path string) (Spec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Spec{}, fmt.Errorf("read pipeline %q: %w", path, err)
	}
	spec, err := Parse(raw)
	if err != nil {
		return Spec{}, fmt.Errorf("pipeline %q: %w", path, err)
	}
	return spec, nil
}

// LoadDir parses every *.yaml / *.yml file in dir, in lexical order.
func LoadDir(dir string) ([]Spec, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read pipelines dir %q: %w", dir, err)
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml":
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(paths)

	specs := make([]Spec, 0, len(paths))
	seen := make(map[string]string, len(paths))
	for _, path := range paths {
		spec, err := ParseFile(path)
		if err != nil {
			return nil, err
		}
		if prior, ok := seen[spec.Name]; ok {
			return nil, errs.New("pipeline", errs.CodeConflict,
				errs.WithMessage(fmt.Sprintf("pipeline %q declared in both %s and %s", spec.Name, prior, path)))
		}
		seen[spec.Name] = path
		specs = append(specs, spec)
	}
	return specs, nil
}

// Validate rejects descriptions the engine cannot execute.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errs.New("pipeline", errs.CodeInvalid, errs.WithMessage("pipeline name required"))
	}
	if len(s.Stages) == 0 {
		return errs.New("pipeline", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("pipeline %q declares no stages", s.Name)))
	}
	ids := make(map[string]struct{}, len(s.Stages))
	var sources, sinks int
	for i, stage := range s.Stages {
		if strings.TrimSpace(stage.ID) == "" {
			return errs.New("pipeline", errs.CodeInvalid,
				errs.WithMessage(fmt.Sprintf("pipeline %q stage %d has no id", s.Name, i)))
		}
		if _, dup := ids[stage.ID]; dup {
			return errs.New("pipeline", errs.CodeInvalid,
				errs.WithMessage(fmt.Sprintf("pipeline %q duplicates stage id %q", s.Name, stage.ID)))
		}
		ids[stage.ID] = struct{}{}
		switch stage.Kind {
		case StageSource:
			sources++
		case StageSink:
			sinks++
		case StageTransform:
		default:
			return errs.New("pipeline", errs.CodeInvalid,
				errs.WithMessage(fmt.Sprintf("pipeline %q stage %q has unknown kind %q", s.Name, stage.ID, stage.Kind)))
		}
		if strings.TrimSpace(stage.Plugin) == "" {
			return errs.New("pipeline", errs.CodeInvalid,
				errs.WithMessage(fmt.Sprintf("pipeline %q stage %q has no plugin", s.Name, stage.ID)))
		}
	}
	if sources == 0 || sinks == 0 {
		return errs.New("pipeline", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("pipeline %q needs at least one source and one sink", s.Name)))
	}
	return nil
}
