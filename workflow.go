package mapreduce

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Options is the serialized form of a workflow definition.
type Options struct {
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Env         map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Setup       []*Step           `json:"setup,omitempty" yaml:"setup,omitempty"`
	Map         *MapConfig        `json:"map" yaml:"map"`
	Reduce      []*Step           `json:"reduce,omitempty" yaml:"reduce,omitempty"`
	ErrorPolicy ErrorPolicy       `json:"error_policy,omitempty" yaml:"error_policy,omitempty"`
	Checkpoint  CheckpointPolicy  `json:"checkpoint,omitempty" yaml:"checkpoint,omitempty"`
	Path        string            `json:"path,omitempty" yaml:"-"`
}

// Workflow is a validated Setup, Map, Reduce definition.
type Workflow struct {
	name        string
	description string
	path        string
	hash        string
	env         map[string]string
	setup       []*Step
	mapConfig   *MapConfig
	reduce      []*Step
	errorPolicy ErrorPolicy
	checkpoint  CheckpointPolicy
}

const (
	defaultMaxParallel = 4
	defaultRetryLimit  = 3
	defaultEveryItems  = 1
	defaultHistory     = 10
	defaultBackoff     = Duration(time.Second)
)

// New validates opts and fills in defaults.
func New(opts Options) (*Workflow, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("workflow name required")
	}
	if opts.Map == nil {
		return nil, fmt.Errorf("map phase required")
	}
	m := *opts.Map
	if m.Input == "" {
		return nil, fmt.Errorf("map input required")
	}
	if len(m.Agent) == 0 {
		return nil, fmt.Errorf("map agent steps required")
	}
	if m.MaxParallel <= 0 {
		m.MaxParallel = defaultMaxParallel
	}
	if m.RetryLimit <= 0 {
		m.RetryLimit = defaultRetryLimit
	}
	if m.RetryBackoff <= 0 {
		m.RetryBackoff = defaultBackoff
	}
	if m.Offset < 0 || m.MaxItems < 0 {
		return nil, fmt.Errorf("map offset and max_items must not be negative")
	}
	if err := opts.ErrorPolicy.validate(); err != nil {
		return nil, err
	}
	cp := opts.Checkpoint
	if cp.EveryItems <= 0 {
		cp.EveryItems = defaultEveryItems
	}
	if cp.History <= 0 {
		cp.History = defaultHistory
	}
	for _, group := range [][]*Step{opts.Setup, m.Agent, opts.Reduce} {
		for _, step := range group {
			if step == nil {
				return nil, fmt.Errorf("empty step")
			}
			if err := step.validate(); err != nil {
				return nil, err
			}
		}
	}
	w := &Workflow{
		name:        opts.Name,
		description: opts.Description,
		path:        opts.Path,
		env:         opts.Env,
		setup:       opts.Setup,
		mapConfig:   &m,
		reduce:      opts.Reduce,
		errorPolicy: opts.ErrorPolicy,
		checkpoint:  cp,
	}
	w.hash = hashOptions(opts)
	return w, nil
}

func hashOptions(opts Options) string {
	opts.Path = ""
	data, _ := json.Marshal(opts)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (w *Workflow) Name() string { return w.name }
func (w *Workflow) Description() string { return w.description }
func (w *Workflow) Path() string { return w.path }
func (w *Workflow) Env() map[string]string { return w.env }
func (w *Workflow) Setup() []*Step { return w.setup }
func (w *Workflow) Map() *MapConfig { return w.mapConfig }
func (w *Workflow) Reduce() []*Step { return w.reduce }
func (w *Workflow) ErrorPolicy() ErrorPolicy { return w.errorPolicy }
func (w *Workflow) Checkpoint() CheckpointPolicy { return w.checkpoint }

// Hash identifies the definition content. A resumed job compares it with
// the hash stored in its checkpoint.
func (w *Workflow) Hash() string { return w.hash }

// Steps returns the sequential steps of phase, or nil for Map and Complete.
func (w *Workflow) Steps(phase Phase) []*Step {
	switch phase {
	case PhaseSetup:
		return w.setup
	case PhaseReduce:
		return w.reduce
	}
	return nil
}

// LoadFile loads a workflow from a YAML file
func LoadFile(path string) (*Workflow, error) {
	yamlData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}
	var opts Options
	if err := yaml.Unmarshal(yamlData, &opts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow file: %w", err)
	}
	opts.Path = path
	return New(opts)
}

// LoadString loads a workflow from a YAML string
func LoadString(data string) (*Workflow, error) {
	var opts Options
	if err := yaml.Unmarshal([]byte(data), &opts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow file: %w", err)
	}
	return New(opts)
}
