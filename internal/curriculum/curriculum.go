// Package curriculum loads the static stage, persona and problem definitions.
// Everything here is read once at startup and never mutated afterwards.
package curriculum

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/ashureev/polya-classroom/internal/domain"
	"gopkg.in/yaml.v3"
)

// ErrInvalid marks configuration that cannot be served.
var ErrInvalid = errors.New("invalid curriculum")

// Curriculum is the ordered list of stages.
type Curriculum struct {
	stages []domain.Stage
	index  map[string]int
}

type stageDoc struct {
	Name        string      `yaml:"name"`
	Stage       string      `yaml:"stage"`
	Description string      `yaml:"description"`
	Goals       []string    `yaml:"goals"`
	Tasks       []taskEntry `yaml:"tasks"`
}

// taskEntry accepts either {id, description} or a bare string.
type taskEntry struct {
	domain.Task
	bare bool
}

func (t *taskEntry) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		t.Description = value.Value
		t.bare = true
		return nil
	}
	return value.Decode(&t.Task)
}

// LoadStages reads a stages YAML file.
func LoadStages(path string) (*Curriculum, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read stages %s: %w", path, err)
	}
	return ParseStages(data)
}

// ParseStages decodes a mapping of stage id to stage definition. Stage ids
// must be the consecutive integers 1..n because transitions advance by one.
func ParseStages(data []byte) (*Curriculum, error) {
	var raw map[string]stageDoc
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: decode stages: %v", ErrInvalid, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: no stages defined", ErrInvalid)
	}

	ids := make([]int, 0, len(raw))
	for id := range raw {
		n, err := strconv.Atoi(strings.TrimSpace(id))
		if err != nil {
			return nil, fmt.Errorf("%w: stage id %q is not an integer", ErrInvalid, id)
		}
		ids = append(ids, n)
	}
	sort.Ints(ids)

	c := &Curriculum{index: make(map[string]int, len(ids))}
	for i, n := range ids {
		if n != i+1 {
			return nil, fmt.Errorf("%w: stage ids must be consecutive from 1, found %d at position %d", ErrInvalid, n, i+1)
		}
		id := strconv.Itoa(n)
		doc, ok := raw[id]
		if !ok {
			return nil, fmt.Errorf("%w: stage %d must be keyed as %q", ErrInvalid, n, id)
		}
		stage, err := buildStage(id, doc)
		if err != nil {
			return nil, err
		}
		c.index[id] = len(c.stages)
		c.stages = append(c.stages, stage)
	}
	return c, nil
}

func buildStage(id string, doc stageDoc) (domain.Stage, error) {
	name := doc.Name
	if name == "" {
		name = doc.Stage
	}
	if name == "" {
		return domain.Stage{}, fmt.Errorf("%w: stage %s has no name", ErrInvalid, id)
	}

	stage := domain.Stage{
		ID:          id,
		Name:        name,
		Description: doc.Description,
		Goals:       doc.Goals,
		Tasks:       make([]domain.Task, 0, len(doc.Tasks)),
	}
	seen := make(map[string]struct{}, len(doc.Tasks))
	for i, entry := range doc.Tasks {
		task := entry.Task
		if entry.bare {
			task.ID = fmt.Sprintf("%s.%d_auto", id, i+1)
		}
		task.ID = strings.TrimSpace(task.ID)
		if task.ID == "" || task.Description == "" {
			return domain.Stage{}, fmt.Errorf("%w: stage %s task %d needs id and description", ErrInvalid, id, i+1)
		}
		if _, dup := seen[task.ID]; dup {
			return domain.Stage{}, fmt.Errorf("%w: stage %s repeats task id %s", ErrInvalid, id, task.ID)
		}
		seen[task.ID] = struct{}{}
		stage.Tasks = append(stage.Tasks, task)
	}
	return stage, nil
}

// Stages returns the stages in order.
func (c *Curriculum) Stages() []domain.Stage {
	out := make([]domain.Stage, len(c.stages))
	copy(out, c.stages)
	return out
}

// Stage returns the stage with the given id.
func (c *Curriculum) Stage(id string) (domain.Stage, bool) {
	i, ok := c.index[id]
	if !ok {
		return domain.Stage{}, false
	}
	return c.stages[i], true
}

// First returns the opening stage.
func (c *Curriculum) First() domain.Stage {
	return c.stages[0]
}

// Next returns the stage after id, if any.
func (c *Curriculum) Next(id string) (domain.Stage, bool) {
	i, ok := c.index[id]
	if !ok || i+1 >= len(c.stages) {
		return domain.Stage{}, false
	}
	return c.stages[i+1], true
}

// Len returns the number of stages.
func (c *Curriculum) Len() int {
	return len(c.stages)
}
