package curriculum

import (
	"fmt"
	"os"

	"github.com/ashureev/polya-classroom/internal/domain"
	"gopkg.in/yaml.v3"
)

// Catalog holds the problems students can pick from.
type Catalog struct {
	problems []domain.Problem
	byID     map[string]domain.Problem
}

// LoadProblems reads a problems YAML file.
func LoadProblems(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read problems %s: %w", path, err)
	}
	return ParseProblems(data)
}

// ParseProblems decodes a mapping of problem id to {problem, solution}.
func ParseProblems(data []byte) (*Catalog, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("%w: decode problems: %v", ErrInvalid, err)
	}
	if len(root.Content) == 0 || root.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: problems must be a mapping of id to definition", ErrInvalid)
	}

	m := root.Content[0]
	c := &Catalog{byID: make(map[string]domain.Problem)}
	for i := 0; i+1 < len(m.Content); i += 2 {
		id := m.Content[i].Value
		var doc struct {
			Problem  string `yaml:"problem"`
			Solution string `yaml:"solution"`
		}
		if err := m.Content[i+1].Decode(&doc); err != nil {
			return nil, fmt.Errorf("%w: problem %s: %v", ErrInvalid, id, err)
		}
		if doc.Problem == "" {
			return nil, fmt.Errorf("%w: problem %s has no statement", ErrInvalid, id)
		}
		if _, dup := c.byID[id]; dup {
			return nil, fmt.Errorf("%w: problem %s defined twice", ErrInvalid, id)
		}
		p := domain.Problem{ID: id, Statement: doc.Problem, Solution: doc.Solution}
		c.byID[id] = p
		c.problems = append(c.problems, p)
	}
	return c, nil
}

// List returns the problems in file order.
func (c *Catalog) List() []domain.Problem {
	out := make([]domain.Problem, len(c.problems))
	copy(out, c.problems)
	return out
}

// Get returns the problem with the given id.
func (c *Catalog) Get(id string) (domain.Problem, bool) {
	p, ok := c.byID[id]
	return p, ok
}
