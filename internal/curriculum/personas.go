package curriculum

import (
	"fmt"
	"os"

	"github.com/ashureev/polya-classroom/internal/domain"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

type personaDoc struct {
	Role              string   `yaml:"role"`
	Goal              string   `yaml:"goal"`
	Backstory         string   `yaml:"backstory"`
	Tasks             string   `yaml:"tasks"`
	PersonalityTraits []string `yaml:"personality_traits"`
	Model             string   `yaml:"model"`
}

// LoadPersonas reads a personas YAML file.
func LoadPersonas(path string) ([]domain.Persona, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read personas %s: %w", path, err)
	}
	return ParsePersonas(data)
}

// ParsePersonas decodes a mapping of persona name to definition, keeping
// document order. Each persona gets a fresh id.
func ParsePersonas(data []byte) ([]domain.Persona, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("%w: decode personas: %v", ErrInvalid, err)
	}
	if len(root.Content) == 0 || root.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: personas must be a mapping of name to definition", ErrInvalid)
	}

	m := root.Content[0]
	personas := make([]domain.Persona, 0, len(m.Content)/2)
	seen := make(map[string]struct{})
	for i := 0; i+1 < len(m.Content); i += 2 {
		name := m.Content[i].Value
		var doc personaDoc
		if err := m.Content[i+1].Decode(&doc); err != nil {
			return nil, fmt.Errorf("%w: persona %s: %v", ErrInvalid, name, err)
		}
		if name == "" || doc.Role == "" {
			return nil, fmt.Errorf("%w: persona %q needs a name and a role", ErrInvalid, name)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("%w: persona %s defined twice", ErrInvalid, name)
		}
		seen[name] = struct{}{}
		personas = append(personas, domain.Persona{
			ID:                uuid.NewString(),
			Name:              name,
			Role:              doc.Role,
			Goal:              doc.Goal,
			Backstory:         doc.Backstory,
			Tasks:             doc.Tasks,
			PersonalityTraits: doc.PersonalityTraits,
			Model:             doc.Model,
		})
	}
	if len(personas) == 0 {
		return nil, fmt.Errorf("%w: no personas defined", ErrInvalid)
	}
	return personas, nil
}
