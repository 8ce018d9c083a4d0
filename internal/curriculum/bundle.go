package curriculum

import (
	"fmt"

	"github.com/ashureev/polya-classroom/internal/domain"
)

// Bundle groups everything loaded from the config directory.
type Bundle struct {
	Stages   *Curriculum
	Personas []domain.Persona
	Problems *Catalog
}

// Load reads all three definition files. Any failure is a startup error.
func Load(stagesPath, personasPath, problemsPath string) (*Bundle, error) {
	stages, err := LoadStages(stagesPath)
	if err != nil {
		return nil, err
	}
	personas, err := LoadPersonas(personasPath)
	if err != nil {
		return nil, err
	}
	problems, err := LoadProblems(problemsPath)
	if err != nil {
		return nil, err
	}
	if len(problems.List()) == 0 {
		return nil, fmt.Errorf("%w: no problems defined in %s", ErrInvalid, problemsPath)
	}
	return &Bundle{Stages: stages, Personas: personas, Problems: problems}, nil
}
