package domain

// Task is one checkable unit of work inside a stage.
type Task struct {
	ID          string `json:"id" yaml:"id"`
	Description string `json:"description" yaml:"description"`
}

// Stage is a curriculum phase with an ordered task checklist.
type Stage struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Goals       []string `json:"goals"`
	Tasks       []Task   `json:"tasks"`
}

// TaskIDs returns the ids of the stage's tasks in checklist order.
func (s Stage) TaskIDs() []string {
	ids := make([]string, len(s.Tasks))
	for i, t := range s.Tasks {
		ids[i] = t.ID
	}
	return ids
}

// HasTask reports whether id is defined for this stage.
func (s Stage) HasTask(id string) bool {
	for _, t := range s.Tasks {
		if t.ID == id {
			return true
		}
	}
	return false
}

// IsComplete reports whether every task of the stage appears in done.
// A stage without tasks is always complete.
func (s Stage) IsComplete(done []string) bool {
	set := make(map[string]struct{}, len(done))
	for _, id := range done {
		set[id] = struct{}{}
	}
	for _, t := range s.Tasks {
		if _, ok := set[t.ID]; !ok {
			return false
		}
	}
	return true
}

// Persona is a data-driven classmate definition.
type Persona struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	Role              string   `json:"role"`
	Goal              string   `json:"goal"`
	Backstory         string   `json:"backstory"`
	Tasks             string   `json:"tasks"`
	PersonalityTraits []string `json:"personality_traits,omitempty"`
	Model             string   `json:"model,omitempty"`
}

// Problem is a math problem the class can work on.
type Problem struct {
	ID        string `json:"id"`
	Statement string `json:"problem"`
	Solution  string `json:"solution,omitempty"`
}
