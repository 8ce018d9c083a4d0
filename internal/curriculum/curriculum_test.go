package curriculum

import (
	"path/filepath"
	"runtime"
	"testing"

	"github.com/ashureev/polya-classroom/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const twoStages = `
"1":
  name: Understand
  description: read it
  goals: [restate]
  tasks:
    - id: "1.1"
      description: restate
    - id: "1.2"
      description: list data
"2":
  name: Plan
  description: plan it
  tasks:
    - pick a strategy
    - order the steps
`

func TestParseStagesOrdersAndAutoNamesTasks(t *testing.T) {
	t.Parallel()

	c, err := ParseStages([]byte(twoStages))
	require.NoError(t, err)
	require.Equal(t, 2, c.Len())
	assert.Equal(t, "1", c.First().ID)

	plan, ok := c.Stage("2")
	require.True(t, ok)
	assert.Equal(t, []string{"2.1_auto", "2.2_auto"}, plan.TaskIDs())

	next, ok := c.Next("1")
	require.True(t, ok)
	assert.Equal(t, "2", next.ID)
	_, ok = c.Next("2")
	assert.False(t, ok)
}

func TestParseStagesRejectsBadConfig(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"empty":        ``,
		"gap":          "\"1\":\n  name: a\n\"3\":\n  name: c\n",
		"non-integer":  "\"one\":\n  name: a\n",
		"missing name": "\"1\":\n  description: nothing\n",
		"dup task": `
"1":
  name: a
  tasks:
    - {id: "1.1", description: x}
    - {id: "1.1", description: y}
`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseStages([]byte(doc))
			require.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestChecklistMarksNextTask(t *testing.T) {
	t.Parallel()

	stage := domain.Stage{ID: "1", Tasks: []domain.Task{
		{ID: "1.1", Description: "restate"},
		{ID: "1.2", Description: "list data"},
		{ID: "1.3", Description: "condition"},
	}}
	got := Checklist(stage, domain.CompletedTasks{"1": {"1.1"}})
	want := "- [X] (1.1) restate\n" +
		"- [ ] (1.2) list data <-- next task to focus on\n" +
		"- [ ] (1.3) condition"
	assert.Equal(t, want, got)

	display := TasksForDisplay(stage, domain.CompletedTasks{"1": {"1.3"}})
	require.Len(t, display, 3)
	assert.False(t, display[0].Completed)
	assert.True(t, display[2].Completed)
}

func TestParsePersonasKeepsOrder(t *testing.T) {
	t.Parallel()

	personas, err := ParsePersonas([]byte(`
Zed:
  role: skeptic
Amy:
  role: solver
  model: gemini-2.0-flash
`))
	require.NoError(t, err)
	require.Len(t, personas, 2)
	assert.Equal(t, "Zed", personas[0].Name)
	assert.Equal(t, "gemini-2.0-flash", personas[1].Model)
	assert.NotEqual(t, personas[0].ID, personas[1].ID)

	_, err = ParsePersonas([]byte("Bob:\n  goal: no role\n"))
	require.ErrorIs(t, err, ErrInvalid)
}

func TestParseProblems(t *testing.T) {
	t.Parallel()

	c, err := ParseProblems([]byte("p1:\n  problem: 1+1?\n  solution: \"2\"\n"))
	require.NoError(t, err)
	p, ok := c.Get("p1")
	require.True(t, ok)
	assert.Equal(t, "1+1?", p.Statement)

	_, err = ParseProblems([]byte("p1:\n  solution: x\n"))
	require.ErrorIs(t, err, ErrInvalid)
}

func TestLoadShippedConfig(t *testing.T) {
	t.Parallel()

	_, file, _, _ := runtime.Caller(0)
	dir := filepath.Join(filepath.Dir(file), "..", "..", "config")
	b, err := Load(
		filepath.Join(dir, "stages.yaml"),
		filepath.Join(dir, "personas.yaml"),
		filepath.Join(dir, "problems.yaml"),
	)
	require.NoError(t, err)
	assert.Equal(t, 4, b.Stages.Len())
	assert.Len(t, b.Personas, 3)
	assert.NotEmpty(t, b.Problems.List())
}
