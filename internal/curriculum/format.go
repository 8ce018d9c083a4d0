package curriculum

import (
	"fmt"
	"strings"

	"github.com/ashureev/polya-classroom/internal/domain"
)

// Checklist renders the stage's tasks as "- [X] (id) description" lines and
// marks the first unfinished task.
func Checklist(stage domain.Stage, completed domain.CompletedTasks) string {
	if len(stage.Tasks) == 0 {
		return "This stage has no specific tasks."
	}

	var b strings.Builder
	nextMarked := false
	for i, task := range stage.Tasks {
		done := completed.Has(stage.ID, task.ID)
		marker := "[ ]"
		if done {
			marker = "[X]"
		}
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "- %s (%s) %s", marker, task.ID, task.Description)
		if !done && !nextMarked {
			b.WriteString(" <-- next task to focus on")
			nextMarked = true
		}
	}
	return b.String()
}

// TasksForDisplay lists the stage's tasks with completion flags for the UI.
func TasksForDisplay(stage domain.Stage, completed domain.CompletedTasks) []domain.TaskStatus {
	out := make([]domain.TaskStatus, 0, len(stage.Tasks))
	for _, task := range stage.Tasks {
		out = append(out, domain.TaskStatus{
			ID:          task.ID,
			Description: task.Description,
			Completed:   completed.Has(stage.ID, task.ID),
		})
	}
	return out
}
