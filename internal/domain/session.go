// Package domain contains core domain types for the classroom service.
package domain

import (
	"slices"
	"time"
)

// CompletedTasks maps a stage id to the task ids finished in that stage.
type CompletedTasks map[string][]string

// Clone returns a deep copy so callers can mutate without touching the original.
func (c CompletedTasks) Clone() CompletedTasks {
	out := make(CompletedTasks, len(c))
	for stageID, ids := range c {
		out[stageID] = slices.Clone(ids)
	}
	return out
}

// Has reports whether taskID is recorded as done for stageID.
func (c CompletedTasks) Has(stageID, taskID string) bool {
	return slices.Contains(c[stageID], taskID)
}

// Add records taskID for stageID and reports whether it was new.
func (c CompletedTasks) Add(stageID, taskID string) bool {
	if c.Has(stageID, taskID) {
		return false
	}
	c[stageID] = append(c[stageID], taskID)
	return true
}

// Session is one classroom conversation between a student and the personas.
type Session struct {
	ID             string         `json:"id"`
	UserID         string         `json:"user_id"`
	UserName       string         `json:"user_name"`
	ProblemID      string         `json:"problem_id"`
	Problem        string         `json:"problem"`
	CurrentStageID string         `json:"current_stage_id"`
	Completed      CompletedTasks `json:"completed_tasks"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}
