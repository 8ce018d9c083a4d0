// Package phase tracks each session's position in the curriculum and decides
// when the group moves on to the next stage.
package phase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashureev/polya-classroom/internal/conversation"
	"github.com/ashureev/polya-classroom/internal/curriculum"
	"github.com/ashureev/polya-classroom/internal/domain"
	"github.com/ashureev/polya-classroom/internal/llm"
	"github.com/ashureev/polya-classroom/internal/prompt"
)

// DefaultWindow is how many recent events the classifier reads.
const DefaultWindow = 100

// SessionStore is the slice of persistence the tracker needs.
type SessionStore interface {
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	UpdateProgress(ctx context.Context, sessionID, stageID string, completed domain.CompletedTasks) error
}

// HistoryReader reads the conversation log.
type HistoryReader interface {
	History(ctx context.Context, sessionID string, limit int) ([]domain.Event, error)
}

// Tracker maintains per-session curriculum progress.
type Tracker struct {
	sessions   SessionStore
	history    HistoryReader
	curriculum *curriculum.Curriculum
	classifier llm.Generator
	window     int
	logger     *slog.Logger
	locks      *sessionLocks
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithWindow sets how many recent events the classifier sees.
func WithWindow(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.window = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

// NewTracker creates a Tracker.
func NewTracker(sessions SessionStore, history HistoryReader, c *curriculum.Curriculum, classifier llm.Generator, opts ...Option) *Tracker {
	t := &Tracker{
		sessions:   sessions,
		history:    history,
		curriculum: c,
		classifier: classifier,
		window:     DefaultWindow,
		logger:     slog.Default(),
		locks:      newSessionLocks(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// AllPhases returns the ordered stage definitions.
func (t *Tracker) AllPhases() []domain.Stage {
	return t.curriculum.Stages()
}

// Context refreshes the session's phase state from the conversation and
// returns the context for this turn. Classifier problems never fail the call;
// only persistence errors are returned. Progress updates for one session,
// including MarkTaskComplete, never interleave.
func (t *Tracker) Context(ctx context.Context, sessionID string) (domain.PhaseContext, error) {
	release, err := t.locks.acquire(ctx, sessionID)
	if err != nil {
		return domain.PhaseContext{}, err
	}
	defer release()

	session, err := t.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return domain.PhaseContext{}, err
	}
	stage := t.resolveStage(session)

	events, err := t.history.History(ctx, sessionID, t.window)
	if err != nil {
		return domain.PhaseContext{}, err
	}

	completed := session.Completed.Clone()
	if completed == nil {
		completed = domain.CompletedTasks{}
	}
	if _, ok := completed[stage.ID]; !ok {
		completed[stage.ID] = []string{}
	}

	v := t.classify(ctx, session, stage, completed, events)

	for _, raw := range v.CompletedTaskIDs {
		id := string(raw)
		if !stage.HasTask(id) {
			phaseRejectedTasksTotal.Inc()
			t.logger.Warn("[PHASE] Discarding task id outside the prompted stage",
				"session_id", sessionID,
				"stage_id", stage.ID,
				"task_id", id,
			)
			continue
		}
		if completed.Add(stage.ID, id) {
			t.logger.Info("[PHASE] Task completed", "session_id", sessionID, "stage_id", stage.ID, "task_id", id)
		}
	}

	signal := v.signal
	current := stage
	if signal == domain.SignalTransition {
		switch next, hasNext := t.curriculum.Next(stage.ID); {
		case !stage.IsComplete(completed[stage.ID]):
			t.logger.Info("[PHASE] Transition requested before stage is complete, staying",
				"session_id", sessionID,
				"stage_id", stage.ID,
				"completed", completed[stage.ID],
			)
			signal = domain.SignalConclude
		case !hasNext:
			t.logger.Info("[PHASE] Transition requested from final stage, staying",
				"session_id", sessionID,
				"stage_id", stage.ID,
			)
			signal = domain.SignalConclude
		default:
			current = next
			completed[next.ID] = []string{}
			phaseTransitionsTotal.WithLabelValues(next.ID).Inc()
			t.logger.Info("[PHASE] Stage transition",
				"session_id", sessionID,
				"from", stage.ID,
				"to", next.ID,
			)
		}
	}
	phaseSignalsTotal.WithLabelValues(string(signal)).Inc()

	if err := t.sessions.UpdateProgress(ctx, sessionID, current.ID, completed); err != nil {
		return domain.PhaseContext{}, fmt.Errorf("persist progress: %w", err)
	}

	pc := buildContext(current, completed, signal)
	pc.Explanation = v.Explain
	return pc, nil
}

// Progress returns the session's current stage without consulting the model.
func (t *Tracker) Progress(ctx context.Context, sessionID string) (domain.PhaseContext, error) {
	session, err := t.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return domain.PhaseContext{}, err
	}
	completed := session.Completed.Clone()
	if completed == nil {
		completed = domain.CompletedTasks{}
	}
	return buildContext(t.resolveStage(session), completed, ""), nil
}

// MarkTaskComplete records taskID for the session's current stage. It returns
// false without error when the task is unknown to that stage or already done.
func (t *Tracker) MarkTaskComplete(ctx context.Context, sessionID, taskID string) (bool, error) {
	release, err := t.locks.acquire(ctx, sessionID)
	if err != nil {
		return false, err
	}
	defer release()

	session, err := t.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	stage := t.resolveStage(session)
	if !stage.HasTask(taskID) {
		t.logger.Warn("[PHASE] Manual completion of unknown task",
			"session_id", sessionID,
			"stage_id", stage.ID,
			"task_id", taskID,
		)
		return false, nil
	}

	completed := session.Completed.Clone()
	if completed == nil {
		completed = domain.CompletedTasks{}
	}
	if !completed.Add(stage.ID, taskID) {
		return false, nil
	}
	if err := t.sessions.UpdateProgress(ctx, sessionID, stage.ID, completed); err != nil {
		return false, fmt.Errorf("persist progress: %w", err)
	}
	return true, nil
}

// resolveStage falls back to the first stage when the stored id is unknown.
func (t *Tracker) resolveStage(session *domain.Session) domain.Stage {
	stage, ok := t.curriculum.Stage(session.CurrentStageID)
	if !ok {
		t.logger.Error("[PHASE] Unknown stage id, using first stage",
			"session_id", session.ID,
			"stage_id", session.CurrentStageID,
		)
		return t.curriculum.First()
	}
	return stage
}

func (t *Tracker) classify(ctx context.Context, session *domain.Session, stage domain.Stage, completed domain.CompletedTasks, events []domain.Event) verdict {
	fallback := verdict{signal: domain.SignalContinue}

	raw, err := t.classifier.Generate(ctx, classifierPrompt(session.Problem, stage, completed, events))
	if err != nil {
		phaseFallbacksTotal.Inc()
		t.logger.Warn("[PHASE] Classifier call failed, continuing", "session_id", session.ID, "error", err)
		return fallback
	}

	var v verdict
	if err := llm.Decode(raw, &v); err != nil {
		phaseFallbacksTotal.Inc()
		t.logger.Warn("[PHASE] Unusable classifier reply, continuing",
			"session_id", session.ID,
			"error", err,
			"raw", llm.Compact(raw),
		)
		return fallback
	}
	return v
}

func buildContext(stage domain.Stage, completed domain.CompletedTasks, signal domain.Signal) domain.PhaseContext {
	return domain.PhaseContext{
		StageID:         stage.ID,
		Name:            stage.Name,
		Description:     stage.Description,
		Goals:           stage.Goals,
		Checklist:       curriculum.Checklist(stage, completed),
		Signal:          signal,
		Completed:       completed,
		TasksForDisplay: curriculum.TasksForDisplay(stage, completed),
	}
}

// StageSummary renders the active stage for prompts.
func StageSummary(pc domain.PhaseContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Stage %s: %s\n%s\nTasks:\n%s", pc.StageID, pc.Name, pc.Description, pc.Checklist)
	if len(pc.Goals) > 0 {
		b.WriteString("\nGoals:")
		for _, g := range pc.Goals {
			b.WriteString("\n- ")
			b.WriteString(g)
		}
	}
	return b.String()
}

func classifierPrompt(problem string, stage domain.Stage, completed domain.CompletedTasks, events []domain.Event) string {
	pc := buildContext(stage, completed, "")
	return prompt.New().
		Section("Role", "You monitor a group of students solving a math problem with Pólya's method. "+
			"Judge how far the group has progressed in the current stage.").
		Section("Problem", problem).
		Section("Current stage", StageSummary(pc)).
		Section("Conversation", conversation.FormatTranscript(events)).
		Section("Instructions", "Report the ids of tasks of THIS stage that the conversation shows are done. "+
			"Signal Begin if the stage has just started, Continue while work is ongoing, "+
			"Conclude when the group should wrap up, and Transition only when every task is done.").
		Reply(map[string]any{
			"explain":            "one short sentence",
			"signal":             []string{"2", "Continue"},
			"completed_task_ids": []string{stage.ID + ".1"},
		}).
		String()
}
