package agent

import (
	"fmt"
	"strings"

	"github.com/ashureev/polya-classroom/internal/conversation"
	"github.com/ashureev/polya-classroom/internal/domain"
	"github.com/ashureev/polya-classroom/internal/phase"
	"github.com/ashureev/polya-classroom/internal/prompt"
)

// ThoughtRefPrefix prefixes a mind's own thought references ("THO#3").
const ThoughtRefPrefix = "THO#"

// PersonaDescription renders the persona for prompts.
func PersonaDescription(p domain.Persona) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Name: %s\nRole: %s", p.Name, p.Role)
	if p.Goal != "" {
		fmt.Fprintf(&b, "\nGoal: %s", p.Goal)
	}
	if p.Backstory != "" {
		fmt.Fprintf(&b, "\nBackstory: %s", p.Backstory)
	}
	if p.Tasks != "" {
		fmt.Fprintf(&b, "\nResponsibilities: %s", p.Tasks)
	}
	if len(p.PersonalityTraits) > 0 {
		fmt.Fprintf(&b, "\nPersonality: %s", strings.Join(p.PersonalityTraits, ", "))
	}
	return b.String()
}

func formatThoughts(thoughts []domain.Thought) string {
	if len(thoughts) == 0 {
		return "(no earlier thoughts)"
	}
	lines := make([]string, len(thoughts))
	for i, t := range thoughts {
		lines[i] = fmt.Sprintf("%s%d: %s", ThoughtRefPrefix, t.ID, t.Rationale)
	}
	return strings.Join(lines, "\n")
}

func (m *Mind) prompt(history []domain.Event, pc domain.PhaseContext) string {
	return prompt.New().
		Section("Role", fmt.Sprintf("You are %s, a student discussing a math problem with a small group of classmates. "+
			"Think privately about the conversation and decide whether to speak now or keep listening.", m.persona.Name)).
		Section("Problem", m.problem).
		Section("Current stage", phase.StageSummary(pc)).
		Section("About you", PersonaDescription(m.persona)).
		Section("Your earlier thoughts", formatThoughts(m.Thoughts())).
		Section("Conversation", conversation.FormatTranscript(conversation.Tail(history, m.historyTurns))).
		List("How to decide", []string{
			"Cite the messages (" + conversation.RefPrefix + "k) and earlier thoughts (" + ThoughtRefPrefix + "k) that prompted this thought as stimuli.",
			"Focus on the next unfinished task of the stage; do not reopen finished ones.",
			"Speak when you were asked directly, want to agree or disagree, spot an error, or the discussion has stalled and you have something new.",
			"Listen when you just asked someone a question that is still unanswered, or when someone else was addressed.",
			"Include the reason for your choice in the thought.",
		}).
		Reply(thinkReply{
			Stimuli: []string{conversation.RefPrefix + "8"},
			Thought: "Lan just solved for x; I should check it by substituting back. => speak",
			Action:  "speak",
		}).
		String()
}
