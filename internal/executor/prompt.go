package executor

import (
	"strings"

	"github.com/ashureev/polya-classroom/internal/agent"
	"github.com/ashureev/polya-classroom/internal/conversation"
	"github.com/ashureev/polya-classroom/internal/phase"
	"github.com/ashureev/polya-classroom/internal/prompt"
)

const historyTurns = 15

// speakReply is the expected utterance reply: {"spoken_message": "..."}.
type speakReply struct {
	Plan          string `json:"internal_thought,omitempty"`
	SpokenMessage string `json:"spoken_message"`
}

func speakPrompt(t Turn) string {
	persona := t.Selection.Persona
	rationale := "(no thought)"
	if t.Selection.Thought != nil {
		rationale = t.Selection.Thought.Rationale
	}
	return prompt.New().
		Section("Role", "You are "+persona.Name+", a student in a small math study group. "+
			"Write the next thing you say in the group chat, guided by your current thought.").
		Section("About you", agent.PersonaDescription(persona)).
		Section("Problem", t.Problem).
		Section("Classmates", strings.Join(t.Classmates, ", ")).
		Section("Current stage", phase.StageSummary(t.Phase)).
		Section("Your current thought", rationale).
		Section("Conversation", conversation.FormatTranscript(conversation.Tail(t.History, historyTurns))).
		List("Guidelines", []string{
			"Be natural and brief, under 30 words, like a real chat message.",
			"Do not repeat what someone just said.",
			"Do not always end with a question.",
			"Perform one main speech act: ask, answer, propose, agree, disagree or clarify.",
			"Stay on the current stage; do not jump ahead.",
			"Address classmates by name when it helps.",
			"Never include reference ids such as " + conversation.RefPrefix + "3 in the message.",
		}).
		Reply(speakReply{
			Plan:          "Answer Lan's question about the unknown for task 1.2.",
			SpokenMessage: "Lan, I think the unknown is just x, the number we add 3 to after doubling.",
		}).
		String()
}
