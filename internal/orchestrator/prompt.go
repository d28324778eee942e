package orchestrator

import (
	"fmt"
	"strings"

	"voicedesk/internal/conversation"
)

// buildPrompt assembles the inference input from the recent conversation
// window, the active task summary, and the latest user text. The latest text
// is not yet in the log when this runs. Turns are labeled [USER]/[ASSISTANT];
// the last line must be the [USER] utterance.
func (o *Orchestrator) buildPrompt(latest string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Language: %s\n", o.cfg.Language)
	if o.cfg.Formality == "formal" {
		b.WriteString("Tone: formal and polite.\n")
	} else {
		b.WriteString("Tone: casual and friendly.\n")
	}
	if active, ok := o.tracker.Active(); ok && active.Status == "active" {
		fmt.Fprintf(&b, "Active task: %s (step %d/%d: %s)\n",
			active.Type, active.CurrentStep+1, len(active.Steps), active.CurrentStepLabel())
	}
	b.WriteString("\n")
	for _, t := range o.log.Window(o.cfg.HistoryWindow) {
		label := "[USER]"
		if t.Speaker == conversation.SpeakerAgent {
			label = "[ASSISTANT]"
		}
		b.WriteString(label)
		b.WriteString(" ")
		b.WriteString(t.Text)
		b.WriteString("\n")
	}
	b.WriteString("[USER] ")
	b.WriteString(latest)
	return b.String()
}

// fallbackNotice is the localized message spoken or displayed when remote
// inference fails.
func fallbackNotice(language string) string {
	switch language {
	case "ja":
		return "申し訳ありません、処理できませんでした。もう一度お試しください。"
	default:
		return "Sorry, I couldn't process that. Please try again."
	}
}
