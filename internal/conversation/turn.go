package conversation

import (
	"time"

	"github.com/google/uuid"
)

// Speaker identifies which side of the exchange produced a turn.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerAgent Speaker = "agent"
)

// Turn is one immutable exchange unit: a finalized user transcript or an
// agent response. Confidence is only set on agent turns that carry a
// reliability score from inference.
type Turn struct {
	ID         string    `json:"id"`
	Speaker    Speaker   `json:"speaker"`
	Text       string    `json:"text"`
	Language   string    `json:"language"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// NewTurn builds a turn with a time-ordered id. UUIDv7 ids sort by creation
// instant, which is what the conversation log relies on for ordering.
func NewTurn(speaker Speaker, text, language string) Turn {
	return Turn{
		ID:        newTurnID(),
		Speaker:   speaker,
		Text:      text,
		Language:  language,
		Timestamp: time.Now(),
	}
}

func newTurnID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the entropy source does; fall back to random.
		id = uuid.New()
	}
	return id.String()
}
