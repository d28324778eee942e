package task

import (
	"time"

	"github.com/google/uuid"
)

// Type is a supported guided-workflow kind.
type Type string

const (
	TypeOnboarding Type = "onboarding"
	TypeFollowUp   Type = "followup"
	TypeFieldLog   Type = "fieldlog"
)

// Status is a task lifecycle state. Completed and failed are terminal.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Context tracks one multi-step guided workflow inferred from conversation.
// Steps are fixed at creation from the workflow type and language.
type Context struct {
	ID          string    `json:"id"`
	Type        Type      `json:"type"`
	Status      Status    `json:"status"`
	Language    string    `json:"language"`
	Steps       []string  `json:"steps"`
	CurrentStep int       `json:"current_step"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Progress reports completion as a whole percentage: currentStep / len(steps).
func (c *Context) Progress() int {
	if len(c.Steps) == 0 {
		return 0
	}
	return c.CurrentStep * 100 / len(c.Steps)
}

// CurrentStepLabel returns the label of the step in progress.
func (c *Context) CurrentStepLabel() string {
	if c.CurrentStep < 0 || c.CurrentStep >= len(c.Steps) {
		return ""
	}
	return c.Steps[c.CurrentStep]
}

// Terminal reports whether the task can no longer change.
func (c *Context) Terminal() bool {
	return c.Status == StatusCompleted || c.Status == StatusFailed
}

// newContext builds an active task with the step template for (type, language).
func newContext(t Type, language string) Context {
	now := time.Now()
	return Context{
		ID:        uuid.NewString(),
		Type:      t,
		Status:    StatusActive,
		Language:  language,
		Steps:     stepsFor(t, language),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// stepTemplates holds the ordered step labels per workflow type and language.
// The English template is the fallback for unknown languages.
var stepTemplates = map[Type]map[string][]string{
	TypeOnboarding: {
		"en": {
			"Capture customer name",
			"Capture contact details",
			"Select service plan",
			"Confirm billing information",
			"Send welcome message",
		},
		"ja": {
			"顧客名を登録",
			"連絡先を登録",
			"サービスプランを選択",
			"請求情報を確認",
			"ウェルカムメッセージを送信",
		},
	},
	TypeFollowUp: {
		"en": {
			"Review last interaction",
			"Draft follow-up note",
			"Schedule next contact",
		},
		"ja": {
			"前回の対応を確認",
			"フォローアップ記録を作成",
			"次回連絡を設定",
		},
	},
	TypeFieldLog: {
		"en": {
			"Identify site and customer",
			"Record observations",
			"Capture action items",
			"File the report",
		},
		"ja": {
			"現場と顧客を特定",
			"状況を記録",
			"対応事項を記録",
			"報告書を提出",
		},
	},
}

func stepsFor(t Type, language string) []string {
	byLang, ok := stepTemplates[t]
	if !ok {
		return nil
	}
	steps, ok := byLang[language]
	if !ok {
		steps = byLang["en"]
	}
	out := make([]string, len(steps))
	copy(out, steps)
	return out
}
