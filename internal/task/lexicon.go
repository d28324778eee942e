package task

import "strings"

// trigger maps a set of phrases to a workflow type. Matching is plain
// lowercase substring membership; this is a closed-set classifier, not a
// fuzzy matcher.
type trigger struct {
	phrases  []string
	taskType Type
}

// triggerLexicons are ordered per language: when a transcript could match
// several triggers, the earliest entry in the slice wins. Slice order is the
// precedence rule.
var triggerLexicons = map[string][]trigger{
	"en": {
		{phrases: []string{"register new customer", "new customer", "onboard", "sign up a customer"}, taskType: TypeOnboarding},
		{phrases: []string{"follow up", "follow-up", "check back with"}, taskType: TypeFollowUp},
		{phrases: []string{"field report", "site visit", "log a visit", "field log"}, taskType: TypeFieldLog},
	},
	"ja": {
		{phrases: []string{"新規顧客", "顧客登録", "オンボーディング"}, taskType: TypeOnboarding},
		{phrases: []string{"フォローアップ", "再連絡"}, taskType: TypeFollowUp},
		{phrases: []string{"現場報告", "訪問記録", "フィールドログ"}, taskType: TypeFieldLog},
	},
}

// Detect scans a finalized transcript for a task-type trigger in the given
// language's lexicon. First match wins. Unknown languages fall back to the
// English lexicon.
func Detect(language, text string) (Type, bool) {
	lex, ok := triggerLexicons[language]
	if !ok {
		lex = triggerLexicons["en"]
	}
	needle := strings.ToLower(strings.TrimSpace(text))
	if needle == "" {
		return "", false
	}
	for _, tr := range lex {
		for _, p := range tr.phrases {
			if strings.Contains(needle, p) {
				return tr.taskType, true
			}
		}
	}
	return "", false
}
