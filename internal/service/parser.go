package service

import (
	"regexp"
	"strings"
)

// Intent is a deterministic classification of a user message.
type Intent string

const (
	IntentTaskCreate     Intent = "task_create"
	IntentReminder       Intent = "reminder"
	IntentCalendarCreate Intent = "calendar_create"
	IntentRecall         Intent = "recall"
	IntentAmbiguous      Intent = "ambiguous"
)

// ObviousConfidence is the floor at which a parsed intent short-circuits the
// LLM planner.
const ObviousConfidence = 0.9

// ParsedIntent is the parser verdict for one message.
type ParsedIntent struct {
	Intent     Intent            `json:"intent"`
	Confidence float64           `json:"confidence"`
	Slots      map[string]string `json:"slots,omitempty"`
}

// Obvious reports whether the verdict is strong enough to skip planning.
func (p ParsedIntent) Obvious() bool {
	return p.Intent != IntentAmbiguous && p.Confidence >= ObviousConfidence
}

// recallKeywords force the recall path even when the message also looks like
// a task, since asking about stored procedures must never create new ones.
var recallKeywords = []string{"recall", "steps", "procedure", "note", "concept"}

var (
	reminderRe = regexp.MustCompile(`(?i)^remind me\b(?:\s+to\s+(?P<what>.+?))?(?:\s+(?P<when>(at|on|in|every|tomorrow|tonight)\b.*))?$`)
	taskRe     = regexp.MustCompile(`(?i)^(add|create|new)\s+(a\s+)?task\b[:\s]*(?P<what>.*)$`)
	todoRe     = regexp.MustCompile(`(?i)^(todo|to-do)[:\s]+(?P<what>.+)$`)
	calendarRe = regexp.MustCompile(`(?i)^(schedule|book)\s+(a\s+)?(meeting|call|appointment|event)\b\s*(?P<rest>.*)$`)
	recallRe   = regexp.MustCompile(`(?i)^(what|when|where|who|how|do i|did i|show|list|find|search|recall)\b`)
)

// ParseIntent classifies a message without any model call. The parser is a
// small rule table: exact patterns score high enough to bypass planning,
// everything else comes back ambiguous and goes to the LLM.
func ParseIntent(message string) ParsedIntent {
	text := strings.TrimSpace(message)
	if text == "" {
		return ParsedIntent{Intent: IntentAmbiguous}
	}
	lower := strings.ToLower(text)

	for _, kw := range recallKeywords {
		if containsWord(lower, kw) && recallRe.MatchString(text) {
			return ParsedIntent{
				Intent:     IntentRecall,
				Confidence: 0.95,
				Slots:      map[string]string{"query": text},
			}
		}
	}

	if m := matchNamed(reminderRe, text); m != nil {
		slots := map[string]string{}
		if m["what"] != "" {
			slots["what"] = m["what"]
		}
		if m["when"] != "" {
			slots["when"] = m["when"]
		}
		return ParsedIntent{Intent: IntentReminder, Confidence: 0.95, Slots: slots}
	}

	if m := matchNamed(taskRe, text); m != nil {
		return ParsedIntent{Intent: IntentTaskCreate, Confidence: 0.95, Slots: map[string]string{"what": strings.TrimSpace(m["what"])}}
	}
	if m := matchNamed(todoRe, text); m != nil {
		return ParsedIntent{Intent: IntentTaskCreate, Confidence: 0.9, Slots: map[string]string{"what": strings.TrimSpace(m["what"])}}
	}

	if m := matchNamed(calendarRe, text); m != nil {
		return ParsedIntent{Intent: IntentCalendarCreate, Confidence: 0.92, Slots: map[string]string{"what": strings.TrimSpace(m["rest"])}}
	}

	if recallRe.MatchString(text) && strings.HasSuffix(text, "?") {
		return ParsedIntent{Intent: IntentRecall, Confidence: 0.7, Slots: map[string]string{"query": text}}
	}

	return ParsedIntent{Intent: IntentAmbiguous}
}

func containsWord(lower, word string) bool {
	idx := 0
	for {
		i := strings.Index(lower[idx:], word)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(word)
		leftOK := start == 0 || !isWordChar(lower[start-1])
		rightOK := end == len(lower) || !isWordChar(lower[end])
		if leftOK && rightOK {
			return true
		}
		idx = start + 1
	}
}

func isWordChar(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9' || b == '_'
}

func matchNamed(re *regexp.Regexp, text string) map[string]string {
	match := re.FindStringSubmatch(text)
	if match == nil {
		return nil
	}
	out := map[string]string{}
	for i, name := range re.SubexpNames() {
		if name != "" && i < len(match) {
			out[name] = match[i]
		}
	}
	return out
}
