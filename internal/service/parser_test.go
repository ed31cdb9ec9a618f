package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseIntentReminder(t *testing.T) {
	p := ParseIntent("remind me to water the plants at 6pm")
	assert.Equal(t, IntentReminder, p.Intent)
	assert.True(t, p.Obvious())
	assert.Equal(t, "water the plants", p.Slots["what"])
	assert.Equal(t, "at 6pm", p.Slots["when"])

	p = ParseIntent("remind me to call mom")
	assert.Equal(t, IntentReminder, p.Intent)
	assert.Equal(t, "call mom", p.Slots["what"])
}

func TestParseIntentTask(t *testing.T) {
	p := ParseIntent("add a task: renew passport")
	assert.Equal(t, IntentTaskCreate, p.Intent)
	assert.True(t, p.Obvious())
	assert.Equal(t, "renew passport", p.Slots["what"])

	p = ParseIntent("todo: buy milk")
	assert.Equal(t, IntentTaskCreate, p.Intent)
	assert.Equal(t, "buy milk", p.Slots["what"])
}

func TestParseIntentCalendar(t *testing.T) {
	p := ParseIntent("schedule a meeting with the design team on friday")
	assert.Equal(t, IntentCalendarCreate, p.Intent)
	assert.True(t, p.Obvious())
}

func TestParseIntentRecallKeywords(t *testing.T) {
	for _, msg := range []string{
		"show me the steps for booking a flight",
		"what procedure do I use for expense reports?",
		"find my note about the wifi password",
		"recall what I know about kubernetes",
		"list every concept related to travel",
	} {
		p := ParseIntent(msg)
		assert.Equal(t, IntentRecall, p.Intent, msg)
		assert.True(t, p.Obvious(), msg)
	}
}

func TestParseIntentRecallBeatsTaskShape(t *testing.T) {
	// A question about stored procedures must never create anything.
	p := ParseIntent("what steps did I save for creating a task?")
	assert.Equal(t, IntentRecall, p.Intent)
}

func TestParseIntentQuestionIsWeakRecall(t *testing.T) {
	p := ParseIntent("where did I park the car?")
	assert.Equal(t, IntentRecall, p.Intent)
	assert.False(t, p.Obvious(), "weak recall still goes through planning")
}

func TestParseIntentAmbiguous(t *testing.T) {
	for _, msg := range []string{
		"",
		"book a flight to paris and pay with my visa",
		"hmm",
		"log me into github",
	} {
		p := ParseIntent(msg)
		assert.Equal(t, IntentAmbiguous, p.Intent, msg)
		assert.False(t, p.Obvious(), msg)
	}
}

func TestParseIntentIsDeterministic(t *testing.T) {
	msg := "remind me to stretch every hour"
	first := ParseIntent(msg)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, ParseIntent(msg))
	}
}
