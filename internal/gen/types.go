// Package gen holds the content types flowing through the pipeline, the
// structural schemas they must satisfy, the deterministic generators, and the
// external generation service interface.
package gen

// Outline is the first artifact: the lesson skeleton.
type Outline struct {
	Topic      string           `json:"topic"`
	Audience   string           `json:"audience,omitempty"`
	Objectives []string         `json:"objectives"`
	Sections   []OutlineSection `json:"sections"`
}

type OutlineSection struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Summary string `json:"summary,omitempty"`
}

// StoryPlan frames the lesson as a patient narrative; each turn advances the
// story through one outline section.
type StoryPlan struct {
	Premise string      `json:"premise"`
	Setting string      `json:"setting,omitempty"`
	Turns   []StoryTurn `json:"turns"`
}

type StoryTurn struct {
	ID        string `json:"id"`
	SectionID string `json:"section_id"`
	Beat      string `json:"beat"`
	Tension   string `json:"tension"` // low, medium, high
}

// SlideDeck is the working artifact the QA loop patches.
type SlideDeck struct {
	Title  string  `json:"title"`
	Slides []Slide `json:"slides"`
}

type Slide struct {
	ID           string   `json:"id"`
	SectionID    string   `json:"section_id"`
	TurnID       string   `json:"turn_id,omitempty"`
	Title        string   `json:"title"`
	Body         string   `json:"body"`
	Bullets      []string `json:"bullets,omitempty"`
	SpeakerNotes string   `json:"speaker_notes,omitempty"`
	Citations    []string `json:"citations,omitempty"`
}

// Lesson is the final assembly written by the finalize step.
type Lesson struct {
	Topic    string    `json:"topic"`
	Audience string    `json:"audience,omitempty"`
	Outline  Outline   `json:"outline"`
	Plan     StoryPlan `json:"story_plan"`
	Deck     SlideDeck `json:"deck"`
}
