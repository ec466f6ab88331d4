package gen

import (
	"fmt"
	"strings"
)

// Settings are the validated inputs every deterministic generator maps from.
// The generators are pure and total: the same settings always produce the
// same schema-valid output.
type Settings struct {
	Topic      string
	Audience   string
	Specialty  string
	SlideCount int
}

func (s Settings) withDefaults() Settings {
	if strings.TrimSpace(s.Topic) == "" {
		s.Topic = "untitled topic"
	}
	if strings.TrimSpace(s.Audience) == "" {
		s.Audience = "clinicians in training"
	}
	if s.SlideCount < 4 {
		s.SlideCount = 8
	}
	return s
}

var sectionTemplates = []struct {
	title   string
	summary string
}{
	{"Foundations", "Core definitions and why %s matters for %s."},
	{"Presentation", "How %s presents and what the first encounter looks like."},
	{"Management", "Decision points and evidence-based management of %s."},
	{"Pitfalls", "Common errors and edge cases when dealing with %s."},
}

// BuildOutline derives a lesson skeleton from the run settings.
func BuildOutline(s Settings) Outline {
	s = s.withDefaults()
	o := Outline{
		Topic:    s.Topic,
		Audience: s.Audience,
		Objectives: []string{
			fmt.Sprintf("Describe the clinical significance of %s.", s.Topic),
			fmt.Sprintf("Recognize how %s presents in practice.", s.Topic),
			fmt.Sprintf("Apply a structured approach to managing %s.", s.Topic),
		},
	}
	for i, tpl := range sectionTemplates {
		summary := tpl.summary
		if strings.Count(summary, "%s") == 2 {
			summary = fmt.Sprintf(summary, s.Topic, s.Audience)
		} else {
			summary = fmt.Sprintf(summary, s.Topic)
		}
		o.Sections = append(o.Sections, OutlineSection{
			ID:      fmt.Sprintf("sec-%02d", i+1),
			Title:   tpl.title,
			Summary: summary,
		})
	}
	return o
}

var turnTension = []string{"low", "medium", "high", "high"}

// BuildStoryPlan frames the outline as a patient narrative with one story
// turn per section and rising tension.
func BuildStoryPlan(s Settings, o Outline) StoryPlan {
	s = s.withDefaults()
	p := StoryPlan{
		Premise: fmt.Sprintf("A patient encounter that walks %s through %s from first contact to resolution.", s.Audience, s.Topic),
		Setting: "emergency department, evening shift",
	}
	for i, sec := range o.Sections {
		tension := turnTension[i%len(turnTension)]
		p.Turns = append(p.Turns, StoryTurn{
			ID:        fmt.Sprintf("turn-%02d", i+1),
			SectionID: sec.ID,
			Beat:      fmt.Sprintf("The case develops through %q: %s", sec.Title, sec.Summary),
			Tension:   tension,
		})
	}
	return p
}

// BuildSlideDeck expands outline sections and story turns into slides,
// distributing the configured slide count across sections.
func BuildSlideDeck(s Settings, o Outline, p StoryPlan) SlideDeck {
	s = s.withDefaults()
	deck := SlideDeck{Title: fmt.Sprintf("%s: a case-based lesson", s.Topic)}
	if len(o.Sections) == 0 {
		o = BuildOutline(s)
	}
	perSection := s.SlideCount / len(o.Sections)
	if perSection < 1 {
		perSection = 1
	}
	turnFor := map[string]string{}
	for _, t := range p.Turns {
		turnFor[t.SectionID] = t.ID
	}
	n := 0
	for _, sec := range o.Sections {
		for j := 0; j < perSection; j++ {
			n++
			deck.Slides = append(deck.Slides, Slide{
				ID:        fmt.Sprintf("slide-%03d", n),
				SectionID: sec.ID,
				TurnID:    turnFor[sec.ID],
				Title:     fmt.Sprintf("%s (%d/%d)", sec.Title, j+1, perSection),
				Body:      sec.Summary,
				Bullets: []string{
					fmt.Sprintf("Key point %d for %s.", j+1, sec.Title),
					fmt.Sprintf("What this means for %s.", s.Audience),
				},
				SpeakerNotes: fmt.Sprintf("Walk the room through %s with the ongoing case.", sec.Title),
				Citations:    []string{"standard-reference-text"},
			})
		}
	}
	return deck
}
