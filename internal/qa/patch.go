package qa

import (
	"fmt"
	"strings"

	"github.com/courseforge/courseforge/internal/gen"
)

// WorkingSet is the artifact set the loop converges. The deck is the primary
// patch target; the story plan is patched by story-directed fixes.
type WorkingSet struct {
	Deck *gen.SlideDeck
	Plan *gen.StoryPlan
}

// PatchNote is the human-readable record of one applied fix.
type PatchNote struct {
	FixID   string  `json:"fix_id"`
	Type    FixType `json:"type"`
	Note    string  `json:"note"`
	Changed int     `json:"changed"`
}

// PatchFunc applies one fix to the working set and reports how many elements
// changed. Implementations must be idempotent: re-applying the same fix to an
// already patched set changes nothing.
type PatchFunc func(ws *WorkingSet, fix Fix) int

// Patcher dispatches fixes by type tag through a registered handler map with
// an explicit default for unhandled tags.
type Patcher struct {
	handlers map[FixType]PatchFunc
	fallback PatchFunc
}

func NewPatcher() *Patcher {
	p := &Patcher{handlers: map[FixType]PatchFunc{}, fallback: patchGenericEdit}
	p.Register(FixReduceTextDensity, patchReduceTextDensity)
	p.Register(FixIncreaseStoryTurn, patchIncreaseStoryTurn)
	p.Register(FixMedicalCorrection, patchMedicalCorrection)
	p.Register(FixEditSlide, patchEditSlide)
	return p
}

func (p *Patcher) Register(t FixType, fn PatchFunc) {
	p.handlers[t] = fn
}

// Apply runs every fix through its handler and returns one note per fix.
func (p *Patcher) Apply(ws *WorkingSet, fixes []Fix) []PatchNote {
	notes := make([]PatchNote, 0, len(fixes))
	for _, fix := range fixes {
		fn, ok := p.handlers[fix.Type]
		label := string(fix.Type)
		if !ok {
			fn = p.fallback
			label = fmt.Sprintf("%s (unhandled tag, generic edit)", fix.Type)
		}
		changed := fn(ws, fix)
		notes = append(notes, PatchNote{
			FixID:   fix.ID,
			Type:    fix.Type,
			Note:    fmt.Sprintf("applied %s to %d element(s)", label, changed),
			Changed: changed,
		})
	}
	return notes
}

func targetedSlides(ws *WorkingSet, fix Fix) []*gen.Slide {
	if ws == nil || ws.Deck == nil {
		return nil
	}
	if len(fix.TargetIDs) == 0 {
		out := make([]*gen.Slide, 0, len(ws.Deck.Slides))
		for i := range ws.Deck.Slides {
			out = append(out, &ws.Deck.Slides[i])
		}
		return out
	}
	want := map[string]bool{}
	for _, id := range fix.TargetIDs {
		want[id] = true
	}
	var out []*gen.Slide
	for i := range ws.Deck.Slides {
		if want[ws.Deck.Slides[i].ID] {
			out = append(out, &ws.Deck.Slides[i])
		}
	}
	return out
}

const maxBulletsPerSlide = 3

// patchReduceTextDensity condenses targeted slides: the body keeps its first
// two sentences and the bullet list is capped.
func patchReduceTextDensity(ws *WorkingSet, fix Fix) int {
	changed := 0
	for _, s := range targetedSlides(ws, fix) {
		before := s.Body
		bulletsBefore := len(s.Bullets)
		s.Body = firstSentences(s.Body, 2)
		if len(s.Bullets) > maxBulletsPerSlide {
			s.Bullets = s.Bullets[:maxBulletsPerSlide]
		}
		if s.Body != before || len(s.Bullets) != bulletsBefore {
			changed++
		}
	}
	return changed
}

const storyComplication = " A complication forces the team to reassess."

// patchIncreaseStoryTurn raises tension on targeted story turns and appends
// a complication beat once.
func patchIncreaseStoryTurn(ws *WorkingSet, fix Fix) int {
	if ws == nil || ws.Plan == nil {
		return 0
	}
	want := map[string]bool{}
	for _, id := range fix.TargetIDs {
		want[id] = true
	}
	changed := 0
	for i := range ws.Plan.Turns {
		t := &ws.Plan.Turns[i]
		if len(fix.TargetIDs) > 0 && !want[t.ID] {
			continue
		}
		touched := false
		if t.Tension != "high" {
			t.Tension = "high"
			touched = true
		}
		if !strings.Contains(t.Beat, strings.TrimSpace(storyComplication)) {
			t.Beat += storyComplication
			touched = true
		}
		if touched {
			changed++
		}
	}
	return changed
}

const medicalReviewCitation = "medical-review"

// patchMedicalCorrection replaces flagged factual content with the
// correction carried in the fix note and records the review citation.
func patchMedicalCorrection(ws *WorkingSet, fix Fix) int {
	changed := 0
	for _, s := range targetedSlides(ws, fix) {
		touched := false
		if note := strings.TrimSpace(fix.Note); note != "" && s.Body != note {
			s.Body = note
			touched = true
		}
		if !containsString(s.Citations, medicalReviewCitation) {
			s.Citations = append(s.Citations, medicalReviewCitation)
			touched = true
		}
		if touched {
			changed++
		}
	}
	return changed
}

// patchEditSlide applies a directed content edit to targeted slides.
func patchEditSlide(ws *WorkingSet, fix Fix) int {
	changed := 0
	for _, s := range targetedSlides(ws, fix) {
		note := strings.TrimSpace(fix.Note)
		if note == "" || s.Body == note {
			continue
		}
		s.Body = note
		changed++
	}
	return changed
}

// patchGenericEdit is the unhandled-tag default: it records the finding in
// the speaker notes of the targeted slides so a human editor sees it.
func patchGenericEdit(ws *WorkingSet, fix Fix) int {
	marker := fmt.Sprintf("[editor: %s %s]", fix.Type, strings.TrimSpace(fix.Note))
	changed := 0
	for _, s := range targetedSlides(ws, fix) {
		if strings.Contains(s.SpeakerNotes, marker) {
			continue
		}
		s.SpeakerNotes = strings.TrimSpace(s.SpeakerNotes + " " + marker)
		changed++
	}
	return changed
}

func firstSentences(s string, n int) string {
	s = strings.TrimSpace(s)
	if s == "" || n <= 0 {
		return s
	}
	count := 0
	for i, r := range s {
		if r == '.' || r == '!' || r == '?' {
			count++
			if count == n {
				return strings.TrimSpace(s[:i+1])
			}
		}
	}
	return s
}

func containsString(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
