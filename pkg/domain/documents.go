package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Generated-content document types. Each maps a generation type string to a
// typed document that round-trips through JSON without loss.

type LessonPlan struct {
	Title      string   `json:"title"`
	GradeLevel string   `json:"gradeLevel"`
	Subject    string   `json:"subject"`
	Duration   string   `json:"duration,omitempty"`
	Objectives []string `json:"objectives"`
	Materials  []string `json:"materials,omitempty"`
	Sections   []LessonSection `json:"sections"`
}

type LessonSection struct {
	Heading string `json:"heading"`
	Minutes int    `json:"minutes,omitempty"`
	Body    string `json:"body"`
}

type Quiz struct {
	Title     string         `json:"title"`
	Subject   string         `json:"subject,omitempty"`
	Questions []QuizQuestion `json:"questions"`
}

type QuizQuestion struct {
	Prompt      string   `json:"prompt"`
	Choices     []string `json:"choices,omitempty"`
	AnswerIndex *int     `json:"answerIndex,omitempty"`
	Answer      string   `json:"answer,omitempty"`
	Points      int      `json:"points,omitempty"`
}

type Worksheet struct {
	Title        string   `json:"title"`
	Instructions string   `json:"instructions,omitempty"`
	Exercises    []string `json:"exercises"`
}

type SlideOutline struct {
	Title  string  `json:"title"`
	Slides []Slide `json:"slides"`
}

type Slide struct {
	Heading string   `json:"heading"`
	Bullets []string `json:"bullets,omitempty"`
	Notes   string   `json:"notes,omitempty"`
}

type LeveledReading struct {
	Title        string `json:"title"`
	ReadingLevel string `json:"readingLevel"`
	Passage      string `json:"passage"`
	WordCount    int    `json:"wordCount,omitempty"`
}

// decodeStrict rejects malformed JSON, unknown fields, and trailing data.
func decodeStrict(data []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	if dec.More() {
		return fmt.Errorf("decode document: trailing data after document")
	}
	return nil
}

// ValidateDocument checks a generated document against the typed schema for
// its generation type. Types without a registered schema pass through
// untouched so new upstream types keep working.
func ValidateDocument(generationType string, doc map[string]any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	t := strings.ToLower(generationType)
	t = strings.ReplaceAll(t, "-", "")
	t = strings.ReplaceAll(t, "_", "")
	switch t {
	case "lessonplan":
		_, err = DecodeLessonPlan(raw)
	case "quiz":
		_, err = DecodeQuiz(raw)
	case "worksheet":
		_, err = DecodeWorksheet(raw)
	case "slideoutline":
		_, err = DecodeSlideOutline(raw)
	case "leveledreading":
		_, err = DecodeLeveledReading(raw)
	}
	return err
}

// DecodeLessonPlan parses and validates a lesson plan document.
func DecodeLessonPlan(data []byte) (LessonPlan, error) {
	var doc LessonPlan
	if err := decodeStrict(data, &doc); err != nil {
		return LessonPlan{}, err
	}
	if strings.TrimSpace(doc.Title) == "" {
		return LessonPlan{}, fmt.Errorf("lesson plan: title required")
	}
	if len(doc.Objectives) == 0 {
		return LessonPlan{}, fmt.Errorf("lesson plan: objectives required")
	}
	return doc, nil
}

// DecodeQuiz parses and validates a quiz document.
func DecodeQuiz(data []byte) (Quiz, error) {
	var doc Quiz
	if err := decodeStrict(data, &doc); err != nil {
		return Quiz{}, err
	}
	if strings.TrimSpace(doc.Title) == "" {
		return Quiz{}, fmt.Errorf("quiz: title required")
	}
	if len(doc.Questions) == 0 {
		return Quiz{}, fmt.Errorf("quiz: questions required")
	}
	for i, q := range doc.Questions {
		if strings.TrimSpace(q.Prompt) == "" {
			return Quiz{}, fmt.Errorf("quiz: question %d missing prompt", i+1)
		}
		if q.AnswerIndex != nil && (*q.AnswerIndex < 0 || *q.AnswerIndex >= len(q.Choices)) {
			return Quiz{}, fmt.Errorf("quiz: question %d answer index out of range", i+1)
		}
	}
	return doc, nil
}

// DecodeWorksheet parses and validates a worksheet document.
func DecodeWorksheet(data []byte) (Worksheet, error) {
	var doc Worksheet
	if err := decodeStrict(data, &doc); err != nil {
		return Worksheet{}, err
	}
	if strings.TrimSpace(doc.Title) == "" {
		return Worksheet{}, fmt.Errorf("worksheet: title required")
	}
	if len(doc.Exercises) == 0 {
		return Worksheet{}, fmt.Errorf("worksheet: exercises required")
	}
	return doc, nil
}

// DecodeSlideOutline parses and validates a slide outline document.
func DecodeSlideOutline(data []byte) (SlideOutline, error) {
	var doc SlideOutline
	if err := decodeStrict(data, &doc); err != nil {
		return SlideOutline{}, err
	}
	if strings.TrimSpace(doc.Title) == "" {
		return SlideOutline{}, fmt.Errorf("slide outline: title required")
	}
	if len(doc.Slides) == 0 {
		return SlideOutline{}, fmt.Errorf("slide outline: slides required")
	}
	return doc, nil
}

// DecodeLeveledReading parses and validates a leveled reading document.
func DecodeLeveledReading(data []byte) (LeveledReading, error) {
	var doc LeveledReading
	if err := decodeStrict(data, &doc); err != nil {
		return LeveledReading{}, err
	}
	if strings.TrimSpace(doc.Title) == "" {
		return LeveledReading{}, fmt.Errorf("leveled reading: title required")
	}
	if strings.TrimSpace(doc.Passage) == "" {
		return LeveledReading{}, fmt.Errorf("leveled reading: passage required")
	}
	return doc, nil
}
