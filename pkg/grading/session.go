// Package grading consumes the model gateway's chunked grading stream,
// tracking incremental progress and partial results per session.
package grading

import (
	"sync"

	"teachforge/internal/util"
)

// Status is the lifecycle state of one grading session.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusStarting   Status = "starting"
	StatusProcessing Status = "processing"
	StatusGrading    Status = "grading"
	StatusComplete   Status = "complete"
	StatusError      Status = "error"
)

// Fixed progress table for stage records. Question records add
// questionProgressStep each, capped below completion; only a complete
// record reaches 100.
const (
	progressStarting     = 10
	progressProcessing   = 30
	progressGrading      = 60
	questionProgressStep = 5
	questionProgressCap  = 90
	progressComplete     = 100
)

var stageProgress = map[Status]int{
	StatusStarting:   progressStarting,
	StatusProcessing: progressProcessing,
	StatusGrading:    progressGrading,
}

// QuestionResult is one per-item grading outcome from the stream.
type QuestionResult struct {
	QuestionID string  `json:"questionId,omitempty"`
	Number     int     `json:"number,omitempty"`
	Score      float64 `json:"score"`
	MaxScore   float64 `json:"maxScore,omitempty"`
	Feedback   string  `json:"feedback,omitempty"`
}

// FinalResult is the authoritative terminal payload of a grading stream.
type FinalResult struct {
	TotalScore float64          `json:"totalScore"`
	MaxScore   float64          `json:"maxScore,omitempty"`
	Grade      string           `json:"grade,omitempty"`
	Summary    string           `json:"summary,omitempty"`
	Questions  []QuestionResult `json:"questions,omitempty"`
}

// Session is the mutable state of one in-flight grading interaction.
// Owned by exactly one stream reader; snapshots are safe from any
// goroutine.
type Session struct {
	mu sync.Mutex

	id             string
	status         Status
	progress       int
	log            []string
	partialResults []QuestionResult
	finalResult    *FinalResult
	lastError      string

	cancel func()
}

// Snapshot is an immutable view of a session for callers.
type Snapshot struct {
	ID             string           `json:"id"`
	Status         Status           `json:"status"`
	Progress       int              `json:"progress"`
	Log            []string         `json:"log,omitempty"`
	PartialResults []QuestionResult `json:"partialResults,omitempty"`
	FinalResult    *FinalResult     `json:"finalResult,omitempty"`
	LastError      string           `json:"lastError,omitempty"`
}

// NewSession creates an idle session.
func NewSession() *Session {
	return &Session{
		id:     util.NewID(),
		status: StatusIdle,
	}
}

// ID returns the session handle.
func (s *Session) ID() string { return s.id }

// Snapshot copies the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ID:        s.id,
		Status:    s.status,
		Progress:  s.progress,
		LastError: s.lastError,
	}
	snap.Log = append(snap.Log, s.log...)
	snap.PartialResults = append(snap.PartialResults, s.partialResults...)
	if s.finalResult != nil {
		final := *s.finalResult
		snap.FinalResult = &final
	}
	return snap
}

// terminal reports whether no further records may mutate the session.
func (s *Session) terminal() bool {
	return s.status == StatusComplete || s.status == StatusError
}

func (s *Session) setStage(stage Status, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal() {
		return
	}
	s.status = stage
	if message != "" {
		s.log = append(s.log, message)
	}
	if pct, ok := stageProgress[stage]; ok && pct > s.progress {
		s.progress = pct
	}
}

// addQuestion appends a partial result in arrival order and bumps the
// progress estimate. The total item count is unknown up front, so the
// increment is a fixed step capped below completion.
func (s *Session) addQuestion(result QuestionResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal() {
		return
	}
	s.partialResults = append(s.partialResults, result)
	next := s.progress + questionProgressStep
	if next > questionProgressCap {
		next = questionProgressCap
	}
	if next > s.progress {
		s.progress = next
	}
}

// complete installs the final result. The terminal record is authoritative
// over prior partial state: progress is forced to 100 and the transient
// log is cleared.
func (s *Session) complete(result FinalResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal() {
		return
	}
	s.status = StatusComplete
	s.progress = progressComplete
	s.finalResult = &result
	s.log = nil
}

// fail moves the session to the error state. No further records are
// processed afterwards.
func (s *Session) fail(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusComplete {
		return
	}
	s.status = StatusError
	s.lastError = message
}

// reset returns the session to idle without touching the id. A cancelled
// session is indistinguishable, for result purposes, from one that never
// started.
func (s *Session) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusIdle
	s.progress = 0
	s.log = nil
	s.partialResults = nil
	s.finalResult = nil
	s.lastError = ""
}
