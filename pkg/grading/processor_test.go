package grading

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func frame(payload string) string {
	return "data: " + payload + "\n\n"
}

func runStream(t *testing.T, body string) (*Session, error) {
	t.Helper()
	sess := NewSession()
	p := NewProcessor()
	err := p.Run(context.Background(), sess, strings.NewReader(body))
	return sess, err
}

func TestProcessorHappyPath(t *testing.T) {
	body := frame(`{"type":"progress","data":{"stage":"starting","message":"warming up"}}`) +
		frame(`{"type":"progress","data":{"stage":"processing","message":"reading submission"}}`) +
		frame(`{"type":"progress","data":{"stage":"grading"}}`) +
		frame(`{"type":"question","data":{"number":1,"score":4,"maxScore":5}}`) +
		frame(`{"type":"question","data":{"number":2,"score":5,"maxScore":5}}`) +
		frame(`{"type":"question","data":{"number":3,"score":3,"maxScore":5}}`) +
		frame(`{"type":"complete","data":{"totalScore":12,"maxScore":15,"grade":"B"}}`)

	sess, err := runStream(t, body)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	snap := sess.Snapshot()
	if snap.Status != StatusComplete {
		t.Fatalf("status = %s, want complete", snap.Status)
	}
	if snap.Progress != 100 {
		t.Fatalf("progress = %d, want 100", snap.Progress)
	}
	if len(snap.PartialResults) != 3 {
		t.Fatalf("expected 3 partial results, got %d", len(snap.PartialResults))
	}
	if snap.FinalResult == nil || snap.FinalResult.TotalScore != 12 || snap.FinalResult.Grade != "B" {
		t.Fatalf("final result wrong: %+v", snap.FinalResult)
	}
	if len(snap.Log) != 0 {
		t.Fatalf("completion must clear the transient log, got %v", snap.Log)
	}
}

func TestProcessorProgressTable(t *testing.T) {
	sess := NewSession()
	p := NewProcessor()

	steps := []struct {
		record string
		want   int
	}{
		{`{"type":"progress","data":{"stage":"starting"}}`, 10},
		{`{"type":"progress","data":{"stage":"processing"}}`, 30},
		{`{"type":"progress","data":{"stage":"grading"}}`, 60},
		{`{"type":"question","data":{"score":1}}`, 65},
		{`{"type":"question","data":{"score":1}}`, 70},
	}
	for _, step := range steps {
		p.apply(sess, []byte("data: "+step.record))
		if got := sess.Snapshot().Progress; got != step.want {
			t.Fatalf("after %s: progress = %d, want %d", step.record, got, step.want)
		}
	}
}

func TestProcessorQuestionProgressCapped(t *testing.T) {
	sess := NewSession()
	p := NewProcessor()
	p.apply(sess, []byte(`data: {"type":"progress","data":{"stage":"grading"}}`))
	for i := 0; i < 20; i++ {
		p.apply(sess, []byte(`data: {"type":"question","data":{"score":1}}`))
	}
	snap := sess.Snapshot()
	if snap.Progress != 90 {
		t.Fatalf("question progress must cap at 90, got %d", snap.Progress)
	}
	if snap.Status == StatusComplete {
		t.Fatalf("questions alone must never complete the session")
	}
}

func TestProcessorProgressNeverRegresses(t *testing.T) {
	sess := NewSession()
	p := NewProcessor()
	p.apply(sess, []byte(`data: {"type":"progress","data":{"stage":"grading"}}`))
	p.apply(sess, []byte(`data: {"type":"progress","data":{"stage":"starting"}}`))
	if got := sess.Snapshot().Progress; got != 60 {
		t.Fatalf("out-of-order stage must not lower progress, got %d", got)
	}
}

func TestProcessorMalformedFramesDropped(t *testing.T) {
	body := frame(`{"type":"progress","data":{"stage":"grading"}}`) +
		frame(`{{{{not json`) +
		frame(`{"type":"progress","data":{"stage":"warp-speed"}}`) +
		frame(`{"type":"telemetry","data":{}}`) +
		": keep-alive comment\n\n" +
		frame(`{"type":"complete","data":{"totalScore":7}}`)

	sess, err := runStream(t, body)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	snap := sess.Snapshot()
	if snap.Status != StatusComplete || snap.FinalResult == nil || snap.FinalResult.TotalScore != 7 {
		t.Fatalf("malformed frames must not affect the outcome: %+v", snap)
	}
}

func TestProcessorErrorRecordTerminal(t *testing.T) {
	body := frame(`{"type":"progress","data":{"stage":"grading"}}`) +
		frame(`{"type":"error","data":{"message":"submission unreadable"}}`) +
		frame(`{"type":"complete","data":{"totalScore":99}}`)

	sess, err := runStream(t, body)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	snap := sess.Snapshot()
	if snap.Status != StatusError {
		t.Fatalf("status = %s, want error", snap.Status)
	}
	if snap.LastError != "submission unreadable" {
		t.Fatalf("lastError = %q", snap.LastError)
	}
	if snap.FinalResult != nil {
		t.Fatalf("records after an error record must be ignored")
	}
}

func TestProcessorErrorRecordDefaultMessage(t *testing.T) {
	sess, err := runStream(t, frame(`{"type":"error","data":{}}`))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	snap := sess.Snapshot()
	if snap.Status != StatusError || snap.LastError == "" {
		t.Fatalf("empty error record must get a default message: %+v", snap)
	}
}

// chunkReader returns its parts one Read at a time, simulating records
// split across network chunks.
type chunkReader struct {
	parts []string
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.parts) == 0 {
		return 0, io.EOF
	}
	n := copy(p, c.parts[0])
	c.parts[0] = c.parts[0][n:]
	if c.parts[0] == "" {
		c.parts = c.parts[1:]
	}
	return n, nil
}

func TestProcessorPartialFrameAcrossChunks(t *testing.T) {
	full := frame(`{"type":"progress","data":{"stage":"grading","message":"scoring"}}`) +
		frame(`{"type":"complete","data":{"totalScore":10}}`)
	reader := &chunkReader{parts: []string{
		full[:17],
		full[17:40],
		full[40:],
	}}

	sess := NewSession()
	if err := NewProcessor().Run(context.Background(), sess, reader); err != nil {
		t.Fatalf("run: %v", err)
	}
	snap := sess.Snapshot()
	if snap.Status != StatusComplete || snap.FinalResult == nil || snap.FinalResult.TotalScore != 10 {
		t.Fatalf("split frames must reassemble: %+v", snap)
	}
}

func TestProcessorStreamEndsWithoutTerminal(t *testing.T) {
	sess, err := runStream(t, frame(`{"type":"progress","data":{"stage":"processing"}}`))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	snap := sess.Snapshot()
	if snap.Status != StatusError {
		t.Fatalf("truncated stream must fail the session, got %s", snap.Status)
	}
}

func TestProcessorReadTimeout(t *testing.T) {
	sess := NewSession()
	p := &Processor{readTimeout: 20 * time.Millisecond}

	pr, pw := io.Pipe()
	defer pw.Close()

	err := p.Run(context.Background(), sess, pr)
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if sess.Snapshot().Status != StatusError {
		t.Fatalf("timeout must fail the session")
	}
}

func TestProcessorCancellationLeavesResultUntouched(t *testing.T) {
	sess := NewSession()
	p := NewProcessor()

	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- p.Run(ctx, sess, pr)
	}()

	go pw.Write([]byte(frame(`{"type":"progress","data":{"stage":"grading"}}`)))
	waitFor(t, func() bool { return sess.Snapshot().Progress == 60 })

	cancel()
	err := <-done
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	snap := sess.Snapshot()
	if snap.FinalResult != nil {
		t.Fatalf("cancellation must not fabricate a result")
	}
	if snap.Status == StatusComplete {
		t.Fatalf("cancellation must not complete the session")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached in time")
}
