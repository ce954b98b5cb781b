package grading

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

const (
	readBufferSize     = 4096
	defaultReadTimeout = 60 * time.Second
)

// recordSeparator frames the stream: records are separated by a blank line.
var recordSeparator = []byte("\n\n")

// event is one decoded stream record.
type event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type progressData struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

type errorData struct {
	Message string `json:"message"`
}

// Processor drains one grading stream into a session. A malformed frame is
// dropped and never aborts the stream; the session only terminates on an
// explicit error record, a complete record, cancellation, or a
// stream-level failure.
type Processor struct {
	readTimeout time.Duration
}

// NewProcessor builds a processor with the default per-read timeout.
func NewProcessor() *Processor {
	return &Processor{readTimeout: defaultReadTimeout}
}

// Run consumes the stream until a terminal record, stream end, timeout, or
// cancellation. The caller owns closing the stream. Cancellation returns
// ctx.Err() without mutating the session's result.
func (p *Processor) Run(ctx context.Context, sess *Session, stream io.Reader) error {
	chunks := make(chan readChunk)
	go readLoop(ctx, stream, chunks)

	timeout := p.readTimeout
	if timeout <= 0 {
		timeout = defaultReadTimeout
	}

	var buf []byte
	for {
		timer := time.NewTimer(timeout)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			sess.fail("grading stream read timed out")
			return fmt.Errorf("grading stream read timed out after %s", timeout)
		case chunk, ok := <-chunks:
			timer.Stop()
			if len(chunk.data) > 0 {
				buf = append(buf, chunk.data...)
				buf = p.drain(sess, buf)
				if snap := sess.Snapshot(); snap.Status == StatusComplete || snap.Status == StatusError {
					return nil
				}
			}
			if !ok || chunk.err != nil {
				if chunk.err != nil && chunk.err != io.EOF {
					sess.fail(chunk.err.Error())
					return fmt.Errorf("grading stream read: %w", chunk.err)
				}
				// Stream ended without a terminal record.
				if snap := sess.Snapshot(); snap.Status != StatusComplete && snap.Status != StatusError {
					sess.fail("grading stream ended before completion")
				}
				return nil
			}
		}
	}
}

type readChunk struct {
	data []byte
	err  error
}

// readLoop feeds raw chunks to the processor until the stream or the
// context ends. The context guard keeps the goroutine from leaking when
// the processor stops consuming after a terminal record.
func readLoop(ctx context.Context, stream io.Reader, out chan<- readChunk) {
	defer close(out)
	buf := make([]byte, readBufferSize)
	for {
		n, err := stream.Read(buf)
		chunk := readChunk{err: err}
		if n > 0 {
			chunk.data = append([]byte(nil), buf[:n]...)
		}
		select {
		case out <- chunk:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// drain splits complete records off the buffer and applies them, returning
// the trailing partial record for the next chunk.
func (p *Processor) drain(sess *Session, buf []byte) []byte {
	for {
		idx := bytes.Index(buf, recordSeparator)
		if idx < 0 {
			return buf
		}
		record := buf[:idx]
		buf = buf[idx+len(recordSeparator):]
		p.apply(sess, record)
		if sess.Snapshot().Status == StatusError {
			return buf
		}
	}
}

// apply decodes one framed record and feeds it to the session. Anything
// that does not parse as a well-formed event is dropped silently; the
// upstream is allowed to hiccup.
func (p *Processor) apply(sess *Session, record []byte) {
	payload := extractData(record)
	if payload == "" {
		return
	}
	var ev event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		slog.Debug("dropping malformed grading record", "err", err)
		return
	}
	switch ev.Type {
	case "progress":
		var data progressData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			slog.Debug("dropping malformed progress record", "err", err)
			return
		}
		stage := Status(strings.ToLower(strings.TrimSpace(data.Stage)))
		if _, ok := stageProgress[stage]; !ok {
			slog.Debug("dropping progress record with unknown stage", "stage", data.Stage)
			return
		}
		sess.setStage(stage, data.Message)
	case "question":
		var data QuestionResult
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			slog.Debug("dropping malformed question record", "err", err)
			return
		}
		sess.addQuestion(data)
	case "complete":
		var data FinalResult
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			slog.Debug("dropping malformed complete record", "err", err)
			return
		}
		sess.complete(data)
	case "error":
		var data errorData
		if err := json.Unmarshal(ev.Data, &data); err != nil || data.Message == "" {
			data.Message = "grading failed upstream"
		}
		sess.fail(data.Message)
	default:
		slog.Debug("dropping grading record with unknown type", "type", ev.Type)
	}
}

// extractData joins the data lines of one framed record. Lines without the
// data prefix (comments, event names) are ignored.
func extractData(record []byte) string {
	var sb strings.Builder
	for _, line := range strings.Split(string(record), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		sb.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
	}
	return sb.String()
}
