// Package extract pulls plain text out of uploaded submission files so the
// grading prompt can include the student's work.
package extract

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"
)

const maxSubmissionBytes = 32 << 20

var whitespaceRun = regexp.MustCompile(`[ \t]+`)

// SubmissionText extracts the text of an uploaded submission. PDFs go
// through the pdf reader; everything else is treated as UTF-8 text.
func SubmissionText(filename string, r io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxSubmissionBytes))
	if err != nil {
		return "", fmt.Errorf("read submission: %w", err)
	}
	if strings.EqualFold(filepath.Ext(filename), ".pdf") {
		return pdfText(data)
	}
	return normalizeText(string(data)), nil
}

func pdfText(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	var sb strings.Builder
	totalPages := reader.NumPage()
	for i := 1; i <= totalPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// Skip problematic pages instead of failing entirely.
			continue
		}
		sb.WriteString(text)
		sb.WriteString("\n")
	}
	out := normalizeText(sb.String())
	if out == "" {
		return "", fmt.Errorf("no text extracted from PDF")
	}
	return out, nil
}

func normalizeText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = whitespaceRun.ReplaceAllString(text, " ")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
