package pdfextract

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

// Summary describes a PDF attachment for display next to the user message.
type Summary struct {
	Pages   int
	Preview string
}

// Inspect counts the pages of a PDF and extracts up to previewRunes of its
// plain text. A PDF without extractable text yields an empty preview.
func Inspect(data []byte, previewRunes int) (summary Summary, err error) {
	// the pdf reader panics on some malformed cross-reference tables
	defer func() {
		if r := recover(); r != nil {
			summary, err = Summary{}, fmt.Errorf("read pdf failed: %v", r)
		}
	}()

	if len(data) == 0 {
		return Summary{}, nil
	}
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Summary{}, err
	}
	summary = Summary{Pages: reader.NumPage()}
	if previewRunes <= 0 {
		return summary, nil
	}

	plain, err := reader.GetPlainText()
	if err != nil {
		return summary, nil
	}
	text, err := io.ReadAll(io.LimitReader(plain, int64(previewRunes*utf8.UTFMax)))
	if err != nil {
		return summary, nil
	}
	summary.Preview = clip(strings.Join(strings.Fields(string(text)), " "), previewRunes)
	return summary, nil
}

func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
