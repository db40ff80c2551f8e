package preprocess

import (
	"fmt"
	"strings"

	"github.com/gen2brain/go-fitz"
)

// pdfText returns the text layer of the first maxTextPages pages and the
// total page count. Scanned PDFs yield empty text; the oracle still gets the
// original bytes.
func pdfText(data []byte) (string, int, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return "", 0, fmt.Errorf("unreadable PDF: %w", err)
	}
	defer doc.Close()

	pages := doc.NumPage()
	if pages == 0 {
		return "", 0, fmt.Errorf("PDF has no pages")
	}

	var b strings.Builder
	for i := 0; i < pages && i < maxTextPages; i++ {
		text, err := doc.Text(i)
		if err != nil {
			return "", pages, fmt.Errorf("reading PDF page %d: %w", i+1, err)
		}
		if i > 0 {
			b.WriteString("\n\f\n")
		}
		b.WriteString(strings.TrimSpace(text))
	}
	return b.String(), pages, nil
}
