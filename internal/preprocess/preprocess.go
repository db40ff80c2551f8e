// Package preprocess turns uploaded bytes plus a declared MIME type into the
// representation the extraction oracle accepts.
package preprocess

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/dvloznov/statement-ingest/internal/domain"
)

// Kind is the family of an uploaded file.
type Kind string

const (
	KindPDF         Kind = "pdf"
	KindCSV         Kind = "csv"
	KindSpreadsheet Kind = "spreadsheet"
	KindImage       Kind = "image"
)

const (
	MIMEPDF  = "application/pdf"
	MIMECSV  = "text/csv"
	MIMEXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	MIMEPNG  = "image/png"
	MIMEJPEG = "image/jpeg"
	MIMEWebP = "image/webp"
)

var supported = map[string]Kind{
	MIMEPDF:  KindPDF,
	MIMECSV:  KindCSV,
	MIMEXLSX: KindSpreadsheet,
	MIMEPNG:  KindImage,
	MIMEJPEG: KindImage,
	MIMEWebP: KindImage,
}

// aliases maps MIME types browsers and OSes send for the same formats.
var aliases = map[string]string{
	"application/csv":          MIMECSV,
	"text/comma-separated-values": MIMECSV,
	"application/x-pdf":        MIMEPDF,
	"image/jpg":                MIMEJPEG,
	"image/pjpeg":              MIMEJPEG,
}

// maxTextPages bounds how many PDF pages are rendered to text.
const maxTextPages = 60

// Prepared is a file ready for the oracle.
type Prepared struct {
	Filename string
	Kind     Kind
	// MIMEType is what the oracle receives, which differs from the declared
	// type for spreadsheets (converted to CSV).
	MIMEType  string
	Data      []byte
	Text      string
	PageCount int
}

// Preprocessor normalizes uploads.
type Preprocessor struct{}

// New returns a Preprocessor.
func New() *Preprocessor {
	return &Preprocessor{}
}

// NormalizeMIME resolves the effective MIME type of an upload. A missing or
// generic declared type falls back to the filename extension, then to
// content sniffing.
func NormalizeMIME(declared, filename string, data []byte) string {
	mt := strings.ToLower(strings.TrimSpace(declared))
	if parsed, _, err := mime.ParseMediaType(mt); err == nil {
		mt = parsed
	}
	if alias, ok := aliases[mt]; ok {
		mt = alias
	}
	if mt != "" && mt != "application/octet-stream" && mt != "text/plain" {
		return mt
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		return MIMECSV
	case ".pdf":
		return MIMEPDF
	case ".xlsx":
		return MIMEXLSX
	}
	if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename))); byExt != "" {
		if parsed, _, err := mime.ParseMediaType(byExt); err == nil {
			return parsed
		}
	}

	sniffed := http.DetectContentType(data)
	if parsed, _, err := mime.ParseMediaType(sniffed); err == nil {
		sniffed = parsed
	}
	if sniffed == "text/plain" && looksLikeCSV(data) {
		return MIMECSV
	}
	return sniffed
}

// Validate performs the cheap checks run before any state is created: the
// type is supported and the bytes look like that type.
func Validate(data []byte, mimeType string) error {
	const op = "Validate"

	if len(data) == 0 {
		return domain.Validation(op, "file is empty")
	}
	kind, ok := supported[mimeType]
	if !ok {
		return domain.Validation(op, fmt.Sprintf("unsupported file type %q", mimeType))
	}

	switch kind {
	case KindPDF:
		if !bytes.HasPrefix(bytes.TrimLeft(data[:min(len(data), 1024)], "\x00\r\n\t "), []byte("%PDF-")) {
			return domain.Validation(op, "file is not a PDF")
		}
	case KindSpreadsheet:
		// xlsx is a zip container
		if !bytes.HasPrefix(data, []byte("PK\x03\x04")) {
			return domain.Validation(op, "file is not an XLSX workbook")
		}
	case KindImage:
		sniffed := http.DetectContentType(data)
		if !strings.HasPrefix(sniffed, "image/") {
			return domain.Validation(op, fmt.Sprintf("file content is %s, not an image", sniffed))
		}
	case KindCSV:
		if bytes.IndexByte(data[:min(len(data), 4096)], 0) >= 0 {
			return domain.Validation(op, "file is binary, not CSV")
		}
	}
	return nil
}

// Prepare validates and converts an upload for the oracle.
func (p *Preprocessor) Prepare(ctx context.Context, data []byte, mimeType, filename string) (*Prepared, error) {
	if err := Validate(data, mimeType); err != nil {
		return nil, err
	}

	out := &Prepared{
		Filename: filename,
		Kind:     supported[mimeType],
		MIMEType: mimeType,
	}

	var err error
	switch out.Kind {
	case KindPDF:
		out.Data = data
		out.Text, out.PageCount, err = pdfText(data)
	case KindCSV:
		var text string
		text, err = normalizeCSV(data)
		out.Data = []byte(text)
		out.Text = text
	case KindSpreadsheet:
		var text string
		text, err = spreadsheetToCSV(data)
		out.MIMEType = MIMECSV
		out.Data = []byte(text)
		out.Text = text
	case KindImage:
		out.Data = data
		out.PageCount = 1
	}
	if err != nil {
		return nil, domain.Validation("Prepare", err.Error())
	}
	return out, nil
}
