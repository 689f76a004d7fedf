package analysis

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"
)

// ErrUnsupportedFormat is returned for extensions outside the upload
// allow-list.
var ErrUnsupportedFormat = errors.New("unsupported document format")

// AllowedExtensions is the upload allow-list, lowercase with dots.
var AllowedExtensions = []string{".pdf", ".docx", ".doc", ".txt", ".pptx", ".csv"}

// ExtensionAllowed reports whether the filename carries an accepted
// extension.
func ExtensionAllowed(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	for _, allowed := range AllowedExtensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

// ExtractText pulls plain text out of an uploaded document. The reader
// is consumed fully; format is chosen by the filename extension.
func ExtractText(filename string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read document: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".pdf":
		return extractPDF(data)
	case ".docx":
		return extractDocx(data)
	case ".pptx":
		return extractPptx(data)
	case ".doc":
		return extractLegacyDoc(data)
	case ".txt", ".csv":
		return normalizeText(string(data)), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
}

func extractPDF(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	var buf strings.Builder
	totalPages := reader.NumPage()
	for i := 1; i <= totalPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// Skip problematic pages instead of failing entirely
			continue
		}
		buf.WriteString(text)
		buf.WriteString("\n")
	}
	text := normalizeText(buf.String())
	if text == "" {
		return "", fmt.Errorf("no text extracted from PDF")
	}
	return text, nil
}

// extractDocx reads word/document.xml out of the OOXML archive and
// collects the character data of w:t runs, with paragraph boundaries
// preserved as spaces.
func extractDocx(data []byte) (string, error) {
	content, err := readZipEntry(data, "word/document.xml")
	if err != nil {
		return "", fmt.Errorf("open docx: %w", err)
	}
	text := normalizeText(collectXMLText(content, "t"))
	if text == "" {
		return "", fmt.Errorf("no text extracted from docx")
	}
	return text, nil
}

// extractPptx walks every slide part and collects a:t runs in slide
// order.
func extractPptx(data []byte) (string, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pptx: %w", err)
	}
	var slides []string
	for _, file := range reader.File {
		if strings.HasPrefix(file.Name, "ppt/slides/slide") && strings.HasSuffix(file.Name, ".xml") {
			slides = append(slides, file.Name)
		}
	}
	sort.Strings(slides)
	var buf strings.Builder
	for _, name := range slides {
		content, err := readZipEntry(data, name)
		if err != nil {
			continue
		}
		buf.WriteString(collectXMLText(content, "t"))
		buf.WriteString("\n")
	}
	text := normalizeText(buf.String())
	if text == "" {
		return "", fmt.Errorf("no text extracted from pptx")
	}
	return text, nil
}

// extractLegacyDoc salvages printable runs from the binary .doc format.
// Good enough for the analysis prompt; a full CFB parser is not worth
// carrying for a legacy format.
func extractLegacyDoc(data []byte) (string, error) {
	var buf strings.Builder
	var run []byte
	flush := func() {
		if len(run) >= 4 {
			buf.Write(run)
			buf.WriteByte(' ')
		}
		run = run[:0]
	}
	for _, b := range data {
		if b == '\r' || b == '\n' || b == '\t' || (b >= 0x20 && b < 0x7f) {
			run = append(run, b)
			continue
		}
		flush()
	}
	flush()
	text := normalizeText(buf.String())
	if text == "" {
		return "", fmt.Errorf("no text extracted from doc")
	}
	return text, nil
}

func readZipEntry(data []byte, name string) ([]byte, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	for _, file := range reader.File {
		if file.Name != name {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, fmt.Errorf("%s not found in archive", name)
}

// collectXMLText streams the XML and gathers character data inside
// elements with the given local name, ignoring namespaces.
func collectXMLText(content []byte, localName string) string {
	decoder := xml.NewDecoder(bytes.NewReader(content))
	var buf strings.Builder
	depth := 0
	for {
		tok, err := decoder.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == localName {
				depth++
			}
		case xml.EndElement:
			if t.Name.Local == localName && depth > 0 {
				depth--
				buf.WriteByte(' ')
			}
		case xml.CharData:
			if depth > 0 {
				buf.Write(t)
			}
		}
	}
	return buf.String()
}

func normalizeText(text string) string {
	text = strings.ReplaceAll(text, "\x00", " ")
	text = strings.ToValidUTF8(text, "")
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	return strings.Join(strings.Fields(text), " ")
}
