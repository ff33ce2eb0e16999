package extract

import (
	"archive/zip"
	"bytes"
	"fmt"
	"html"
	"io"
	"regexp"
	"strings"
)

const (
	docxDocumentXMLPath = "word/document.xml"
	contentTypesPath    = "[Content_Types].xml"
	docxMainContentType = "application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"
)

var (
	// paragraphRe matches a whole <w:p> element, attributes included.
	paragraphRe = regexp.MustCompile(`(?s)<w:p[ >].*?</w:p>`)
	// runTextRe matches <w:t>text</w:t> with any attributes.
	runTextRe = regexp.MustCompile(`<w:t[^>]*>([^<]*)</w:t>`)
	// mainPartRe finds the main document part in either attribute order.
	mainPartRe = []*regexp.Regexp{
		regexp.MustCompile(`<Override[^>]+PartName="([^"]+)"[^>]+ContentType="` + regexp.QuoteMeta(docxMainContentType) + `"`),
		regexp.MustCompile(`<Override[^>]+ContentType="` + regexp.QuoteMeta(docxMainContentType) + `"[^>]+PartName="([^"]+)"`),
	}
)

// extractDOCX returns the document body with one line per paragraph.
func extractDOCX(content []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("docx: not a zip: %w", err)
	}

	docPath := docxDocumentXMLPath
	if types, err := readZipEntry(zr, contentTypesPath); err == nil {
		for _, re := range mainPartRe {
			if m := re.FindSubmatch(types); len(m) > 1 {
				docPath = strings.TrimPrefix(string(m[1]), "/")
				break
			}
		}
	}

	docXML, err := readZipEntry(zr, docPath)
	if err != nil {
		return "", fmt.Errorf("docx: %w", err)
	}

	var lines []string
	for _, para := range paragraphRe.FindAll(docXML, -1) {
		var b strings.Builder
		for _, run := range runTextRe.FindAllSubmatch(para, -1) {
			b.Write(run[1])
		}
		if line := strings.TrimSpace(html.UnescapeString(b.String())); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n"), nil
}

func readZipEntry(zr *zip.Reader, name string) ([]byte, error) {
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", name, err)
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		return data, nil
	}
	return nil, fmt.Errorf("%s not found", name)
}
