package scrape

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/leadscore/leadscore/internal/lead"
)

// LoadFile reads a saved page or brochure from disk. HTML and plain text are
// used as is; PDFs are reduced to their text layer. companyURL identifies
// the company the file belongs to.
func LoadFile(path, companyURL string) (lead.RawCompanyContent, error) {
	raw := lead.RawCompanyContent{URL: companyURL}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		text, err := pdfText(path)
		if err != nil {
			return lead.RawCompanyContent{}, err
		}
		raw.Body = text
		raw.ContentType = "text/plain"
	case ".html", ".htm":
		b, err := readCapped(path)
		if err != nil {
			return lead.RawCompanyContent{}, err
		}
		raw.Body = string(b)
		raw.ContentType = "text/html"
		raw.Technologies = DetectTechnologies(raw.Body, nil)
	default:
		b, err := readCapped(path)
		if err != nil {
			return lead.RawCompanyContent{}, err
		}
		raw.Body = string(b)
		raw.ContentType = "text/plain"
	}
	return raw, nil
}

func readCapped(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	b, err := io.ReadAll(io.LimitReader(f, MaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return b, nil
}

func pdfText(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening pdf %s: %w", path, err)
	}
	defer f.Close()

	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting text from %s: %w", path, err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(plain, MaxBodyBytes)); err != nil {
		return "", fmt.Errorf("reading text of %s: %w", path, err)
	}
	return buf.String(), nil
}
