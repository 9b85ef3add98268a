package features

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/leadscore/leadscore/internal/lead"
)

// Page is the cleaned, human-readable view of a company's raw content.
type Page struct {
	Text         string
	CompanyName  string
	ContactEmail string
	Description  string
}

var (
	emailPattern      = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	validEmailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9\-]+(\.[a-zA-Z0-9\-]+)*\.[a-zA-Z]{2,}$`)
	titleSeparators   = []string{" | ", " - ", " – ", " — ", " :: "}
)

// ValidEmail reports whether s looks like a deliverable address.
func ValidEmail(s string) bool {
	return validEmailPattern.MatchString(s)
}

// ParsePage strips markup from raw content and pulls out the company name,
// meta description and first contact email. Plain-text bodies pass through.
func ParsePage(raw lead.RawCompanyContent) Page {
	var p Page
	if looksLikeHTML(raw) {
		p = parseHTML(raw.Body)
	} else {
		p.Text = CleanText(raw.Body)
	}
	if name := strings.TrimSpace(raw.CompanyName); name != "" {
		p.CompanyName = name
	}
	if p.ContactEmail == "" {
		p.ContactEmail = firstValidEmail(p.Text)
	}
	return p
}

func looksLikeHTML(raw lead.RawCompanyContent) bool {
	if strings.Contains(strings.ToLower(raw.ContentType), "html") {
		return true
	}
	head := strings.ToLower(strings.TrimSpace(raw.Body))
	if len(head) > 512 {
		head = head[:512]
	}
	return strings.HasPrefix(head, "<!doctype html") || strings.Contains(head, "<html") || strings.Contains(head, "<body")
}

func parseHTML(body string) Page {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return Page{Text: CleanText(body)}
	}

	var p Page
	p.CompanyName = companyName(doc)
	p.Description = CleanText(doc.Find(`meta[name="description"]`).AttrOr("content", ""))

	doc.Find(`a[href^="mailto:"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		addr := strings.TrimPrefix(s.AttrOr("href", ""), "mailto:")
		if i := strings.IndexByte(addr, '?'); i >= 0 {
			addr = addr[:i]
		}
		if ValidEmail(addr) {
			p.ContactEmail = addr
			return false
		}
		return true
	})

	doc.Find("script, style, noscript, template, svg").Remove()
	root := doc.Find("body")
	if root.Length() == 0 {
		root = doc.Selection
	}
	// Block elements run together in Text(); pad them so words stay apart.
	root.Find("p, div, li, h1, h2, h3, h4, h5, h6, br, td, section, article, header, footer").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml(" ")
	})
	p.Text = CleanText(root.Text())
	return p
}

// companyName tries og:site_name, twitter:title, <title> and JSON-LD in turn.
func companyName(doc *goquery.Document) string {
	candidates := []string{
		doc.Find(`meta[property="og:site_name"]`).AttrOr("content", ""),
		doc.Find(`meta[name="twitter:title"], meta[property="twitter:title"]`).First().AttrOr("content", ""),
		doc.Find("title").First().Text(),
	}
	for _, c := range candidates {
		if name := trimTitle(c); name != "" {
			return name
		}
	}

	var name string
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		var data struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal([]byte(s.Text()), &data); err != nil {
			return true
		}
		name = trimTitle(data.Name)
		return name == ""
	})
	return name
}

func trimTitle(s string) string {
	s = CleanText(s)
	for _, sep := range titleSeparators {
		if i := strings.Index(s, sep); i > 0 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}

func firstValidEmail(text string) string {
	for _, m := range emailPattern.FindAllString(text, -1) {
		m = strings.TrimRight(m, ".")
		if ValidEmail(m) {
			return m
		}
	}
	return ""
}

// CleanText collapses whitespace, including non-breaking spaces.
func CleanText(s string) string {
	s = strings.ReplaceAll(s, "\u00a0", " ")
	return strings.Join(strings.Fields(s), " ")
}
