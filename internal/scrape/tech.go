package scrape

import (
	"net/http"
	"slices"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// signature lists lower-case fragments that reveal a technology in page
// source, asset URLs or response headers.
type signature struct {
	token     string
	fragments []string
}

var signatures = []signature{
	{"aws", []string{"amazonaws.com", "cloudfront.net", "amazon web services", "aws-"}},
	{"azure", []string{".azurewebsites.", "azureedge.net", "microsoft azure"}},
	{"gcp", []string{"googleapis.com/storage", "firebaseapp.com", "firebase", "google cloud"}},
	{"kubernetes", []string{"kubernetes"}},
	{"cloudflare", []string{"cdnjs.cloudflare.com", "cloudflareinsights.com", "cf-ray"}},
	{"google-analytics", []string{"google-analytics.com", "googletagmanager.com/gtag", "gtag("}},
	{"mixpanel", []string{"mixpanel"}},
	{"segment", []string{"cdn.segment.com", "segment.io", "segment.com/analytics"}},
	{"salesforce", []string{"salesforce", "force.com", "pardot"}},
	{"hubspot", []string{"hubspot", "hs-scripts.com", "hs-script"}},
	{"zendesk", []string{"zendesk", "zdassets"}},
	{"marketo", []string{"marketo", "mktoweb", "munchkin"}},
	{"mailchimp", []string{"mailchimp", "list-manage.com", "chimpstatic"}},
	{"intercom", []string{"intercom", "intercomcdn"}},
	{"stripe", []string{"js.stripe.com"}},
	{"react", []string{"react-dom", "data-reactroot", "react.production.min.js", "__react"}},
	{"vue", []string{"vue.min.js", "vue.runtime", "data-v-app", "__vue"}},
	{"angular", []string{"ng-version", "angular.min.js", "angular.js"}},
	{"nextjs", []string{"/_next/static", "__next_data__", "next.js"}},
	{"node", []string{"x-powered-by: express", "x-powered-by: next.js"}},
	{"shopify", []string{"cdn.shopify.com", "myshopify.com"}},
	{"wordpress", []string{"wp-content", "wp-includes", "wordpress"}},
	{"jquery", []string{"jquery"}},
	{"django", []string{"csrfmiddlewaretoken"}},
	{"php", []string{"x-powered-by: php", "phpsessid"}},
}

// DetectTechnologies returns the sorted technology tokens evidenced by an
// HTML page's markup and its response headers. Visible text is ignored, so a
// blog post mentioning WordPress does not count. The generator meta tag is
// reported verbatim (lower-cased) as an extra token.
func DetectTechnologies(body string, header http.Header) []string {
	var b strings.Builder
	for k, vs := range header {
		for _, v := range vs {
			b.WriteString(strings.ToLower(k + ": " + v))
			b.WriteByte('\n')
		}
	}

	found := make(map[string]bool)
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		matchInto(found, strings.ToLower(body)+b.String())
		return sortedTokens(found)
	}
	doc.Find("*").Each(func(_ int, s *goquery.Selection) {
		for _, a := range s.Nodes[0].Attr {
			b.WriteString(strings.ToLower(a.Key + "=" + a.Val))
			b.WriteByte('\n')
		}
	})
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		b.WriteString(strings.ToLower(s.Text()))
		b.WriteByte('\n')
	})
	if gen := strings.TrimSpace(doc.Find(`meta[name="generator"]`).AttrOr("content", "")); gen != "" {
		found[strings.ToLower(gen)] = true
	}
	matchInto(found, b.String())
	return sortedTokens(found)
}

func sortedTokens(found map[string]bool) []string {
	out := make([]string, 0, len(found))
	for tok := range found {
		out = append(out, tok)
	}
	slices.Sort(out)
	return out
}

func matchInto(found map[string]bool, haystack string) {
	for _, sig := range signatures {
		if found[sig.token] {
			continue
		}
		for _, f := range sig.fragments {
			if strings.Contains(haystack, f) {
				found[sig.token] = true
				break
			}
		}
	}
}
