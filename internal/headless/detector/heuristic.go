// Package detector decides when a direct response must be re-fetched with a
// browser.
package detector

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/scrape-service/internal/scrape"
)

// DefaultThreshold is the body size below which script-heavy or mount-point
// pages are treated as client-rendered.
const DefaultThreshold = 2048

// mountPoints are the container elements common SPA frameworks render into.
const mountPoints = `#__next, #root, #app, #___gatsby, [data-reactroot], [ng-app], [data-server-rendered]`

// Heuristic implements rule-based promotion.
type Heuristic struct {
	BodyLengthThreshold int
}

var _ scrape.BrowserDetector = (*Heuristic)(nil)

// NewHeuristic creates a new detector.
func NewHeuristic(threshold int) *Heuristic {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

// ShouldPromote reports whether the direct response looks like an empty
// client-rendered shell.
func (h *Heuristic) ShouldPromote(resp scrape.FetchResponse) bool {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false
	}
	body := bytes.TrimSpace(resp.Body)
	if len(body) == 0 {
		return true
	}
	small := len(body) < h.BodyLengthThreshold
	if small && scriptDensityHigh(body) {
		return true
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return false
	}
	if noscriptDemandsJS(doc) {
		return true
	}
	return doc.Find(mountPoints).Length() > 0 && visibleTextLength(doc) < h.BodyLengthThreshold/4
}

func noscriptDemandsJS(doc *goquery.Document) bool {
	found := false
	doc.Find("noscript").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := strings.ToLower(s.Text())
		if strings.Contains(text, "enable javascript") || strings.Contains(text, "requires javascript") {
			found = true
			return false
		}
		return true
	})
	return found
}

func visibleTextLength(doc *goquery.Document) int {
	body := doc.Find("body").Clone()
	body.Find("script, style, noscript, template").Remove()
	return len(strings.Join(strings.Fields(body.Text()), " "))
}

// scriptDensityHigh reports whether script elements cover at least a quarter
// of the document.
func scriptDensityHigh(body []byte) bool {
	lower := bytes.ToLower(body)
	total := len(lower)
	openTag, closeTag := []byte("<script"), []byte("</script>")

	coverage := 0
	pos := 0
	for {
		rel := bytes.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		end := total
		if closeRel := bytes.Index(lower[start:], closeTag); closeRel != -1 {
			end = start + closeRel + len(closeTag)
		}
		coverage += end - start
		pos = end
	}
	return coverage > 0 && coverage*100/total >= 25
}
