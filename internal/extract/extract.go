// Package extract applies field rules to markup. Each rule is evaluated in
// isolation so one bad selector never affects the others.
package extract

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-service/internal/metrics"
	"github.com/JakeFAU/scrape-service/internal/scrape"
)

// Extractor evaluates CSS selector rules.
type Extractor struct {
	logger *zap.Logger
}

// New builds an Extractor.
func New(logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{logger: logger}
}

// Extract returns one value list per rule. Values are the trimmed text of each
// match in document order. A rule whose selector fails to compile or evaluate
// yields an empty list.
func (e *Extractor) Extract(body []byte, rules scrape.Rules) (map[string][]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	fields := make(map[string][]string, len(rules))
	for _, name := range FieldNames(rules) {
		fields[name] = e.field(doc, name, rules[name])
	}
	return fields, nil
}

func (e *Extractor) field(doc *goquery.Document, name, selector string) (values []string) {
	values = []string{}
	defer func() {
		if r := recover(); r != nil {
			e.fieldFailed(name, selector, fmt.Errorf("panic: %v", r))
			values = []string{}
		}
	}()

	compiled, err := cascadia.Compile(selector)
	if err != nil {
		e.fieldFailed(name, selector, err)
		return values
	}
	doc.FindMatcher(compiled).Each(func(_ int, s *goquery.Selection) {
		values = append(values, strings.TrimSpace(s.Text()))
	})
	return values
}

func (e *Extractor) fieldFailed(name, selector string, err error) {
	e.logger.Warn("field extraction failed",
		zap.String("field", name),
		zap.String("selector", selector),
		zap.Error(err),
	)
	metrics.ObserveExtractionFieldFailure()
}

// FieldNames returns the rule names sorted.
func FieldNames(rules scrape.Rules) []string {
	names := make([]string, 0, len(rules))
	for name := range rules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
