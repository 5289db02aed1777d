package classify

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/sells-group/salesops-cli/internal/model"
)

const regexConfidence = 0.3

// KeywordDecision routes text by keyword counts. The higher score wins;
// ties go nku, then services, then sales.
func KeywordDecision(kw Keywords, subject, body string) model.PipelineDecision {
	text := strings.ToLower(subject + " " + body)
	nku := score(text, kw.NKU)
	services := score(text, kw.Services)

	switch {
	case nku > 0 && nku >= services:
		return keywordResult(model.PipelineNKU, nku)
	case services > 0:
		return keywordResult(model.PipelineServices, services)
	}
	return model.PipelineDecision{
		Type:       model.PipelineSales,
		Confidence: 0.5,
		Reason:     "ключевые слова не найдены, воронка продаж по умолчанию",
		Source:     model.SourceKeywords,
	}
}

func keywordResult(t model.PipelineType, matches int) model.PipelineDecision {
	return model.PipelineDecision{
		Type:       t,
		Confidence: math.Min(0.7, 0.4+0.1*float64(matches)),
		Reason:     fmt.Sprintf("совпадений ключевых слов: %d", matches),
		Source:     model.SourceKeywords,
	}
}

var (
	// Units end at a non-letter; \b is ASCII-only and never fires after Cyrillic.
	amountRe   = regexp.MustCompile(`(?i)(\d{1,3}(?:[ \x{00a0}]\d{3})+(?:[.,]\d+)?|\d+(?:[.,]\d+)?)\s*(?:тенге|тг|kzt|руб|₽|₸)(?:[^\p{L}]|$)`)
	quantityRe = regexp.MustCompile(`(?i)(\d+)\s*(?:штук[аи]?|шт|единиц[аы]?|метр(?:а|ов)?|м|килограмм(?:а|ов)?|кг)(?:[^\p{L}]|$)`)
	dateRe     = regexp.MustCompile(`(?i)(\d{1,2}[./-]\d{1,2}[./-]\d{2,4})|(до\s+\d{1,2}[./-]\d{1,2})`)
)

var amountCleaner = strings.NewReplacer(" ", "", "\u00a0", "", ",", ".")

// RegexFacts extracts what it can from currency, quantity and date
// patterns. The last currency amount is taken as the total.
func RegexFacts(subject, body string) model.DealFacts {
	text := subject + " " + body
	facts := model.DealFacts{
		Products:   []model.Product{},
		Confidence: regexConfidence,
		Source:     model.SourceRegex,
	}

	if m := amountRe.FindAllStringSubmatch(text, -1); len(m) > 0 {
		raw := amountCleaner.Replace(m[len(m)-1][1])
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			facts.TotalAmount = &f
		}
	}
	if m := quantityRe.FindStringSubmatch(text); m != nil {
		if q, err := strconv.ParseFloat(m[1], 64); err == nil {
			facts.Products = append(facts.Products, model.Product{Name: "Товар", Quantity: &q, Unit: "шт"})
		}
	}
	if m := dateRe.FindString(text); m != "" {
		facts.Deadline = m
	}
	return facts
}
