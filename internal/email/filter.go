package email

import (
	"regexp"
	"strings"
)

// Heuristic categories assigned to every fetched message.
const (
	CategorySpam      = "spam"
	CategoryPotential = "potential"
	CategoryOther     = "other"
)

var (
	spamKeywords = []string{
		"unsubscribe",
		"рассылка",
		"не отвечайте на это письмо",
		"спам",
		"уведомление",
		"автоматически",
		"auto reply",
		"no-reply",
		"уведомление о доставке",
		"delivery notification",
	}

	commercialKeywords = []string{
		"запрос",
		"расчет",
		"коммерческое предложение",
		"договор",
		"предложение",
		"invoice",
		"прайс",
		"прайс-лист",
		"покупка",
		"цена",
		"quotation",
		"purchase",
		"offer",
	}
)

// Filter sorts a message by keywords in its subject and body. Spam terms
// win over commercial ones. The sender is not inspected.
func Filter(subject, _, body string) string {
	subj := strings.ToLower(subject)
	text := strings.ToLower(body)
	if containsAny(subj, text, spamKeywords) {
		return CategorySpam
	}
	if containsAny(subj, text, commercialKeywords) {
		return CategoryPotential
	}
	return CategoryOther
}

func containsAny(subject, body string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(subject, t) || strings.Contains(body, t) {
			return true
		}
	}
	return false
}

var (
	mdHeading = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	mdBold    = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	mdItalic  = regexp.MustCompile(`\*([^*]+)\*`)
	mdStray   = strings.NewReplacer("**", "", "##", "", "#", "")
)

// CleanMarkdown strips headings, bold and italic markers from model output.
func CleanMarkdown(text string) string {
	text = mdHeading.ReplaceAllString(text, "")
	text = mdBold.ReplaceAllString(text, "$1")
	text = mdItalic.ReplaceAllString(text, "$1")
	return strings.TrimSpace(mdStray.Replace(text))
}
