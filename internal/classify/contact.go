package classify

import (
	"regexp"
	"strings"
)

// ContactHint is identity data scraped from free text.
type ContactHint struct {
	Phone   string `json:"phone,omitempty"`
	Company string `json:"company,omitempty"`
}

var (
	phonePatterns = []*regexp.Regexp{
		regexp.MustCompile(`\+?7\s?\(?\d{3}\)?\s?\d{3}[\s-]?\d{2}[\s-]?\d{2}`),
		regexp.MustCompile(`\+?7\s?\d{10}`),
		regexp.MustCompile(`8\s?\(?\d{3}\)?\s?\d{3}[\s-]?\d{2}[\s-]?\d{2}`),
		regexp.MustCompile(`\+\d{1,3}[\s-]?\(?\d{2,4}\)?[\s-]?\d{3}[\s-]?\d{2,4}[\s-]?\d{0,4}`),
	}
	phoneStrip = regexp.MustCompile(`[\s().-]`)

	companyPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?:ООО|ТОО|ИП|АО|ЗАО|ПАО)\s*["«]?([^"»\n,]{2,50})["»]?`),
		regexp.MustCompile(`(?i)(?:компания|фирма|организация)\s+["«]?([^"»\n,]{2,50})["»]?`),
		regexp.MustCompile(`["«]([^"»\n,]{3,50})["»]`),
		regexp.MustCompile(`(?:от имени|от)\s+([А-ЯЁ][а-яё]+\s+[А-ЯЁ][а-яё]+)`),
	}
)

// ExtractContact finds the first plausible phone number and company name.
func ExtractContact(text string) ContactHint {
	var hint ContactHint
	for _, re := range phonePatterns {
		m := re.FindString(text)
		if m == "" {
			continue
		}
		if p := phoneStrip.ReplaceAllString(m, ""); len(p) >= 10 {
			hint.Phone = p
			break
		}
	}
	for _, re := range companyPatterns {
		if m := re.FindStringSubmatch(text); m != nil {
			if c := strings.TrimSpace(m[1]); c != "" {
				hint.Company = c
				break
			}
		}
	}
	return hint
}
