package classify

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Keywords are the term lists scored by the deterministic pipeline fallback.
// Sales has no list: it is the default when nothing else matches.
type Keywords struct {
	NKU      []string `yaml:"nku"`
	Services []string `yaml:"services"`
}

// DefaultKeywords returns the built-in term lists.
func DefaultKeywords() Keywords {
	return Keywords{
		NKU: []string{
			"нку", "изготовление", "производство", "на заказ", "мощность",
			"ввод", "ip54", "ip65", "технические параметры", "спецификация",
		},
		Services: []string{
			"выезд", "монтаж", "установка", "ремонт", "обслуживание",
			"настройка", "диагностика", "адрес", "визит",
		},
	}
}

// LoadKeywords reads keyword lists from a YAML file. Lists missing from the
// file keep their defaults.
func LoadKeywords(path string) (Keywords, error) {
	kw := DefaultKeywords()
	if path == "" {
		return kw, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return kw, eris.Wrapf(err, "classify: read keywords %s", path)
	}
	var file Keywords
	if err := yaml.Unmarshal(data, &file); err != nil {
		return kw, eris.Wrapf(err, "classify: parse keywords %s", path)
	}
	if len(file.NKU) > 0 {
		kw.NKU = lower(file.NKU)
	}
	if len(file.Services) > 0 {
		kw.Services = lower(file.Services)
	}
	return kw, nil
}

func lower(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func score(text string, terms []string) int {
	n := 0
	for _, t := range terms {
		if strings.Contains(text, t) {
			n++
		}
	}
	return n
}
