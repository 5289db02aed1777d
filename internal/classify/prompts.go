package classify

import (
	"encoding/json"
	"fmt"
)

const (
	pipelineMaxRunes   = 1000
	extractionMaxRunes = 2000
)

const pipelinePrompt = `Определи тип воронки продаж для входящего обращения.

Воронки:
- sales: стандартная продажа готовой продукции со склада
- nku: изготовление НКУ (низковольтных комплектных устройств) на заказ по техническим параметрам
- services: выездные услуги (монтаж, ремонт, обслуживание, диагностика)

Обращение:
%s
%s

Ответь JSON-объектом:
{"pipeline_type": "sales|nku|services", "confidence": 0.0-1.0, "reason": "краткое обоснование"}`

const extractionPrompt = `Извлеки из обращения данные о сделке.

Обращение:
%s
%s

Ответь JSON-объектом:
{
  "products": [{"name": "название", "quantity": число, "price": число, "unit": "шт"}],
  "total_amount": число или null,
  "deadline": "срок" или null,
  "delivery_address": "адрес" или null,
  "technical_params": {},
  "confidence": 0.0-1.0
}`

func buildPipelinePrompt(subject, body string, meta map[string]any) Prompt {
	return Prompt{
		Text:        fmt.Sprintf(pipelinePrompt, truncate(subject+"\n"+body, pipelineMaxRunes), metaLine(meta)),
		Temperature: 0.3,
	}
}

func buildExtractionPrompt(subject, body string, meta map[string]any) Prompt {
	return Prompt{
		Text:        fmt.Sprintf(extractionPrompt, truncate(subject+"\n"+body, extractionMaxRunes), metaLine(meta)),
		Temperature: 0.2,
	}
}

func metaLine(meta map[string]any) string {
	if len(meta) == 0 {
		return ""
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return ""
	}
	return "Метаданные: " + truncate(string(data), 500)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
