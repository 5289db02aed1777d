package email

import (
	"fmt"
	"time"
)

type template struct {
	sender, subject, body string
}

var mockTemplates = []template{
	{
		sender:  "Иван Петров <ivan.petrov@company.kz>",
		subject: "Запрос на АВР Stalker Electric 630А",
		body:    "Добрый день! Нужен АВР Stalker Electric Т1+Т2, 630А, 400В, IP54. Количество: 2 шт. Срок доставки: до 15.12.2025. Адрес: г. Алматы, ул. Абая 150.",
	},
	{
		sender:  "Мария Смирнова <maria@service.kz>",
		subject: "Требуется монтаж электрооборудования",
		body:    "Здравствуйте! Нужен выезд специалиста для монтажа АВР на объекте. Адрес: г. Астана, пр. Кабанбай батыра 25. Дата: 20.12.2025. Мощность: 400А.",
	},
	{
		sender:  "ТОО ЭнергоСервис <info@energo.kz>",
		subject: "Изготовление НКУ на заказ",
		body:    "Добрый день! Требуется изготовление НКУ на заказ. Параметры: мощность 630А, ввод 400В, IP54. Количество: 1 комплект. Срок изготовления: 30 дней.",
	},
	{
		sender:  "Алексей Козлов <alex@tech.kz>",
		subject: "Запрос на контакторы Siemens",
		body:    "Нужны контакторы Siemens 3RT2026-1AP00 в количестве 5 шт. Цена: 8000 тенге за штуку. Доставка в г. Шымкент.",
	},
	{
		sender:  "ООО ПромЭнерго <sales@promenergo.kz>",
		subject: "Ремонт АВР на объекте",
		body:    "Требуется срочный ремонт АВР на объекте. Адрес выезда: г. Караганда, ул. Бухар жырау 45. Дата: срочно. Контакт: +7 777 123 4567.",
	},
}

// mockMessages cycles through the templates, newest first, one hour apart.
func mockMessages(limit int, now time.Time) []Message {
	out := make([]Message, 0, limit)
	for i := range limit {
		t := mockTemplates[i%len(mockTemplates)]
		out = append(out, newMessage(
			fmt.Sprintf("mock_%d", i+1),
			t.subject,
			t.sender,
			now.Add(-time.Duration(i+1)*time.Hour).Format(time.DateTime),
			t.body,
		))
	}
	return out
}
