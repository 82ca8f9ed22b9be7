// Package cli реализует инструмент командной строки Mangaflow.
//
// # Обзор
//
// CLI — клиентская утилита для Mangaflow API.
// Работает через HTTP, не импортирует внутренние пакеты системы.
// Все запросы выполняются от имени счёта из --account (заголовок X-Account-ID).
//
// # Ключевые компоненты
//
// ## Client
//
// HTTP-клиент для Mangaflow API. Инкапсулирует HTTP-запросы,
// парсинг ответов (DataResponse, ListResponse, ErrorResponse)
// и превращает ошибки API в *APIError.
//
//	client := cli.NewClient("http://localhost:8080", accountID)
//	est, err := client.Estimate(cli.CreateRunRequest{Text: text})
//
// ## Output
//
// Форматирование вывода. Поддерживает два режима:
//   - Таблицы (text/tabwriter) — по умолчанию
//   - JSON (json.MarshalIndent) — с флагом --json
//
// Данные выводятся в stdout, сообщения (Success/Error) — в stderr.
// Это позволяет использовать pipe: mangaflow run list --json | jq .
//
// ## Commands
//
// Cobra-команды организованы по ресурсам:
//   - run: list, start, show, wait, cancel, resume, tasks, assets
//   - estimate
//   - credits: balance, history, deduct
//   - image, task, assets
//
// Каждая группа создаётся через фабричную функцию (NewRunCmd и т.д.),
// принимающую clientFn и outputFn — замыкания для ленивого создания
// Client и Output после парсинга PersistentFlags.
package cli
