// Package api содержит HTTP API сервер.
//
// Структура:
//   - handler.go            — Handler с DI (хранилища, ledger, launcher, publisher)
//   - routes.go             — регистрация маршрутов
//   - middleware.go         — middleware (logging, recovery, метрики)
//   - response.go           — унифицированные JSON-ответы и отображение ошибок
//   - dto.go                — Data Transfer Objects (request/response)
//   - run_handler.go        — обработчики для /runs и /estimate
//   - credit_handler.go     — обработчики для /accounts и /credits
//   - generation_handler.go — обработчики для /generations, /tasks и /assets
//
// Счёт вызывающего передаётся заголовком X-Account-ID: аутентификация
// пользователей выполняется перед API.
package api
