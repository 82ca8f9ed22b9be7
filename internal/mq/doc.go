// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// Структура:
//   - connection.go — соединение с переподключением
//   - topology.go   — exchanges, queues, bindings
//   - publisher.go  — публикация событий run
//   - consumer.go   — потребление с ack/nack
//
// Типы сообщений:
//   - run.pending — run создан и оплачен, ждёт выполнения
//   - run.resume  — явное возобновление partial run
//   - run.cancel  — запрос отмены (флаг уже сохранён в БД)
//
// RabbitMQ — ускоритель, а не источник истины: оркестратор периодически
// сканирует БД и подхватывает runs, события о которых потерялись.
package mq
