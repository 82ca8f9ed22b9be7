// Package orchestrator выполняет pipeline runs.
//
// Runner ведёт один run по стадиям строго последовательно:
//   - каждая стадия переводится в processing и сохраняется до Execute;
//   - каждый переход sub-job сохраняется сразу (Request.Report);
//   - итог стадии сохраняется до старта следующей.
//
// Поэтому run можно продолжить после рестарта с первой незавершённой
// стадии: завершённые стадии не выполняются повторно, завершённые sub-jobs
// переиспользуются, а sub-jobs с ID задачи провайдера опрашиваются заново.
//
// Orchestrator — демон вокруг Runner:
//   - получает run.pending, run.resume и run.cancel из RabbitMQ;
//   - периодически сканирует БД и подхватывает pending/processing runs,
//     которые не выполняются локально (рестарт, потерянное событие);
//   - держит карту активных runs с функцией отмены для каждого.
//
// По завершении run неиспользованный остаток кредитов возвращается
// один раз, с ключом tracking task run.
package orchestrator
