// Package steps содержит стадии pipeline.
//
// # Обзор
//
// Стадия — последовательное преобразование артефактов run:
//
//	script           → текст в сценарий (один запрос к текстовой модели)
//	storyboard       → раскадровка, fan-out по сценам
//	character_design → портреты, fan-out по персонажам
//	scene_images     → кадры, fan-out по кадрам раскадровки
//	scene_videos     → видео из кадров, fan-out по кадрам
//
// # Интерфейс Stage
//
//	type Stage interface {
//	    ID() string
//	    Label() string
//	    Execute(ctx context.Context, req *Request) (*Result, error)
//	}
//
// Request содержит снимок run (конфигурацию и артефакты предыдущих стадий),
// sub-jobs прошлой попытки и колбэк Report, через который стадия сообщает
// о каждом переходе sub-job. Оркестратор сохраняет run на каждом Report,
// поэтому после рестарта:
//   - завершённые sub-jobs переиспользуются;
//   - sub-jobs с ProviderTaskID опрашиваются повторно, без нового submit.
//
// # Fan-out
//
// FanOut выполняет sub-jobs в пуле ants ограниченного размера. Ошибка
// одного sub-job не прерывает остальные; итог стадии считает Aggregate:
//
//	все успешны  → completed
//	все упали    → failed
//	иначе        → completed_with_failures
//
// Перед запуском каждого sub-job проверяется запрос на отмену run.
//
// # Ошибки Execute
//
// Execute возвращает ошибку только когда стадия не может начаться или
// была прервана:
//   - provider.ErrNotConfigured — нет ключа провайдера, стадия откладывается;
//   - ErrStageCancelled — run отменён или процесс останавливается;
//   - ErrMissingInput — предыдущая стадия не дала нужного артефакта.
//
// Сбой sub-jobs ошибкой не является: он отражается в Result.Status.
package steps
