package repo

import "errors"

// Общие ошибки репозиториев.
var (
	// ErrNotFound — запись не найдена в БД.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists — запись уже существует (конфликт уникальности).
	ErrAlreadyExists = errors.New("already exists")

	// ErrConflict — условная запись не применилась: строка изменилась
	// после чтения (optimistic concurrency).
	ErrConflict = errors.New("concurrent modification")

	// ErrInvalidState — операция невозможна в текущем состоянии.
	ErrInvalidState = errors.New("invalid state")

	// ErrLeaseHeld — run арендован другим оркестратором.
	ErrLeaseHeld = errors.New("run is leased by another worker")
)
