package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var fencePattern = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// ExtractJSON разбирает JSON из ответа модели.
//
// Модели часто оборачивают JSON в markdown-блок или добавляют текст
// до и после. Берётся содержимое первого блока ```, затем первый
// сбалансированный JSON-объект или массив, который разбирается в v.
// Скобки в пояснениях модели ("см. [1]") пропускаются.
func ExtractJSON(text string, v any) error {
	cleaned := strings.TrimSpace(text)
	if m := fencePattern.FindStringSubmatch(cleaned); m != nil {
		cleaned = strings.TrimSpace(m[1])
	}

	var firstErr error
	for from := 0; from < len(cleaned); {
		start, end, ok := nextJSONDocument(cleaned, from)
		if start < 0 {
			break
		}
		if !ok {
			from = start + 1
			continue
		}

		doc := []byte(cleaned[start:end])
		err := errNotJSON
		if json.Valid(doc) {
			err = json.Unmarshal(doc, v)
		}
		if err == nil {
			return nil
		}
		if firstErr == nil {
			firstErr = err
		}
		from = end
	}

	if firstErr == nil || errors.Is(firstErr, errNotJSON) {
		return fmt.Errorf("%w: no JSON document in output", ErrParse)
	}
	return fmt.Errorf("%w: %v", ErrParse, firstErr)
}

var errNotJSON = errors.New("not a JSON document")

// nextJSONDocument ищет с позиции from первый {...} или [...],
// учитывая строки и экранирование. start < 0 — скобок больше нет;
// ok=false — скобка в start не закрыта.
func nextJSONDocument(s string, from int) (start, end int, ok bool) {
	i := strings.IndexAny(s[from:], "{[")
	if i < 0 {
		return -1, 0, false
	}
	start = from + i

	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(s); i++ {
		c := s[i]

		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return start, i + 1, true
			}
		}
	}

	return start, 0, false
}
