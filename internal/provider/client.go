package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultHTTPTimeout = 60 * time.Second
	maxResponseBody    = 10 * 1024 * 1024 // 10 MB
)

// client — общий JSON-клиент адаптеров.
type client struct {
	name string
	http *http.Client
}

func newClient(name string, timeout time.Duration) client {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return client{
		name: name,
		http: &http.Client{Timeout: timeout},
	}
}

// request описывает один вызов API.
type request struct {
	method  string
	url     string
	headers map[string]string
	body    any

	// prepare вызывается перед отправкой (подпись запроса).
	prepare func(req *http.Request, body []byte) error
}

// do выполняет запрос и декодирует JSON-ответ в out.
//
// Сетевые ошибки, 429 и 5xx — временные; прочие ответы >= 400 — постоянные.
func (c client) do(ctx context.Context, r request, out any) error {
	var payload []byte
	if r.body != nil {
		var err error
		if payload, err = json.Marshal(r.body); err != nil {
			return fmt.Errorf("marshal %s request: %w", c.name, err)
		}
	}

	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, r.url, bodyReader)
	if err != nil {
		return fmt.Errorf("create %s request: %w", c.name, err)
	}
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	if payload != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.prepare != nil {
		if err := r.prepare(req, payload); err != nil {
			return fmt.Errorf("sign %s request: %w", c.name, err)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &Error{Provider: c.name, Message: err.Error(), Transient: true}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return &Error{Provider: c.name, Message: "read response: " + err.Error(), Transient: true}
	}

	if resp.StatusCode >= 400 {
		return &Error{
			Provider:   c.name,
			Message:    truncate(string(body), 200),
			StatusCode: resp.StatusCode,
			Transient:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &Error{Provider: c.name, Message: "decode response: " + err.Error()}
	}
	return nil
}

// truncate обрезает строку до maxLen символов.
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
