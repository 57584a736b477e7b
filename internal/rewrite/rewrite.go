// Package rewrite turns a raw item into delivery text through an external
// text-generation service.
package rewrite

import (
	"context"
	"errors"
)

// Rewriter produces the delivery text for one item.
type Rewriter interface {
	Rewrite(ctx context.Context, item string) (string, error)
}

// ErrEmptyOutput is returned when the service answered with no text.
var ErrEmptyOutput = errors.New("rewriter returned empty text")

// permanentError marks failures that retrying cannot fix.
type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the retry layer gives up immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// DefaultStyle is the instruction sent with every item unless configured
// otherwise.
const DefaultStyle = `Ты пишешь текст в формате ЧГК-досье.

Требования к стилю:
- энциклопедический
- без разговорных слов
- без морали
- плотный, интеллектуальный текст

Структура:
1. Краткое определение
2. Историко-культурный контекст
3. Неочевидные детали и перекрёстные отсылки
4. Почему этот факт хорош для ЧГК`

// Passthrough returns the item unchanged. Useful for dry runs without an
// API key.
type Passthrough struct{}

func (Passthrough) Rewrite(_ context.Context, item string) (string, error) {
	if item == "" {
		return "", ErrEmptyOutput
	}
	return item, nil
}
