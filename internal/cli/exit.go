package cli

import (
	"errors"
	"fmt"
)

// Коды завершения checkoutctl.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // проверка не прошла: недетерминированный replay, ошибки sweep
	ExitCommandError = 2 // неверные аргументы, недоступное хранилище
)

// ExitError: ошибка команды с кодом завершения процесса.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError создаёт ExitError без вложенной ошибки.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError оборачивает err с кодом завершения.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// ExitCode извлекает код завершения. Для прочих ошибок возвращает ExitFailure.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}
