package cli

import (
	"encoding/json"
	"fmt"
	"io"
)

// Форматы вывода.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// printer печатает результат команды в выбранном формате.
type printer struct {
	format string
	out    io.Writer
}

// result выводит data как JSON или через text для текстового формата.
func (p printer) result(data any, text func(w io.Writer)) error {
	if p.format == FormatJSON {
		enc := json.NewEncoder(p.out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(data); err != nil {
			return WrapExitError(ExitCommandError, "encode output", err)
		}
		return nil
	}
	text(p.out)
	return nil
}

func (p printer) linef(format string, args ...any) {
	if p.format == FormatJSON {
		return
	}
	_, _ = fmt.Fprintf(p.out, format+"\n", args...)
}
