package logging

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

type Logger interface {
	Info(msg string, fields map[string]any)
	Error(msg string, fields map[string]any)
}

// StdoutLogger writes one JSON object per line.
type StdoutLogger struct {
	component string
}

func NewStdoutLogger(component string) *StdoutLogger {
	return &StdoutLogger{component: component}
}

func (l *StdoutLogger) log(level, msg string, fields map[string]any) {
	entry := map[string]any{
		"level":     level,
		"component": l.component,
		"msg":       msg,
		"time":      time.Now().UTC().Format(time.RFC3339),
	}
	maps.Copy(entry, fields)

	b, _ := json.Marshal(entry)
	fmt.Println(string(b))
}

func (l *StdoutLogger) Info(msg string, fields map[string]any) {
	l.log("INFO", msg, fields)
}

func (l *StdoutLogger) Error(msg string, fields map[string]any) {
	l.log("ERROR", msg, fields)
}

// Nop discards everything; used in tests.
type Nop struct{}

func (Nop) Info(string, map[string]any)  {}
func (Nop) Error(string, map[string]any) {}
