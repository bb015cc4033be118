package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
)

// Logger writes leveled lines with trailing key=value pairs.
type Logger struct {
	prefix string
	fields string
	logger *log.Logger
}

// NewLogger creates a logger writing to stdout with a [prefix] tag.
func NewLogger(prefix string) *Logger {
	return New(os.Stdout, prefix)
}

func New(w io.Writer, prefix string) *Logger {
	return &Logger{
		prefix: prefix,
		logger: log.New(w, fmt.Sprintf("[%s] ", prefix), log.LstdFlags),
	}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return New(io.Discard, "")
}

// With returns a child logger that appends the given pairs to every line.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{
		prefix: l.prefix,
		fields: l.fields + formatKV(keysAndValues),
		logger: l.logger,
	}
}

func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.logWithKV("INFO", msg, keysAndValues...)
}

func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.logWithKV("WARN", msg, keysAndValues...)
}

func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.logWithKV("ERROR", msg, keysAndValues...)
}

func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.logWithKV("DEBUG", msg, keysAndValues...)
}

func (l *Logger) logWithKV(level, msg string, keysAndValues ...interface{}) {
	l.logger.Printf("[%s] %s%s%s", level, msg, l.fields, formatKV(keysAndValues))
}

func formatKV(keysAndValues []interface{}) string {
	var b strings.Builder
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		v := fmt.Sprint(keysAndValues[i+1])
		if strings.ContainsAny(v, " \n\t\"") {
			v = fmt.Sprintf("%q", v)
		}
		fmt.Fprintf(&b, " %v=%s", keysAndValues[i], v)
	}
	return b.String()
}
