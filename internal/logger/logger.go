package logger

// Logger is the process-wide structured logging interface. Components hold a
// Logger with their component field pre-set rather than reaching for a global.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Fatal(msg string, fields ...Field)
	With(fields ...Field) Logger
	Sync() error
}

// Field represents a structured log field
type Field struct {
	Key   string
	Value interface{}
}
