package core

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
)

// Level orders log severities. Records below the logger's threshold are dropped
// before the handler runs.
type Level int

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "TRACE"
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
}

// ParseLevel accepts the usual names case-insensitively. Unknown names map to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

var (
	loggerMu       sync.RWMutex
	loggerInstance = NewDevelopmentLogger()
)

// SetLogger sets the global logger instance
func SetLogger(logger *Logger) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	loggerInstance = logger
}

// GetLogger retrieves the global logger instance
func GetLogger() *Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return loggerInstance
}

// HandlerFunc receives every record that passes the level threshold.
type HandlerFunc func(level string, msg string, attrs map[string]interface{})

type Logger struct {
	handlerFunc HandlerFunc
	attrs       map[string]interface{}
	minLevel    Level
}

func NewLogger(handler HandlerFunc) *Logger {
	return &Logger{
		handlerFunc: handler,
		attrs:       make(map[string]interface{}),
		minLevel:    LevelTrace,
	}
}

// NewDevelopmentLogger writes human readable lines to stdout.
func NewDevelopmentLogger() *Logger {
	return NewLogger(func(level string, msg string, attrs map[string]interface{}) {
		fmt.Print(formatConsoleLine(time.Now(), level, msg, attrs))
	})
}

// NewJSONLogger writes one JSON object per record to w.
func NewJSONLogger(w io.Writer) *Logger {
	var mu sync.Mutex
	return NewLogger(func(level string, msg string, attrs map[string]interface{}) {
		record := make(map[string]interface{}, len(attrs)+3)
		for k, v := range attrs {
			record[k] = logValue(v)
		}
		record["time"] = time.Now().UTC().Format(time.RFC3339Nano)
		record["level"] = level
		record["msg"] = msg
		line, err := sonic.Marshal(record)
		if err != nil {
			line = []byte(fmt.Sprintf(`{"level":%q,"msg":%q,"marshal_error":%q}`, level, msg, err.Error()))
		}
		mu.Lock()
		defer mu.Unlock()
		_, _ = w.Write(append(line, '\n'))
	})
}

// NopLogger discards everything. Tests use it when output is noise.
func NopLogger() *Logger {
	return NewLogger(nil)
}

func formatConsoleLine(ts time.Time, level, msg string, attrs map[string]interface{}) string {
	var b strings.Builder
	b.WriteString(ts.Format(time.RFC3339))
	b.WriteString(" [")
	b.WriteString(level)
	b.WriteString("] ")
	b.WriteString(msg)
	if len(attrs) > 0 {
		keys := make([]string, 0, len(attrs))
		for k := range attrs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" |")
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, attrs[k])
		}
	}
	b.WriteByte('\n')
	return b.String()
}

// logValue keeps errors readable once they go through a JSON encoder.
func logValue(v interface{}) interface{} {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	if s, ok := v.(fmt.Stringer); ok {
		return s.String()
	}
	return v
}

// PlainAttrs copies attrs with errors and Stringers flattened to strings.
func PlainAttrs(attrs map[string]interface{}) map[string]interface{} {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(attrs))
	for k, v := range attrs {
		out[k] = logValue(v)
	}
	return out
}

// SetLevel returns a copy of the logger that drops records below min.
func (l *Logger) SetLevel(min Level) *Logger {
	return &Logger{handlerFunc: l.handlerFunc, attrs: l.attrs, minLevel: min}
}

func (l *Logger) log(level Level, msg string, args ...interface{}) {
	if l == nil || l.handlerFunc == nil || level < l.minLevel {
		return
	}
	if len(args) > 0 {
		// slog-style key/value pairs: even count, string keys.
		if isKeyValuePairs(args) {
			attrs := make(map[string]interface{}, len(l.attrs)+len(args)/2)
			for k, v := range l.attrs {
				attrs[k] = v
			}
			for i := 0; i < len(args)-1; i += 2 {
				key, _ := args[i].(string)
				attrs[key] = args[i+1]
			}
			l.handlerFunc(level.String(), msg, attrs)
			return
		}
		msg = fmt.Sprintf(msg, args...)
	}
	l.handlerFunc(level.String(), msg, l.attrs)
}

func isKeyValuePairs(args []interface{}) bool {
	if len(args)%2 != 0 {
		return false
	}
	for i := 0; i < len(args); i += 2 {
		if _, ok := args[i].(string); !ok {
			return false
		}
	}
	return true
}

func (l *Logger) Trace(msg string, args ...interface{}) { l.log(LevelTrace, msg, args...) }

func (l *Logger) Debug(msg string, args ...interface{}) { l.log(LevelDebug, msg, args...) }

func (l *Logger) Debugf(format string, args ...interface{}) { l.log(LevelDebug, format, args...) }

func (l *Logger) Info(msg string, args ...interface{}) { l.log(LevelInfo, msg, args...) }

func (l *Logger) Infof(format string, args ...interface{}) { l.log(LevelInfo, format, args...) }

func (l *Logger) Warn(msg string, args ...interface{}) { l.log(LevelWarn, msg, args...) }

func (l *Logger) Warnf(format string, args ...interface{}) { l.log(LevelWarn, format, args...) }

func (l *Logger) Error(msg string, args ...interface{}) { l.log(LevelError, msg, args...) }

func (l *Logger) Errorf(format string, args ...interface{}) { l.log(LevelError, format, args...) }

// Fatal logs at error level and exits the process.
func (l *Logger) Fatal(msg string, args ...interface{}) {
	l.log(LevelError, msg, args...)
	os.Exit(1)
}

func (l *Logger) With(attrs map[string]interface{}) *Logger {
	if l == nil {
		return NopLogger()
	}
	combinedAttrs := make(map[string]interface{}, len(l.attrs)+len(attrs))
	for k, v := range l.attrs {
		combinedAttrs[k] = v
	}
	for k, v := range attrs {
		combinedAttrs[k] = v
	}
	return &Logger{
		handlerFunc: l.handlerFunc,
		attrs:       combinedAttrs,
		minLevel:    l.minLevel,
	}
}

// Tee returns a logger that also hands every record to extra.
func (l *Logger) Tee(extra HandlerFunc) *Logger {
	if extra == nil {
		return l
	}
	base := l.handlerFunc
	return &Logger{
		handlerFunc: func(level string, msg string, attrs map[string]interface{}) {
			if base != nil {
				base(level, msg, attrs)
			}
			extra(level, msg, attrs)
		},
		attrs:    l.attrs,
		minLevel: l.minLevel,
	}
}

// Sync is a no-op for fmt-based logger
func (l *Logger) Sync() error {
	return nil
}
