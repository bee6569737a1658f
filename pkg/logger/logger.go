package logger

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is a thin structured-logging facade over zerolog. Components get a
// child logger via With and never touch a package-level instance.
type Logger struct {
	zl        zerolog.Logger
	collector *LogCollector
	base      []Field
}

type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json or console
	Output     string // stdout, stderr, or file path
	TimeFormat string
}

func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = &Config{Level: "info", Format: "json", Output: "stdout"}
	}
	levelName := cfg.Level
	if levelName == "" {
		levelName = "info"
	}
	level, err := zerolog.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	var output io.Writer
	switch cfg.Output {
	case "", "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		file, err := os.OpenFile(cfg.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		output = file
	}

	timeFormat := cfg.TimeFormat
	if timeFormat == "" {
		timeFormat = time.RFC3339Nano
	}
	zerolog.TimeFieldFormat = timeFormat

	if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: timeFormat}
	}

	zl := zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		CallerWithSkipFrameCount(3).
		Logger()

	return &Logger{zl: zl}, nil
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// With returns a child logger carrying the given fields on every entry.
func (l *Logger) With(fields ...Field) *Logger {
	if l == nil {
		return NewNop()
	}
	ctx := l.zl.With()
	for _, f := range fields {
		ctx = f.addToContext(ctx)
	}
	base := make([]Field, 0, len(l.base)+len(fields))
	base = append(base, l.base...)
	base = append(base, fields...)
	return &Logger{zl: ctx.Logger(), collector: l.collector, base: base}
}

// Component is shorthand for With(String("component", name)).
func (l *Logger) Component(name string) *Logger {
	return l.With(String("component", name))
}

func (l *Logger) Debug(msg string, fields ...Field) { l.emit(l.zl.Debug(), msg, fields) }

func (l *Logger) Info(msg string, fields ...Field) { l.emit(l.zl.Info(), msg, fields) }

func (l *Logger) Warn(msg string, fields ...Field) {
	l.emit(l.zl.Warn(), msg, fields)
	l.collect("warn", msg, fields)
}

func (l *Logger) Error(msg string, fields ...Field) {
	l.emit(l.zl.Error(), msg, fields)
	l.collect("error", msg, fields)
}

func (l *Logger) emit(ev *zerolog.Event, msg string, fields []Field) {
	if ev == nil {
		return
	}
	for _, f := range fields {
		f.addToEvent(ev)
	}
	ev.Msg(msg)
}

func (l *Logger) collect(level, msg string, fields []Field) {
	if l.collector == nil {
		return
	}
	caller := "unknown"
	if _, file, line, ok := runtime.Caller(2); ok {
		if i := strings.Index(file, "CryptoPull/"); i >= 0 {
			file = file[i+len("CryptoPull/"):]
		}
		caller = fmt.Sprintf("%s:%d", file, line)
	}
	values := make(map[string]interface{}, len(fields)+len(l.base))
	for _, f := range l.base {
		values[f.key] = f.value()
	}
	for _, f := range fields {
		values[f.key] = f.value()
	}
	l.collector.AddLog(level, msg, values, caller)
}

// AttachCollector routes warn and error entries into an aggregating collector.
func (l *Logger) AttachCollector(cfg *CollectionConfig) *LogCollector {
	l.DetachCollector()
	l.collector = NewLogCollector(cfg)
	return l.collector
}

func (l *Logger) DetachCollector() {
	if l.collector != nil {
		l.collector.Close()
		l.collector = nil
	}
}

type fieldKind uint8

const (
	kindString fieldKind = iota
	kindInt64
	kindFloat
	kindBool
	kindDuration
	kindTime
	kindError
	kindAny
)

// Field is a typed key/value attached to a log entry.
type Field struct {
	key  string
	kind fieldKind
	s    string
	i    int64
	f    float64
	t    time.Time
	err  error
	any  interface{}
}

func (f Field) addToEvent(ev *zerolog.Event) {
	switch f.kind {
	case kindString:
		ev.Str(f.key, f.s)
	case kindInt64:
		ev.Int64(f.key, f.i)
	case kindFloat:
		ev.Float64(f.key, f.f)
	case kindBool:
		ev.Bool(f.key, f.i == 1)
	case kindDuration:
		ev.Dur(f.key, time.Duration(f.i))
	case kindTime:
		ev.Time(f.key, f.t)
	case kindError:
		ev.AnErr(f.key, f.err)
	default:
		ev.Interface(f.key, f.any)
	}
}

func (f Field) addToContext(c zerolog.Context) zerolog.Context {
	switch f.kind {
	case kindString:
		return c.Str(f.key, f.s)
	case kindInt64:
		return c.Int64(f.key, f.i)
	case kindFloat:
		return c.Float64(f.key, f.f)
	case kindBool:
		return c.Bool(f.key, f.i == 1)
	case kindDuration:
		return c.Dur(f.key, time.Duration(f.i))
	case kindTime:
		return c.Time(f.key, f.t)
	case kindError:
		return c.AnErr(f.key, f.err)
	default:
		return c.Interface(f.key, f.any)
	}
}

func (f Field) value() interface{} {
	switch f.kind {
	case kindString:
		return f.s
	case kindInt64:
		return f.i
	case kindFloat:
		return f.f
	case kindBool:
		return f.i == 1
	case kindDuration:
		return time.Duration(f.i).String()
	case kindTime:
		return f.t
	case kindError:
		if f.err == nil {
			return nil
		}
		return f.err.Error()
	default:
		return f.any
	}
}

func String(key, value string) Field { return Field{key: key, kind: kindString, s: value} }

func Strings(key string, value []string) Field {
	return String(key, strings.Join(value, ","))
}

func Int(key string, value int) Field { return Int64(key, int64(value)) }

func Int64(key string, value int64) Field { return Field{key: key, kind: kindInt64, i: value} }

func Uint64(key string, value uint64) Field { return Int64(key, int64(value)) }

func Float64(key string, value float64) Field { return Field{key: key, kind: kindFloat, f: value} }

func Bool(key string, value bool) Field {
	var i int64
	if value {
		i = 1
	}
	return Field{key: key, kind: kindBool, i: i}
}

func Duration(key string, value time.Duration) Field {
	return Field{key: key, kind: kindDuration, i: int64(value)}
}

func Time(key string, value time.Time) Field { return Field{key: key, kind: kindTime, t: value} }

func Error(err error) Field { return Field{key: "error", kind: kindError, err: err} }

func Any(key string, value interface{}) Field { return Field{key: key, kind: kindAny, any: value} }

// Secret logs only a fixed mask plus the value length, never the value.
func Secret(key, value string) Field {
	if value == "" {
		return String(key, "")
	}
	return String(key, fmt.Sprintf("***(%d)", len(value)))
}
