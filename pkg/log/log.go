package log

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"runtime/debug"
	"sync"
	"time"
)

type LogLevel string

const (
	FatalLevel    = "fatal"
	ErrorLevel    = "error"
	WarningLevel  = "warn"
	DebugLevel    = "debug"
	InfoLevel     = "info"
	TraceLevel    = "trace"
	DisabledLevel = "disabled"
)

var levelmap = map[LogLevel]int{
	TraceLevel:    5,
	DebugLevel:    4,
	InfoLevel:     3,
	WarningLevel:  2,
	ErrorLevel:    1,
	FatalLevel:    0,
	DisabledLevel: -1,
}

var logfFuncMap = map[LogLevel]func(msg string, args ...interface{}){
	TraceLevel:   Tracef,
	DebugLevel:   Debugf,
	InfoLevel:    Infof,
	WarningLevel: Warnf,
	ErrorLevel:   Errorf,
	FatalLevel:   Fatalf,
}

var logFuncMap = map[LogLevel]func(args ...interface{}){
	TraceLevel:   Trace,
	DebugLevel:   Debug,
	InfoLevel:    Info,
	WarningLevel: Warn,
	ErrorLevel:   Error,
	FatalLevel:   Fatal,
}

type logWrapper struct {
	mu    sync.Mutex
	log   *log.Logger
	base  io.Writer
	extra []io.Writer
	Level LogLevel
}

func newLogWrapper(w io.Writer) *logWrapper {
	return &logWrapper{
		log:   log.New(w, "", 0),
		base:  w,
		Level: InfoLevel,
	}
}

func (l *logWrapper) Printf(level LogLevel, format string, args ...any) {
	if !ShouldLog(level, l.level()) {
		return
	}
	l.Println(level, fmt.Sprintf(format, args...))
}

func (l *logWrapper) Println(level LogLevel, args ...any) {
	if !ShouldLog(level, l.level()) {
		return
	}
	ts := time.Now().Local()
	timeStr := fmt.Sprintf("%s.%03d", ts.Format("2006-01-02 15:04:05"), ts.Nanosecond()/1000000)
	levelStr := fmt.Sprintf("- %5s -", level)
	allArgs := []any{timeStr, levelStr}
	allArgs = append(allArgs, args...)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.log.Println(allArgs...)
}

func (l *logWrapper) level() LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Level
}

func (l *logWrapper) setLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Level = level
}

func (l *logWrapper) setExtra(extra []io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.extra = extra
	writers := append([]io.Writer{l.base}, extra...)
	l.log.SetOutput(io.MultiWriter(writers...))
}

var (
	stdoutLog *logWrapper
	stderrLog *logWrapper

	outputsMu sync.Mutex
	outputs   []io.Writer
)

func init() {
	stdoutLog = newLogWrapper(os.Stdout)
	stderrLog = newLogWrapper(os.Stderr)
}

func SetLevel(loglevel LogLevel) error {
	_, ok := levelmap[loglevel]
	if !ok {
		return fmt.Errorf("No such log level %s", loglevel)
	}

	stderrLog.setLevel(loglevel)
	stdoutLog.setLevel(loglevel)
	return nil
}

func GetLevel() LogLevel {
	return stdoutLog.level()
}

// AddOutput duplicates all log records to w, in addition to stdout/stderr.
// The returned function detaches w again.
func AddOutput(w io.Writer) func() {
	outputsMu.Lock()
	outputs = append(outputs, w)
	applyOutputsNoLock()
	outputsMu.Unlock()

	return func() {
		outputsMu.Lock()
		defer outputsMu.Unlock()
		for i, o := range outputs {
			if o == w {
				outputs = append(outputs[:i], outputs[i+1:]...)
				break
			}
		}
		applyOutputsNoLock()
	}
}

func applyOutputsNoLock() {
	extra := append([]io.Writer{}, outputs...)
	stdoutLog.setExtra(extra)
	stderrLog.setExtra(extra)
}

func ValidLogLevel(level LogLevel) bool {
	_, ok := levelmap[level]
	return ok
}

func ShouldLog(logLevel, enabled LogLevel) bool {
	if !ValidLogLevel(logLevel) || !ValidLogLevel(enabled) {
		return false
	}
	return levelmap[logLevel] <= levelmap[enabled]
}

func Log(level LogLevel, msg string, args ...interface{}) {
	if ValidLogLevel(level) {
		if len(args) > 0 {
			logfFuncMap[level](msg, args...)
		} else {
			logFuncMap[level](msg)
		}
	}
}

func Trace(args ...interface{}) {
	stdoutLog.Println(TraceLevel, args...)
}

func Debug(args ...interface{}) {
	stdoutLog.Println(DebugLevel, args...)
}

func Info(args ...interface{}) {
	stdoutLog.Println(InfoLevel, args...)
}

func Warn(args ...interface{}) {
	stderrLog.Println(WarningLevel, args...)
}

func Error(args ...interface{}) {
	stderrLog.Println(ErrorLevel, args...)
}

func Fatal(args ...interface{}) {
	stderrLog.Println(FatalLevel, args...)
	debug.PrintStack()
	os.Exit(1)
}

func Tracef(format string, args ...interface{}) {
	stdoutLog.Printf(TraceLevel, format, args...)
}

func Debugf(format string, args ...interface{}) {
	stdoutLog.Printf(DebugLevel, format, args...)
}

func Infof(format string, args ...interface{}) {
	stdoutLog.Printf(InfoLevel, format, args...)
}

func Warnf(format string, args ...interface{}) {
	stderrLog.Printf(WarningLevel, format, args...)
}

func Errorf(format string, args ...interface{}) {
	stderrLog.Printf(ErrorLevel, format, args...)
}

func Fatalf(format string, args ...interface{}) {
	stderrLog.Printf(FatalLevel, format, args...)
	debug.PrintStack()
	os.Exit(1)
}

type writeFunc func([]byte) (int, error)

func (fn writeFunc) Write(data []byte) (int, error) {
	return fn(data)
}

// NewLogWriter returns a writer that logs each write as one record.
func NewLogWriter(level LogLevel) io.Writer {
	return writeFunc(func(data []byte) (int, error) {
		Log(level, "%s", data)
		return len(data), nil
	})
}

func DebugError(err error) {
	indent := 1

	Debug(err.Error())

	for {
		if err = errors.Unwrap(err); err == nil {
			break
		}

		Debugf("| %d: %s", indent, err.Error())
		indent += 1
	}
}
