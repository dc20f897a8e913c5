/*************************************************************************
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license.
 **************************************************************************/

// Package elog provides the structured logger used across the origin
// supervisor, destination driver, and freeze controller. Log lines are
// encoded as RFC5424 structured syslog records so that key/value fields
// (pids, signals, buffer ids) stay machine-parseable.
package elog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/crewjam/rfc5424"
)

type Level int

const (
	OFF Level = iota
	DEBUG
	INFO
	WARN
	ERROR
	CRITICAL
	FATAL
)

const defaultDepth = 3

var (
	ErrNotOpen      = errors.New("logger is not open")
	ErrInvalidLevel = errors.New("invalid log level")
)

func (l Level) Valid() bool {
	return l >= OFF && l <= FATAL
}

func (l Level) String() string {
	switch l {
	case OFF:
		return "OFF"
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case CRITICAL:
		return "CRITICAL"
	case FATAL:
		return "FATAL"
	}
	return "UNKNOWN"
}

func LevelFromString(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "OFF":
		return OFF, nil
	case "DEBUG":
		return DEBUG, nil
	case "INFO":
		return INFO, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	case "CRITICAL":
		return CRITICAL, nil
	case "FATAL":
		return FATAL, nil
	}
	return OFF, ErrInvalidLevel
}

// KV builds a structured field for a log call, e.g. lg.Info("escape
// triggered", elog.KV("signal", sig)).
func KV(name string, value interface{}) (r rfc5424.SDParam) {
	r.Name = name
	switch v := value.(type) {
	case string:
		r.Value = v
	default:
		r.Value = fmt.Sprintf("%v", v)
	}
	return
}

// KVErr is shorthand for KV("error", err); a nil err still emits the field
// so the absence of an error is visible in the log line too.
func KVErr(err error) rfc5424.SDParam {
	if err == nil {
		return KV("error", "")
	}
	return KV("error", err.Error())
}

type Logger struct {
	hostname string
	appname  string
	wtrs     []io.WriteCloser
	mtx      sync.Mutex
	lvl      Level
	hot      bool
}

// New creates a logger writing to wtr at level INFO.
func New(wtr io.WriteCloser) *Logger {
	l := &Logger{
		wtrs: []io.WriteCloser{wtr},
		lvl:  INFO,
		hot:  true,
	}
	l.guessIdentity()
	return l
}

// NewFile opens (creating if absent) a log file in append mode.
func NewFile(path string) (*Logger, error) {
	fout, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		return nil, err
	}
	return New(fout), nil
}

// NewDiscardLogger returns a logger that throws every line away; callers
// that never configure a log sink still get a non-nil, safe-to-call logger.
func NewDiscardLogger() *Logger {
	return New(discardCloser{})
}

type discardCloser struct{}

func (discardCloser) Write(b []byte) (int, error) { return len(b), nil }
func (discardCloser) Close() error                { return nil }

func (l *Logger) guessIdentity() {
	if h, err := os.Hostname(); err == nil {
		l.hostname = h
	}
	if len(os.Args) > 0 {
		l.appname = os.Args[0]
	}
}

func (l *Logger) Close() error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if !l.hot {
		return ErrNotOpen
	}
	l.hot = false
	var err error
	for _, w := range l.wtrs {
		if lerr := w.Close(); lerr != nil {
			err = lerr
		}
	}
	return err
}

func (l *Logger) SetLevel(lvl Level) error {
	if !lvl.Valid() {
		return ErrInvalidLevel
	}
	l.mtx.Lock()
	l.lvl = lvl
	l.mtx.Unlock()
	return nil
}

func (l *Logger) SetLevelString(s string) error {
	lvl, err := LevelFromString(s)
	if err != nil {
		return err
	}
	return l.SetLevel(lvl)
}

func (l *Logger) Debug(msg string, sds ...rfc5424.SDParam) error {
	return l.output(defaultDepth, DEBUG, msg, sds...)
}

func (l *Logger) Info(msg string, sds ...rfc5424.SDParam) error {
	return l.output(defaultDepth, INFO, msg, sds...)
}

func (l *Logger) Warn(msg string, sds ...rfc5424.SDParam) error {
	return l.output(defaultDepth, WARN, msg, sds...)
}

func (l *Logger) Error(msg string, sds ...rfc5424.SDParam) error {
	return l.output(defaultDepth, ERROR, msg, sds...)
}

func (l *Logger) Critical(msg string, sds ...rfc5424.SDParam) error {
	return l.output(defaultDepth, CRITICAL, msg, sds...)
}

// Fatal logs at FATAL and then exits the process with the given code.
func (l *Logger) Fatal(code int, msg string, sds ...rfc5424.SDParam) {
	l.output(defaultDepth, FATAL, msg, sds...)
	os.Exit(code)
}

func (l *Logger) output(depth int, lvl Level, msg string, sds ...rfc5424.SDParam) error {
	l.mtx.Lock()
	gate := l.lvl
	l.mtx.Unlock()
	if gate == OFF || lvl < gate {
		return nil
	}
	ts := time.Now()
	line := rfc5424.Message{
		Priority:  rfc5424.Daemon | rfc5424.Info,
		Timestamp: ts,
		Hostname:  l.hostname,
		AppName:   l.appname,
		ProcessID: fmt.Sprintf("%d", os.Getpid()),
		MessageID: lvl.String(),
		StructuredData: []rfc5424.StructuredData{{
			ID:         "kv@0",
			Parameters: append([]rfc5424.SDParam{{Name: "msg", Value: msg}}, sds...),
		}},
	}
	enc, err := line.MarshalBinary()
	if err != nil {
		return err
	}
	return l.writeLine(enc)
}

func (l *Logger) writeLine(enc []byte) error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if !l.hot {
		return ErrNotOpen
	}
	var err error
	for _, w := range l.wtrs {
		if _, lerr := w.Write(enc); lerr != nil {
			err = lerr
		} else if _, lerr := w.Write([]byte("\n")); lerr != nil {
			err = lerr
		}
	}
	return err
}
