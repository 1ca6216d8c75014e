package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"
)

// ZerologAdapter writes Logger calls to a zerolog.Logger.
type ZerologAdapter struct {
	zl zerolog.Logger
}

// New builds an adapter writing to w at level. Output is human readable
// when w is a terminal and JSON otherwise. An empty or unknown level
// means info.
func New(w io.Writer, level string) *ZerologAdapter {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	out := w
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return Wrap(zerolog.New(out).Level(lvl).With().Timestamp().Logger())
}

// Wrap adapts an existing zerolog.Logger.
func Wrap(zl zerolog.Logger) *ZerologAdapter {
	return &ZerologAdapter{zl: zl}
}

// With returns an adapter whose lines all carry fields.
func (z *ZerologAdapter) With(fields ...Field) *ZerologAdapter {
	if len(fields) == 0 {
		return z
	}
	return Wrap(z.zl.With().Fields(pairs(fields)).Logger())
}

func (z *ZerologAdapter) Debug(msg string, fields ...Field) { write(z.zl.Debug(), msg, fields) }
func (z *ZerologAdapter) Info(msg string, fields ...Field)  { write(z.zl.Info(), msg, fields) }
func (z *ZerologAdapter) Warn(msg string, fields ...Field)  { write(z.zl.Warn(), msg, fields) }
func (z *ZerologAdapter) Error(msg string, fields ...Field) { write(z.zl.Error(), msg, fields) }

// Logger returns the underlying zerolog.Logger.
func (z *ZerologAdapter) Logger() zerolog.Logger {
	return z.zl
}

// write is a no-op for a level the logger filters out, which zerolog
// signals with a nil event.
func write(e *zerolog.Event, msg string, fields []Field) {
	if e == nil {
		return
	}
	if len(fields) > 0 {
		e = e.Fields(pairs(fields))
	}
	e.Msg(msg)
}

// pairs flattens fields into zerolog's ordered key/value list. Errors
// and durations keep their zerolog encoding.
func pairs(fields []Field) []any {
	kv := make([]any, 0, 2*len(fields))
	for _, f := range fields {
		kv = append(kv, f.Key, f.Value)
	}
	return kv
}
