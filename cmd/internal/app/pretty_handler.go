package app

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ANSI SGR codes.
const (
	sgrReset   = "\x1b[0m"
	sgrBold    = "\x1b[1m"
	sgrDim     = "\x1b[2m"
	sgrRed     = "\x1b[31m"
	sgrGreen   = "\x1b[32m"
	sgrYellow  = "\x1b[33m"
	sgrBlue    = "\x1b[34m"
	sgrMagenta = "\x1b[35m"
	sgrCyan    = "\x1b[36m"
)

// outcomeColors covers the outcome words the cache logs: page sources, send
// and fetch results, HTTP result classes.
var outcomeColors = map[string]string{
	"local":        sgrGreen,
	"confirmed":    sgrGreen,
	"success":      sgrGreen,
	"ok":           sgrGreen,
	"network":      sgrBlue,
	"redirect":     sgrBlue,
	"stale":        sgrYellow,
	"deferred":     sgrYellow,
	"timeout":      sgrYellow,
	"unavailable":  sgrYellow,
	"client_error": sgrYellow,
	"failed":       sgrRed,
	"rejected":     sgrRed,
	"server_error": sgrRed,
}

// prettyHandler writes one line per record for a terminal:
//
//	ts=12:00:01.250 lvl=[INFO] msg=history.load_older.network conv=acct/7 result=network
//
// Attributes added through WithAttrs are rendered once and reused.
type prettyHandler struct {
	w      io.Writer
	mu     *sync.Mutex
	level  slog.Leveler
	source bool
	color  bool

	prefix string // open groups, dot-terminated
	pre    []byte
}

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions, color bool) slog.Handler {
	h := &prettyHandler{w: w, mu: &sync.Mutex{}, level: slog.LevelInfo, color: color}
	if opts != nil {
		if opts.Level != nil {
			h.level = opts.Level
		}
		h.source = opts.AddSource
	}
	return h
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	var b bytes.Buffer

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	b.WriteString("ts=" + h.paint(sgrDim, ts.Format("15:04:05.000")))
	b.WriteString(" lvl=" + h.levelTag(r.Level))
	b.WriteString(" msg=" + h.paint(sgrBold, r.Message))

	if h.source && r.PC != 0 {
		frame, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
		if frame.File != "" {
			b.WriteString(" src=" + h.paint(sgrDim, fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line)))
		}
	}

	b.Write(h.pre)
	r.Attrs(func(a slog.Attr) bool {
		h.writeAttr(&b, h.prefix, a)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(b.Bytes())
	return err
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	cp := *h
	buf := bytes.NewBuffer(append([]byte(nil), h.pre...))
	for _, a := range attrs {
		cp.writeAttr(buf, h.prefix, a)
	}
	cp.pre = buf.Bytes()
	return &cp
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	name = strings.TrimSpace(name)
	if name == "" {
		return h
	}
	cp := *h
	cp.prefix = h.prefix + name + "."
	return &cp
}

func (h *prettyHandler) writeAttr(b *bytes.Buffer, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	key := strings.TrimSpace(a.Key)
	if key == "" || a.Equal(slog.Attr{}) {
		return
	}

	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			h.writeAttr(b, prefix+key+".", ga)
		}
		return
	}

	full := prefix + key
	switch full {
	case "conversation":
		full = "conv"
	case "duration_ms":
		full = "duration"
	}
	b.WriteString(" " + full + "=" + h.value(key, a.Value))
}

// value styles v by the attribute's own key, whatever group it sits in.
func (h *prettyHandler) value(key string, v slog.Value) string {
	text := valueText(v)
	switch key {
	case "method":
		return h.paint(sgrBold, strings.ToUpper(text))
	case "path", "conversation":
		return h.paint(sgrCyan, quoteIfNeeded(text))
	case "status":
		return h.paint(statusColor(v), text)
	case "duration_ms":
		return h.paint(sgrDim, text+"ms")
	case "result", "source", "kind":
		return paintOutcome(strings.ToLower(text), h.color)
	case "err":
		return h.paint(sgrRed, quoteIfNeeded(text))
	}
	return quoteIfNeeded(text)
}

func (h *prettyHandler) levelTag(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return h.paint(sgrRed, "[ERROR]")
	case level >= slog.LevelWarn:
		return h.paint(sgrYellow, "[WARN]")
	case level >= slog.LevelInfo:
		return h.paint(sgrBlue, "[INFO]")
	default:
		return h.paint(sgrMagenta, "[DEBUG]")
	}
}

func (h *prettyHandler) paint(code, s string) string {
	if !h.color || code == "" {
		return s
	}
	return code + s + sgrReset
}

func paintOutcome(s string, color bool) string {
	code, ok := outcomeColors[s]
	if !ok || !color {
		return quoteIfNeeded(s)
	}
	return code + s + sgrReset
}

func statusColor(v slog.Value) string {
	if v.Kind() != slog.KindInt64 {
		return ""
	}
	switch code := v.Int64(); {
	case code >= 500:
		return sgrRed
	case code >= 400:
		return sgrYellow
	case code >= 300:
		return sgrCyan
	default:
		return sgrGreen
	}
}

func valueText(v slog.Value) string {
	if v.Kind() == slog.KindTime {
		return v.Time().Format(time.RFC3339)
	}
	return v.String()
}

func quoteIfNeeded(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, " \t\r\n\"=") {
		return strconv.Quote(s)
	}
	return s
}
