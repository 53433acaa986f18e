package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// envReader reads environment variables over defaults. Unset or blank
// variables yield the default; malformed ones yield the default and are
// recorded in errs so that LoadConfig can reject them together.
type envReader struct {
	errs []error
}

func (r *envReader) lookup(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

func (r *envReader) invalid(key, v string) {
	r.errs = append(r.errs, fmt.Errorf("env %s: invalid value %q", key, v))
}

func (r *envReader) String(key, def string) string {
	if v, ok := r.lookup(key); ok {
		return v
	}
	return def
}

func (r *envReader) Bool(key string, def bool) bool {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.invalid(key, v)
		return def
	}
	return b
}

// Int reads a non-negative int.
func (r *envReader) Int(key string, def int) int {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		r.invalid(key, v)
		return def
	}
	return n
}

// Int32 reads a non-negative int32.
func (r *envReader) Int32(key string, def int32) int32 {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil || n < 0 {
		r.invalid(key, v)
		return def
	}
	return int32(n)
}

// Duration reads a positive duration.
func (r *envReader) Duration(key string, def time.Duration) time.Duration {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		r.invalid(key, v)
		return def
	}
	return d
}

// List reads a comma-separated list. Empty items are dropped.
func (r *envReader) List(key string, def []string) []string {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// fileDuration parses a duration taken from the config file.
func (r *envReader) fileDuration(field, raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		r.errs = append(r.errs, fmt.Errorf("config %s: invalid duration %q", field, raw))
		return def
	}
	return d
}
