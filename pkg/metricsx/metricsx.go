// Package metricsx extends github.com/VictoriaMetrics/metrics with helpers
// for building labeled metric names.
package metricsx

import "strings"

// splitName splits a VictoriaMetrics metric name of the form `base{arg}` into
// its base and label-argument parts. Names without a trailing `{...}` return
// an empty arg.
func splitName(name string) (base, arg string) {
	if n := len(name); n != 0 {
		base = name
		for i, r := range base {
			if r == '{' {
				if j := len(base) - 1; j > i && base[j] == '}' {
					base, arg = base[:i], base[i+1:j]
					break
				}
			}
		}
	}
	return
}

// FormatName builds a VictoriaMetrics metric name `base{arg,k1="v1",...}` from
// a base name, an existing raw label fragment (may be empty), and additional
// key/value pairs.
func FormatName(base, arg string, args ...string) string {
	var b strings.Builder
	b.WriteString(base)
	b.WriteByte('{')
	if arg != "" {
		b.WriteString(arg)
	}
	for i := 1; i < len(args); i += 2 {
		if arg != "" || i > 1 {
			b.WriteByte(',')
		}
		b.WriteString(args[i-1])
		b.WriteString("=\"")
		b.WriteString(args[i])
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String()
}
