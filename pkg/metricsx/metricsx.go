// Package metricsx extends github.com/VictoriaMetrics/metrics with helpers
// for building the label-suffixed metric names that package expects
// (e.g. `ember_packets_total{type="PAYLOAD"}`).
package metricsx

import "strings"

// Name builds a VictoriaMetrics-style metric name with labels, e.g.
// Name("ember_packets_dropped_total", "reason", "replay") returns
// `ember_packets_dropped_total{reason="replay"}`. labels must come in
// (key, value) pairs.
func Name(base string, labels ...string) string {
	b, arg := splitName(base)
	return formatName(b, arg, labels...)
}

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

func formatName(base, arg string, args ...string) string {
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
