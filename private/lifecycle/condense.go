package lifecycle

import "bytes"

// condenseStack reduces a full, multi-goroutine runtime.Stack dump to
// one line per goroutine (its header plus the innermost frame),
// keeping shutdown-timeout diagnostics readable.
func condenseStack(buf []byte) []byte {
	var out bytes.Buffer
	goroutines := bytes.Split(buf, []byte("\n\n"))
	for _, g := range goroutines {
		lines := bytes.SplitN(g, []byte("\n"), 3)
		if len(lines) == 0 {
			continue
		}
		out.Write(lines[0])
		out.WriteByte('\n')
		if len(lines) > 1 {
			out.Write(bytes.TrimSpace(lines[1]))
			out.WriteByte('\n')
		}
	}
	return out.Bytes()
}
