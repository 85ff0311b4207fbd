package invoke

import "strings"

// Quote wraps a value in single quotes so the remote shell treats it as one
// literal word. Embedded single quotes survive via the '"'"' splice.
func Quote(value string) string {
	if value == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(value, "'", `'"'"'`) + "'"
}

// Script chains steps with && so a failed step aborts the remainder and its
// exit status reaches the channel.
func Script(steps ...string) string {
	parts := make([]string, 0, len(steps))
	for _, step := range steps {
		step = strings.TrimSpace(step)
		if step == "" {
			continue
		}
		parts = append(parts, step)
	}
	return strings.Join(parts, " && ")
}

// Line builds one remote command from a program and already-trusted flag
// words plus quoted operands. Untrusted text only ever enters through Quote.
func Line(program string, operands ...string) string {
	var b strings.Builder
	b.WriteString(program)
	for _, op := range operands {
		b.WriteByte(' ')
		b.WriteString(Quote(op))
	}
	return b.String()
}
