// Package tokenizer extracts key=value pairs from free-text log messages.
package tokenizer

// KVPairs maps keys to values. A key occurring more than once keeps its last value.
type KVPairs map[string]string

// ParseKV extracts key=value pairs from msg.
//
// Grammar, applied left to right:
//   - A key is the bytes before '='. A token hitting a space before any '='
//     is not a pair and is skipped.
//   - A value starting with '"' runs verbatim to the next '"' (no escapes).
//     Any other value runs to the next space or end of input.
//
// Input ending inside a key or a quoted value is discarded. Empty keys are
// dropped. ParseKV never fails.
func ParseKV(msg string) KVPairs {
	pairs := make(KVPairs)
	i := 0
	for i < len(msg) {
		key, next, ok := scanKey(msg, i)
		i = next
		if !ok {
			continue
		}
		value, next, ok := scanValue(msg, i)
		i = next
		if !ok {
			break
		}
		if key != "" {
			pairs[key] = value
		}
	}
	return pairs
}

// scanKey reads from i up to '='. It reports ok=false, positioned past the
// space, when a space comes first, and ok=false at end of input when
// neither is found.
func scanKey(msg string, i int) (key string, next int, ok bool) {
	for j := i; j < len(msg); j++ {
		switch msg[j] {
		case '=':
			return msg[i:j], j + 1, true
		case ' ':
			return "", j + 1, false
		}
	}
	return "", len(msg), false
}

// scanValue reads a quoted or bare value starting at i and returns the
// position after its terminator.
func scanValue(msg string, i int) (value string, next int, ok bool) {
	if i < len(msg) && msg[i] == '"' {
		for j := i + 1; j < len(msg); j++ {
			if msg[j] == '"' {
				return msg[i+1 : j], j + 1, true
			}
		}
		return "", len(msg), false
	}
	for j := i; j < len(msg); j++ {
		if msg[j] == ' ' {
			return msg[i:j], j + 1, true
		}
	}
	return msg[i:], len(msg), true
}
