// Package logline parses syslog-framed drain lines into records.
//
// Only the leading header is scanned: everything up to the first '>' is
// skipped, then everything up to the first following space (the version
// field), then five space-terminated terms. The rest of the line is the
// message, returned verbatim.
//
//	302 <158>1 2019-11-25T18:28:00.089034+00:00 host heroku router - at=info method=GET
//	            \_ timestamp                    \_ host \_ app \_ proc \_ msgid (absent)
package logline

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrInvalidEncoding is returned when a header term runs into non-ASCII bytes.
var ErrInvalidEncoding = errors.New("invalid encoding in header term")

// Record is the structured decomposition of one drain line.
type Record struct {
	Timestamp string
	Hostname  string
	AppName   string
	ProcID    string
	MsgID     string
	HasMsgID  bool
	Message   string
}

var termNames = [5]string{"timestamp", "hostname", "app_name", "proc_id", "msg_id"}

// Parse scans one line. It returns ok=false when the line is too short or a
// required term (timestamp, hostname, app name, proc id) is absent; callers
// skip such lines. A non-nil error means a term held bytes outside ASCII,
// which cannot be split into terms without breaking the encoding.
func Parse(line []byte) (rec Record, ok bool, err error) {
	rest, found := skipPast(line, '>')
	if !found {
		return Record{}, false, nil
	}
	rest, found = skipPast(rest, ' ')
	if !found {
		return Record{}, false, nil
	}

	var terms [5]string
	var present [5]bool
	for i := range terms {
		var term []byte
		var split bool
		term, present[i], rest, found, split = scanTerm(rest)
		if !found {
			return Record{}, false, nil
		}
		if split {
			return Record{}, false, fmt.Errorf("%s %q: %w", termNames[i], term, ErrInvalidEncoding)
		}
		if present[i] {
			terms[i] = string(term)
		}
	}

	for i := range 4 {
		if !present[i] {
			return Record{}, false, nil
		}
	}

	return Record{
		Timestamp: terms[0],
		Hostname:  terms[1],
		AppName:   terms[2],
		ProcID:    terms[3],
		MsgID:     terms[4],
		HasMsgID:  present[4],
		Message:   string(rest),
	}, true, nil
}

// ParseString is Parse for string input.
func ParseString(line string) (Record, bool, error) {
	return Parse([]byte(line))
}

// skipPast returns the input following the first occurrence of c.
func skipPast(b []byte, c byte) ([]byte, bool) {
	for i := range b {
		if b[i] == c {
			return b[i+1:], true
		}
	}
	return nil, false
}

// scanTerm reads one header term. A lone '-' followed by a space or end of
// input is an absent term. Otherwise the term is the run of printable ASCII
// (33..126) up to the first other byte, which is consumed. A term ended by a
// non-ASCII byte would split a multi-byte sequence, so it is returned whole
// with split=true. Input ending before a terminator reports found=false.
func scanTerm(b []byte) (term []byte, present bool, rest []byte, found, split bool) {
	if len(b) > 0 && b[0] == '-' {
		if len(b) == 1 {
			return nil, false, nil, true, false
		}
		if b[1] == ' ' {
			return nil, false, b[2:], true, false
		}
	}
	for i, c := range b {
		if c >= utf8.RuneSelf {
			end := i
			for end < len(b) && b[end] != ' ' {
				end++
			}
			return b[:end], true, b[end:], true, true
		}
		if c < 33 || c > 126 {
			return b[:i], true, b[i+1:], true, false
		}
	}
	return nil, false, nil, false, false
}
