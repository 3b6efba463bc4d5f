package cpra

import (
	"fmt"
	"strings"
)

// Delimiter separates columns. Escaping guarantees that no encoded column
// contains it, so a line can always be split without quoting rules.
const Delimiter = '\t'

var escaper = strings.NewReplacer(`\`, `\\`, "\t", `\t`, "\n", `\n`, "\r", `\r`)

func escapeField(s string) string {
	if !strings.ContainsAny(s, "\\\t\n\r") {
		return s
	}
	return escaper.Replace(s)
}

func unescapeField(s string) (string, error) {
	if strings.IndexByte(s, '\\') < 0 {
		return s, nil
	}

	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			sb.WriteByte(c)
			continue
		}
		i++
		if i == len(s) {
			return "", fmt.Errorf("dangling escape at the end of %q", s)
		}
		switch s[i] {
		case '\\':
			sb.WriteByte('\\')
		case 't':
			sb.WriteByte('\t')
		case 'n':
			sb.WriteByte('\n')
		case 'r':
			sb.WriteByte('\r')
		default:
			return "", fmt.Errorf("unknown escape \\%c in %q", s[i], s)
		}
	}
	return sb.String(), nil
}

// appendLine encodes cols as one delimited line, including the newline.
func appendLine(buf []byte, cols []string) []byte {
	for i, c := range cols {
		if i > 0 {
			buf = append(buf, Delimiter)
		}
		buf = append(buf, escapeField(c)...)
	}
	return append(buf, '\n')
}

// splitLine splits an encoded line (without its newline) into raw,
// still-escaped columns, reusing dst.
func splitLine(line string, dst []string) []string {
	dst = dst[:0]
	for {
		i := strings.IndexByte(line, Delimiter)
		if i < 0 {
			return append(dst, line)
		}
		dst = append(dst, line[:i])
		line = line[i+1:]
	}
}
