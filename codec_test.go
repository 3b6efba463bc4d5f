package cpra

import (
	"strings"
	"testing"
)

func TestEscapeRoundTrip(t *testing.T) {
	for _, s := range []string{
		"",
		"plain",
		"tab\there",
		"line\nbreak",
		`back\slash`,
		"\r\n\t\\",
		`\t is not a tab`,
	} {
		enc := escapeField(s)
		if strings.ContainsAny(enc, "\t\n\r") {
			t.Errorf("%q encodes to %q, which still holds a delimiter or newline", s, enc)
		}
		dec, err := unescapeField(enc)
		if err != nil {
			t.Errorf("%q: %v", s, err)
		}
		if dec != s {
			t.Errorf("Got %q, expected %q", dec, s)
		}
	}
}

func TestUnescapeRejectsBadEscapes(t *testing.T) {
	for _, s := range []string{`dangling\`, `\x`} {
		if _, err := unescapeField(s); err == nil {
			t.Errorf("%q should not unescape", s)
		}
	}
}

func TestLineRoundTrip(t *testing.T) {
	cols := []string{"1", "100", "A", "a\tb", ""}
	line := appendLine(nil, cols)
	if !strings.HasSuffix(string(line), "\n") {
		t.Fatalf("%q does not end with a newline", line)
	}

	raw := splitLine(strings.TrimSuffix(string(line), "\n"), nil)
	if len(raw) != len(cols) {
		t.Fatalf("Got %d columns, expected %d", len(raw), len(cols))
	}
	for i := range raw {
		got, err := unescapeField(raw[i])
		if err != nil {
			t.Fatal(err)
		}
		if got != cols[i] {
			t.Errorf("Column %d: got %q, expected %q", i, got, cols[i])
		}
	}
}
