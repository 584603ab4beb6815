package atproto

import "testing"

func TestIsTerminal(t *testing.T) {
	cases := []struct {
		name string
		buf  string
		line string
		ok   bool
	}{
		{"plain ok", "AT\r\nOK\r\n", "OK", true},
		{"error", "AT+FOO\r\nERROR\r\n", "ERROR", true},
		{"connect with rate", "ATDT12345\r\nCONNECT 9600\r\n", "CONNECT 9600", true},
		{"connect bare", "CONNECT\r\n", "CONNECT", true},
		{"no terminator yet", "+CSQ:3\r\n", "", false},
		{"empty", "", "", false},
		{"readyprompt", "AT+SBDWB=5\r\nREADY\r\n", "READY", true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			line, ok := IsTerminal([]byte(c.buf))
			if ok != c.ok || line != c.line {
				t.Errorf("IsTerminal(%q) = (%q, %v), want (%q, %v)", c.buf, line, ok, c.line, c.ok)
			}
		})
	}
}

func TestLines(t *testing.T) {
	got := Lines([]byte("\r\nAT+CSQ\r\n+CSQ:4\r\n\r\nOK\r\n"))
	want := []string{"AT+CSQ", "+CSQ:4", "OK"}
	if len(got) != len(want) {
		t.Fatalf("Lines() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Lines()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestFieldsAfter(t *testing.T) {
	lines := []string{"AT+CSQ", "+CSQ:4", "OK"}
	if v, ok := FieldsAfter(lines, "+CSQ:"); !ok || v != "4" {
		t.Errorf("FieldsAfter = (%q, %v), want (4, true)", v, ok)
	}
	if _, ok := FieldsAfter(lines, "+SBDIX:"); ok {
		t.Errorf("FieldsAfter found a prefix that isn't present")
	}
}

func TestSplitCSV(t *testing.T) {
	got := SplitCSV("0, 12 ,1,5,30,2")
	want := []string{"0", "12", "1", "5", "30", "2"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("SplitCSV()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestHasOKHasError(t *testing.T) {
	if !HasOK([]string{"+CSQ:3", "OK"}) {
		t.Error("HasOK should find trailing OK")
	}
	if HasOK([]string{"+CSQ:3", "ERROR"}) {
		t.Error("HasOK should not match ERROR")
	}
	if !HasError([]string{"ERROR"}) {
		t.Error("HasError should find bare ERROR")
	}
}
