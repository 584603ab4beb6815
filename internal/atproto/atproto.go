// Package atproto holds the AT command framing shared by SerialTransport
// and ModemSession: the set of recognised response terminators and small
// parsing helpers for the "+NAME:csv,fields" style lines an Iridium modem
// returns.
package atproto

import (
	"regexp"
	"strings"
)

// TerminalTokens are exact-match response lines that end a command's reply,
// per spec.md §4.2. "CONNECT" is handled separately because it may carry a
// trailing connection rate ("CONNECT 9600").
var TerminalTokens = []string{
	"OK",
	"ERROR",
	"BUSY",
	"NO DIALTONE",
	"NO CARRIER",
	"RING",
	"NO ANSWER",
	"READY",
	"GOFORIT",
	"NAMERECV",
}

var connectRe = regexp.MustCompile(`^CONNECT( \d+)?$`)

// IsTerminal reports whether the trailing line of buf (after trimming the
// trailing CR/LF) is a recognised terminator, and returns that line.
func IsTerminal(buf []byte) (line string, ok bool) {
	trimmed := strings.TrimRight(string(buf), "\r\n")
	if trimmed == "" {
		return "", false
	}
	lines := strings.Split(trimmed, "\n")
	last := strings.TrimRight(lines[len(lines)-1], "\r")
	last = strings.TrimSpace(last)
	if last == "" && len(lines) > 1 {
		last = strings.TrimRight(strings.TrimSpace(lines[len(lines)-2]), "\r")
	}
	for _, tok := range TerminalTokens {
		if last == tok {
			return last, true
		}
	}
	if connectRe.MatchString(last) {
		return last, true
	}
	return "", false
}

// Lines splits a raw response buffer into trimmed, non-empty lines in the
// order they were received, discarding CR/LF noise the way a modem's
// verbose-mode output does.
func Lines(buf []byte) []string {
	raw := strings.Split(strings.ReplaceAll(string(buf), "\r", ""), "\n")
	out := make([]string, 0, len(raw))
	for _, l := range raw {
		l = strings.TrimSpace(l)
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}

// FieldsAfter returns the line among lines that begins with prefix (e.g.
// "+CSQ:"), with that prefix stripped and surrounding space trimmed. ok is
// false if no such line is present.
func FieldsAfter(lines []string, prefix string) (value string, ok bool) {
	for _, l := range lines {
		if strings.HasPrefix(l, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(l, prefix)), true
		}
	}
	return "", false
}

// SplitCSV splits a modem response's comma-separated field list, trimming
// whitespace from each field. Used for "+SBDIX:a,b,c,d,e,f" and similar.
func SplitCSV(s string) []string {
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// HasOK reports whether lines contains a bare "OK" status line.
func HasOK(lines []string) bool {
	for _, l := range lines {
		if l == "OK" {
			return true
		}
	}
	return false
}

// HasError reports whether lines contains a bare "ERROR" status line.
func HasError(lines []string) bool {
	for _, l := range lines {
		if l == "ERROR" {
			return true
		}
	}
	return false
}
