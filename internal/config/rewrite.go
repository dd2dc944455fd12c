package config

import (
	"bytes"
	"regexp"
	"strconv"
)

// intervalKey describes where the interval lives in each document format.
type intervalKey struct {
	name    string
	pattern *regexp.Regexp
	sep     string
}

var intervalKeys = map[Format]intervalKey{
	FormatYAML: {
		name: "reading_interval_seconds",
		// Top-level only: an indented key belongs to a nested mapping.
		pattern: regexp.MustCompile(`(?m)^(reading_interval_seconds)([ \t]*:[ \t]*)([^ \t#\r\n]*)(.*)$`),
		sep:     ": ",
	},
	FormatTOML: {
		name:    "READING_INTERVAL_SECONDS",
		pattern: regexp.MustCompile(`(?m)^([ \t]*READING_INTERVAL_SECONDS)([ \t]*=[ \t]*)([^ \t#\r\n]*)(.*)$`),
		sep:     " = ",
	},
}

// tomlTable matches the first table header in a TOML document.
var tomlTable = regexp.MustCompile(`(?m)^[ \t]*\[`)

// rewriteInterval returns doc with the interval line set to seconds. Only
// the value token of that one line changes; indentation, separator,
// trailing comments and every other byte are preserved. If the key is
// absent, a new line is appended (for TOML, ahead of the first table so
// the key stays at the root). Applying the same value twice yields
// identical output.
func rewriteInterval(doc []byte, format Format, seconds int) []byte {
	key := intervalKeys[format]
	value := []byte(strconv.Itoa(seconds))

	if loc := key.pattern.FindSubmatchIndex(doc); loc != nil {
		// loc[6]:loc[7] is the value token.
		sep := doc[loc[4]:loc[5]]
		if loc[6] == loc[7] && !bytes.HasSuffix(sep, []byte(" ")) && !bytes.HasSuffix(sep, []byte("\t")) {
			value = append([]byte(" "), value...)
		}
		out := make([]byte, 0, len(doc)+len(value))
		out = append(out, doc[:loc[6]]...)
		out = append(out, value...)
		out = append(out, doc[loc[7]:]...)
		return out
	}

	line := append([]byte(key.name+key.sep), value...)
	line = append(line, '\n')

	if format == FormatTOML {
		if loc := tomlTable.FindIndex(doc); loc != nil {
			out := make([]byte, 0, len(doc)+len(line))
			out = append(out, doc[:loc[0]]...)
			out = append(out, line...)
			out = append(out, doc[loc[0]:]...)
			return out
		}
	}

	out := make([]byte, 0, len(doc)+len(line)+1)
	out = append(out, doc...)
	if len(out) > 0 && !bytes.HasSuffix(out, []byte("\n")) {
		out = append(out, '\n')
	}
	return append(out, line...)
}
