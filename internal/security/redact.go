package security

import (
	"regexp"
	"strings"
)

const redacted = "[redacted]"

// sensitiveFlagWords mark a --flag whose value is a credential.
var sensitiveFlagWords = []string{"credential", "password", "passwd", "token", "secret"}

var urlUserinfo = regexp.MustCompile(`(://[^/\s:@]+):[^@\s/]+@`)

// RedactArgs masks credential values in a wstunnel argument string so it can be
// logged. Both "--flag value" and "--flag=value" forms are handled, as is
// user:password@ inside URLs.
func RedactArgs(args string) string {
	if args == "" {
		return args
	}
	out := urlUserinfo.ReplaceAllString(args, "$1:"+redacted+"@")
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return out
	}
	changed := false
	for i := 0; i < len(fields); i++ {
		f := fields[i]
		if !strings.HasPrefix(f, "-") {
			continue
		}
		name, _, hasValue := strings.Cut(f, "=")
		if !isSensitiveFlag(name) {
			continue
		}
		if hasValue {
			fields[i] = name + "=" + redacted
			changed = true
			continue
		}
		if i+1 < len(fields) && !strings.HasPrefix(fields[i+1], "-") {
			fields[i+1] = redacted
			changed = true
			i++
		}
	}
	if !changed {
		return out
	}
	return strings.Join(fields, " ")
}

// HasCredentials reports whether RedactArgs would mask anything in args.
func HasCredentials(args string) bool {
	return RedactArgs(args) != args
}

func isSensitiveFlag(name string) bool {
	lower := strings.ToLower(strings.TrimLeft(name, "-"))
	if lower == "" {
		return false
	}
	for _, w := range sensitiveFlagWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}
