package logging

import (
	"log/slog"
	"regexp"
	"strings"
)

const redactedValue = "[REDACTED]"

var sensitiveKeys = map[string]struct{}{
	"authorization": {},
	"body":          {},
	"build_args":    {},
	"dsn":           {},
	"database_url":  {},
	"headers":       {},
	"registry_auth": {},
}

var sensitiveFragments = []string{
	"secret",
	"token",
	"password",
	"apikey",
	"api_key",
	"auth",
}

// userinfoPattern finds credentials embedded in URLs such as
// postgres://bob:hunter2@db/bob inside free text.
var userinfoPattern = regexp.MustCompile(`([a-zA-Z][a-zA-Z0-9+.-]*://[^/\s:@]+):[^/\s@]+@`)

// redactAttr is installed as the handler's ReplaceAttr, so it sees every
// leaf attribute, including those added with Logger.With.
func redactAttr(_ []string, attr slog.Attr) slog.Attr {
	if shouldRedactKey(attr.Key) {
		return slog.String(attr.Key, redactedValue)
	}
	switch attr.Value.Kind() {
	case slog.KindString:
		if s := attr.Value.String(); strings.Contains(s, "://") {
			return slog.String(attr.Key, scrubURLs(s))
		}
	case slog.KindAny:
		if err, ok := attr.Value.Any().(error); ok {
			if msg := err.Error(); strings.Contains(msg, "://") {
				return slog.String(attr.Key, scrubURLs(msg))
			}
		}
	}
	return attr
}

func shouldRedactKey(key string) bool {
	if key == "" {
		return false
	}
	lower := strings.ToLower(key)
	if _, ok := sensitiveKeys[lower]; ok {
		return true
	}
	for _, fragment := range sensitiveFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

// scrubURLs replaces URL passwords with the redaction marker.
func scrubURLs(value string) string {
	return userinfoPattern.ReplaceAllString(value, "${1}:"+redactedValue+"@")
}
