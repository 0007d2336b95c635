package crawler

import (
	"net/url"
	"strings"
)

// ParseMode validates a requested crawl mode. An empty value means auto.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ModeAuto:
		return ModeAuto, nil
	case ModeStatic:
		return ModeStatic, nil
	case ModeDynamic:
		return ModeDynamic, nil
	default:
		return "", Validation("Invalid mode parameter")
	}
}

// ParseTargetURL validates the crawl target and returns its canonical string form.
func ParseTargetURL(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", Validation("Missing url parameter")
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", Validation("Invalid url parameter")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", Validation("Only http and https urls are allowed")
	}
	if parsed.Path == "" {
		parsed.Path = "/"
	}
	return parsed.String(), nil
}

// ParseFlag interprets the loose boolean strings accepted in query strings and
// environment variables. ok is false when raw is not a recognised value.
func ParseFlag(raw string) (value bool, ok bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1", "yes":
		return true, true
	case "false", "0", "no":
		return false, true
	default:
		return false, false
	}
}
