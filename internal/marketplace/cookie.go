package marketplace

import (
	"regexp"
	"strings"
)

var cookiePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)-H\s+'cookie:\s*([^']*)'`),
	regexp.MustCompile(`(?i)-H\s+"cookie:\s*([^"]*)"`),
	regexp.MustCompile(`(?:-b|--cookie)\s+'([^']*)'`),
	regexp.MustCompile(`(?:-b|--cookie)\s+"([^"]*)"`),
	regexp.MustCompile(`(?im)^\s*cookie:\s*(.+)$`),
}

var rawCookie = regexp.MustCompile(`^[^\s=;]+=[^;]*(;\s*[^\s=;]+=[^;]*)*;?$`)

// SniffCookie extracts a cookie header value from a browser "Copy as cURL"
// dump, a raw header line, or a bare "k=v; k2=v2" string.
func SniffCookie(text string) (string, bool) {
	for _, re := range cookiePatterns {
		if m := re.FindStringSubmatch(text); m != nil {
			if v := strings.TrimSpace(m[1]); v != "" {
				return v, true
			}
		}
	}
	s := strings.TrimSpace(text)
	if s != "" && rawCookie.MatchString(s) {
		return s, true
	}
	return "", false
}
