package validation

import (
	"net/url"
)

// IsTemplateURL reports whether the input names a remote template rather
// than a local file. An input is a URL only when it parses with both a
// scheme and a host, so Windows drive paths like "C:\t.json" stay local.
func IsTemplateURL(input string) bool {
	parsed, err := url.Parse(input)
	if err != nil {
		return false
	}

	return parsed.Scheme != "" && parsed.Host != ""
}
