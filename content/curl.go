package content

import (
	"net/http"
	"strings"

	"github.com/tfkr-ae/snag/domain"
)

// curlSeparator joins the curl arguments so each flag lands on its own line.
const curlSeparator = " \\\n\t"

// Curl renders a curl command that reproduces req.
//
// HEAD becomes --head, any method other than GET and HEAD becomes -X METHOD. Every header
// is passed with -H except one named exactly "Cookie". The body is passed with -d only when
// one is present. The URL is quoted only when the shell would otherwise interpret it.
func Curl(req domain.RequestInfo) CommandLine {
	if req.URL == "" {
		return CommandLine{}
	}

	args := []string{"curl " + shellArg(req.URL)}

	method := strings.ToUpper(req.Method)
	switch method {
	case http.MethodHead:
		args = append(args, "--head")
	case http.MethodGet, "":
	default:
		args = append(args, "-X "+method)
	}

	for _, header := range req.Headers {
		if header.Key == "Cookie" {
			continue
		}
		args = append(args, "-H "+shellQuote(header.Key+": "+header.Value))
	}

	if len(req.Body) > 0 {
		args = append(args, "-d "+shellQuote(string(req.Body)))
	}

	return CommandLine{Command: strings.Join(args, curlSeparator)}
}

// shellArg returns s unchanged if every character is safe for a POSIX shell, otherwise quoted.
func shellArg(s string) string {
	for _, r := range s {
		if !isShellSafe(r) {
			return shellQuote(s)
		}
	}
	return s
}

func isShellSafe(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}
	return strings.ContainsRune("-_.,:/@%+=~", r)
}

// shellQuote wraps s in single quotes, escaping embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
