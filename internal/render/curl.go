package render

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/bft-labs/devrelay/pkg/transport"
	"github.com/bft-labs/devrelay/pkg/value"
)

const curlSeparator = " \\\n  "

// Curl returns a shell command that repeats the request. GET is implied,
// Host and pseudo headers are skipped and Authorization is redacted.
func Curl(p transport.NetworkPayload) string {
	parts := []string{"curl"}
	if m := strings.ToUpper(p.Method); m != "" && m != "GET" {
		parts = append(parts, "-X "+m)
	}
	parts = append(parts, quote(p.URL))
	for _, k := range headerKeys(p.RequestHeaders) {
		if strings.EqualFold(k, "host") {
			continue
		}
		v := p.RequestHeaders[k]
		if strings.EqualFold(k, "authorization") {
			v = "[REDACTED]"
		}
		parts = append(parts, "-H "+quote(k+": "+v))
	}
	if body, ok := curlBody(p.RequestBody, false); ok {
		parts = append(parts, "-d "+quote(body))
	}
	return strings.Join(parts, curlSeparator)
}

// CurlFull is Curl with -v, an explicit method, every header and an
// indented JSON body.
func CurlFull(p transport.NetworkPayload) string {
	parts := []string{"curl", "-v"}
	if p.Method != "" {
		parts = append(parts, "-X "+strings.ToUpper(p.Method))
	}
	parts = append(parts, quote(p.URL))
	for _, k := range headerKeys(p.RequestHeaders) {
		v := p.RequestHeaders[k]
		if strings.EqualFold(k, "authorization") {
			v = "[REDACTED - Replace with actual value]"
		}
		parts = append(parts, "-H "+quote(k+": "+v))
	}
	if body, ok := curlBody(p.RequestBody, true); ok {
		parts = append(parts, "-d "+quote(body))
	}
	return strings.Join(parts, curlSeparator)
}

func headerKeys(h map[string]string) []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		if strings.HasPrefix(k, ":") {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func curlBody(v value.Value, indent bool) (string, bool) {
	switch v.Kind() {
	case value.KindNull:
		return "", false
	case value.KindText:
		return v.Text(), v.Text() != ""
	}
	var (
		data []byte
		err  error
	)
	if indent {
		data, err = json.MarshalIndent(v, "", "  ")
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		return "", false
	}
	return string(data), true
}

// quote wraps s in single quotes for a POSIX shell.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
