package credential

import (
	"bytes"
	"encoding/json"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"unicode"
)

// MaskedValue replaces every sensitive value in a display view
const MaskedValue = "********"

// Matched against the key with separators and case removed, so "pool_pass",
// "poolPass" and "POOL-PASS" all hit "pass".
var sensitiveKeySubstrings = []string{
	"pass",
	"pwd",
	"secret",
	"token",
	"apikey",
	"authorization",
	"private",
}

// Matched against whole key words: "ipAddress", "miner_ip", "HostIP".
var ipKeyWords = map[string]bool{
	"ip":       true,
	"ipv4":     true,
	"ipv6":     true,
	"host":     true,
	"hostname": true,
	"address":  true,
	"addr":     true,
}

// keyWords splits a key into lower-case words on separators and camelCase
// boundaries. An acronym run ends before a capital that starts a new word:
// "IPAddress" is ip, address.
func keyWords(key string) []string {
	var words []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			words = append(words, strings.ToLower(string(cur)))
			cur = cur[:0]
		}
	}

	runes := []rune(strings.TrimSpace(key))
	for i, r := range runes {
		if r == '_' || r == '-' || r == '.' || unicode.IsSpace(r) {
			flush()
			continue
		}
		if i > 0 && unicode.IsUpper(r) {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				flush()
			}
		}
		cur = append(cur, r)
	}
	flush()
	return words
}

func isSensitiveKey(key string) bool {
	return containsAny(strings.Join(keyWords(key), ""), sensitiveKeySubstrings)
}

func isIPKey(key string) bool {
	for _, w := range keyWords(key) {
		if ipKeyWords[w] {
			return true
		}
	}
	return false
}

func containsAny(s string, parts []string) bool {
	for _, part := range parts {
		if strings.Contains(s, part) {
			return true
		}
	}
	return false
}

// MaskIP keeps the first two octets of an IPv4 address. Anything else that
// is not an IPv4 address is fully masked.
func MaskIP(value string) string {
	addr, err := netip.ParseAddr(strings.TrimSpace(value))
	if err != nil || !addr.Is4() {
		return MaskedValue
	}
	octets := addr.As4()
	return strconv.Itoa(int(octets[0])) + "." + strconv.Itoa(int(octets[1])) + ".*.*"
}

// maskHost masks an address and keeps its port
func maskHost(addr netip.Addr, port string) string {
	host := MaskIP(addr.Unmap().String())
	if port != "" {
		host += ":" + port
	}
	return host
}

// maskString masks address literals found in a value regardless of its key:
// bare addresses, addr:port pairs and URLs with an address host. A URL
// password is masked even when addresses are shown.
func maskString(s string, showIPs bool) string {
	trimmed := strings.TrimSpace(s)
	if !showIPs {
		if addr, err := netip.ParseAddr(trimmed); err == nil {
			return MaskIP(addr.Unmap().String())
		}
		if ap, err := netip.ParseAddrPort(trimmed); err == nil {
			return maskHost(ap.Addr(), strconv.Itoa(int(ap.Port())))
		}
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" {
		return s
	}
	hidePassword := false
	if u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.User(u.User.Username())
			hidePassword = true
		}
	}
	maskedHost := false
	if !showIPs {
		if addr, err := netip.ParseAddr(u.Hostname()); err == nil {
			u.Host = maskHost(addr, u.Port())
			maskedHost = true
		}
	}
	if !hidePassword && !maskedHost {
		return s
	}
	out := u.String()
	if hidePassword {
		// url.UserPassword would percent-encode the mask
		out = strings.Replace(out, "@", ":"+MaskedValue+"@", 1)
	}
	return out
}

// maskFields parses a mode 1 credential and masks it. Secrets are always
// masked; IP-like values are masked unless showIPs is set. A payload that is
// not a JSON object is treated as a single secret.
func maskFields(plaintext []byte, showIPs bool) map[string]any {
	dec := json.NewDecoder(bytes.NewReader(plaintext))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return map[string]any{"value": MaskedValue}
	}
	obj, ok := value.(map[string]any)
	if !ok {
		return map[string]any{"value": MaskedValue}
	}
	return maskValue("", obj, showIPs).(map[string]any)
}

func maskValue(key string, v any, showIPs bool) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			if isSensitiveKey(k) {
				out[k] = MaskedValue
				continue
			}
			out[k] = maskValue(k, vv, showIPs)
		}
		return out
	case []any:
		out := make([]any, 0, len(t))
		for _, vv := range t {
			out = append(out, maskValue(key, vv, showIPs))
		}
		return out
	case string:
		if !showIPs && isIPKey(key) {
			if masked := maskString(t, false); masked != t {
				return masked
			}
			return MaskIP(t)
		}
		return maskString(t, showIPs)
	default:
		return t
	}
}
