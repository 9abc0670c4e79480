package subscription

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/downtoearthtw/proxy-aggregator/internal/node"
)

var schemePrefixes = []struct {
	prefix   string
	protocol node.Protocol
}{
	{"vmess://", node.ProtocolVMess},
	{"vless://", node.ProtocolVLESS},
	{"trojan://", node.ProtocolTrojan},
	{"ssr://", node.ProtocolShadowsocksR},
	{"ss://", node.ProtocolShadowsocks},
}

func schemeOf(line string) (node.Protocol, bool) {
	lower := strings.ToLower(line)
	for _, s := range schemePrefixes {
		if strings.HasPrefix(lower, s.prefix) {
			return s.protocol, true
		}
	}
	return "", false
}

// Decode parses one share link. It reports false for unrecognized schemes
// and for any malformed input; it never panics.
func Decode(raw string) (node.Descriptor, bool) {
	line := strings.TrimSpace(raw)
	protocol, ok := schemeOf(line)
	if !ok {
		return node.Descriptor{}, false
	}
	// Scheme matching is case-insensitive; the decoders expect lowercase.
	line = string(protocol) + line[strings.Index(line, "://"):]

	switch protocol {
	case node.ProtocolVMess:
		return parseVmessURI(line)
	case node.ProtocolVLESS:
		return parseVlessURI(line)
	case node.ProtocolTrojan:
		return parseTrojanURI(line)
	case node.ProtocolShadowsocks:
		return parseSSURI(line)
	case node.ProtocolShadowsocksR:
		return parseSSRURI(line)
	}
	return node.Descriptor{}, false
}

func parseVmessURI(uri string) (node.Descriptor, bool) {
	payload := strings.TrimSpace(strings.TrimPrefix(uri, "vmess://"))
	if payload == "" {
		return node.Descriptor{}, false
	}

	decoded, ok := decodeBase64Relaxed(payload)
	if !ok || !utf8.Valid(decoded) {
		return node.Descriptor{}, false
	}

	var v map[string]any
	if err := json.Unmarshal(decoded, &v); err != nil {
		return node.Descriptor{}, false
	}

	server := strings.TrimSpace(getString(v, "add"))
	if server == "" {
		return node.Descriptor{}, false
	}
	port := 443
	if _, present := v["port"]; present {
		parsed, ok := getUint(v, "port")
		if !ok || parsed == 0 || parsed > 65535 {
			return node.Descriptor{}, false
		}
		port = int(parsed)
	}

	return node.Descriptor{
		Protocol: node.ProtocolVMess,
		Address:  server,
		Port:     port,
		Secret:   strings.TrimSpace(getString(v, "id")),
		Name:     strings.TrimSpace(getString(v, "ps")),
		Transport: node.Transport{
			Network: orDefault(strings.TrimSpace(getString(v, "net")), node.DefaultNetwork),
			Path:    getString(v, "path"),
			Host:    getString(v, "host"),
		},
		TLS: node.TLS{
			Enabled: getString(v, "tls") == "tls",
			SNI:     getString(v, "sni"),
		},
	}, true
}

func parseVlessURI(uri string) (node.Descriptor, bool) {
	return parseUserInfoURI(uri, node.ProtocolVLESS)
}

func parseTrojanURI(uri string) (node.Descriptor, bool) {
	d, ok := parseUserInfoURI(uri, node.ProtocolTrojan)
	if !ok {
		return node.Descriptor{}, false
	}
	d.TLS.Enabled = true
	return d, true
}

// parseUserInfoURI handles the shared scheme://secret@host:port?query#name
// layout of vless and trojan links.
func parseUserInfoURI(uri string, protocol node.Protocol) (node.Descriptor, bool) {
	u, err := url.Parse(uri)
	if err != nil {
		return node.Descriptor{}, false
	}
	server := strings.TrimSpace(u.Hostname())
	if server == "" {
		return node.Descriptor{}, false
	}
	port, ok := uriPort(u, 443)
	if !ok {
		return node.Descriptor{}, false
	}

	var secret string
	if u.User != nil {
		secret = u.User.Username()
	}
	query := u.Query()
	security := strings.ToLower(strings.TrimSpace(query.Get("security")))

	return node.Descriptor{
		Protocol: protocol,
		Address:  server,
		Port:     port,
		Secret:   secret,
		Name:     decodeTag(u.EscapedFragment()),
		Transport: node.Transport{
			Network: orDefault(strings.TrimSpace(query.Get("type")), node.DefaultNetwork),
			Path:    query.Get("path"),
			Host:    query.Get("host"),
		},
		TLS: node.TLS{
			Enabled: security == "tls" || security == "reality",
			SNI:     query.Get("sni"),
		},
	}, true
}

func parseSSURI(uri string) (node.Descriptor, bool) {
	raw := strings.TrimSpace(strings.TrimPrefix(uri, "ss://"))
	if raw == "" {
		return node.Descriptor{}, false
	}

	body, fragment, _ := strings.Cut(raw, "#")
	name := decodeTag(fragment)

	var (
		method, password, server string
		port                     int
		ok                       bool
	)
	if at := strings.LastIndex(body, "@"); at >= 0 {
		// SIP002: base64(method:password)@host[:port][/?plugin]
		userInfo := body[:at]
		hostPart := body[at+1:]
		if cut := strings.IndexAny(hostPart, "/?"); cut >= 0 {
			hostPart = hostPart[:cut]
		}
		method, password = parseSSUserInfo(userInfo)
		if strings.Contains(hostPart, ":") {
			server, port, ok = parseHostPort(hostPart)
		} else {
			server, port, ok = strings.TrimSpace(hostPart), 443, true
		}
	} else {
		// Legacy: base64(method:password@host:port)
		decoded, decodedOK := decodeBase64Relaxed(body)
		if !decodedOK || !utf8.Valid(decoded) {
			return node.Descriptor{}, false
		}
		text := string(decoded)
		at := strings.LastIndex(text, "@")
		if at < 0 {
			return node.Descriptor{}, false
		}
		var hasSep bool
		method, password, hasSep = strings.Cut(text[:at], ":")
		if !hasSep {
			return node.Descriptor{}, false
		}
		server, port, ok = parseHostPort(text[at+1:])
	}
	if !ok || server == "" {
		return node.Descriptor{}, false
	}

	return node.Descriptor{
		Protocol:  node.ProtocolShadowsocks,
		Address:   server,
		Port:      port,
		Secret:    method + ":" + password,
		Name:      name,
		Transport: node.Transport{Network: node.DefaultNetwork},
	}, true
}

// parseSSUserInfo decodes the SIP002 user-info. Input that is not base64 of
// "method:password" is kept verbatim as the method with an empty password.
func parseSSUserInfo(userInfo string) (string, string) {
	if decoded, ok := decodeBase64Relaxed(userInfo); ok && utf8.Valid(decoded) {
		if method, password, found := strings.Cut(string(decoded), ":"); found {
			return method, password
		}
	}
	return userInfo, ""
}

func parseSSRURI(uri string) (node.Descriptor, bool) {
	payload := strings.TrimSpace(strings.TrimPrefix(uri, "ssr://"))
	decoded, ok := decodeBase64Relaxed(payload)
	if !ok || !utf8.Valid(decoded) {
		return node.Descriptor{}, false
	}

	// host:port:protocol:method:obfs:base64(password)[/?params]
	main, _, _ := strings.Cut(string(decoded), "/?")
	parts := strings.Split(main, ":")
	if len(parts) < 6 {
		return node.Descriptor{}, false
	}
	port, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || port <= 0 || port > 65535 {
		return node.Descriptor{}, false
	}
	host := strings.TrimSpace(parts[0])
	if host == "" {
		return node.Descriptor{}, false
	}
	password, ok := decodeBase64Relaxed(parts[5])
	if !ok || !utf8.Valid(password) {
		return node.Descriptor{}, false
	}

	return node.Descriptor{
		Protocol:  node.ProtocolShadowsocksR,
		Address:   host,
		Port:      port,
		Secret:    string(password),
		Transport: node.Transport{Network: node.DefaultNetwork},
	}, true
}

func parseHostPort(hostport string) (string, int, bool) {
	hostport = strings.TrimSpace(hostport)
	if hostport == "" {
		return "", 0, false
	}

	if host, port, err := net.SplitHostPort(hostport); err == nil {
		parsedPort, parseErr := strconv.ParseUint(strings.TrimSpace(port), 10, 16)
		if parseErr != nil {
			return "", 0, false
		}
		host = strings.TrimSpace(strings.Trim(host, "[]"))
		if host == "" {
			return "", 0, false
		}
		return host, int(parsedPort), true
	}

	idx := strings.LastIndex(hostport, ":")
	if idx <= 0 || idx >= len(hostport)-1 {
		return "", 0, false
	}
	host := strings.TrimSpace(strings.Trim(hostport[:idx], "[]"))
	if host == "" {
		return "", 0, false
	}
	parsedPort, err := strconv.ParseUint(strings.TrimSpace(hostport[idx+1:]), 10, 16)
	if err != nil {
		return "", 0, false
	}
	return host, int(parsedPort), true
}

func decodeBase64Relaxed(input string) ([]byte, bool) {
	s := strings.TrimSpace(input)
	if s == "" {
		return nil, false
	}

	if rem := len(s) % 4; rem != 0 {
		s += strings.Repeat("=", 4-rem)
	}
	if decoded, err := base64.StdEncoding.DecodeString(s); err == nil {
		return decoded, true
	}
	if decoded, err := base64.URLEncoding.DecodeString(s); err == nil {
		return decoded, true
	}
	return nil, false
}

func looksLikeJSON(data []byte) bool {
	data = bytes.TrimSpace(data)
	return len(data) > 0 && (data[0] == '{' || data[0] == '[')
}

// looksLikeProxyDocument reports whether text is a JSON object with a
// "proxies" array or a YAML document with a top-level proxies key.
func looksLikeProxyDocument(text string) bool {
	trimmed := strings.TrimSpace(text)
	if looksLikeJSON([]byte(trimmed)) {
		return gjson.Valid(trimmed) && gjson.Get(trimmed, "proxies").IsArray()
	}
	return looksLikeClashYAML(trimmed)
}

func looksLikeClashYAML(text string) bool {
	lower := strings.ToLower(text)
	return strings.HasPrefix(lower, "proxies:") ||
		strings.Contains(lower, "\nproxies:")
}

func normalizeInput(data []byte) []byte {
	trimmed := bytes.TrimSpace(data)
	return bytes.TrimPrefix(trimmed, []byte{0xEF, 0xBB, 0xBF})
}

func normalizeTextContent(content string) string {
	content = strings.TrimPrefix(content, "\uFEFF")

	var b strings.Builder
	b.Grow(len(content))
	for _, r := range content {
		switch r {
		case '\u200B', '\u200C', '\u200D':
			continue
		}
		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func getString(m map[string]any, keys ...string) string {
	for _, key := range keys {
		v, ok := m[key]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			return t
		case json.Number:
			return t.String()
		case int:
			return strconv.Itoa(t)
		case int64:
			return strconv.FormatInt(t, 10)
		case uint64:
			return strconv.FormatUint(t, 10)
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64)
		case bool:
			return strconv.FormatBool(t)
		}
	}
	return ""
}

func getUint(m map[string]any, keys ...string) (uint64, bool) {
	for _, key := range keys {
		v, ok := m[key]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case int:
			if t >= 0 {
				return uint64(t), true
			}
		case int64:
			if t >= 0 {
				return uint64(t), true
			}
		case uint64:
			return t, true
		case float64:
			if t >= 0 && t == float64(uint64(t)) {
				return uint64(t), true
			}
		case string:
			parsed, err := strconv.ParseUint(strings.TrimSpace(t), 10, 64)
			if err == nil {
				return parsed, true
			}
		case json.Number:
			parsed, err := strconv.ParseUint(t.String(), 10, 64)
			if err == nil {
				return parsed, true
			}
		}
	}
	return 0, false
}

func getBool(m map[string]any, keys ...string) (bool, bool) {
	for _, key := range keys {
		v, ok := m[key]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case bool:
			return t, true
		case string:
			switch strings.ToLower(strings.TrimSpace(t)) {
			case "1", "true", "yes", "on", "tls":
				return true, true
			case "0", "false", "no", "off", "":
				return false, true
			}
		}
	}
	return false, false
}

func getMap(m map[string]any, keys ...string) (map[string]any, bool) {
	for _, key := range keys {
		v, ok := m[key]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case map[string]any:
			return t, true
		case map[any]any:
			converted := make(map[string]any, len(t))
			for mk, mv := range t {
				converted[fmt.Sprint(mk)] = mv
			}
			return converted, true
		}
	}
	return nil, false
}

func decodeTag(fragment string) string {
	if fragment == "" {
		return ""
	}
	decoded, err := url.PathUnescape(fragment)
	if err != nil {
		return strings.TrimSpace(fragment)
	}
	return strings.TrimSpace(decoded)
}

func uriPort(u *url.URL, fallback int) (int, bool) {
	port := strings.TrimSpace(u.Port())
	if port == "" {
		return fallback, true
	}
	parsed, err := strconv.ParseUint(port, 10, 16)
	if err != nil || parsed == 0 {
		return 0, false
	}
	return int(parsed), true
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
