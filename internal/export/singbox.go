package export

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/downtoearthtw/proxy-aggregator/internal/node"
)

// SingboxTransport is the sing-box V2Ray transport object.
type SingboxTransport struct {
	Type        string            `json:"type"`
	Path        string            `json:"path,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	ServiceName string            `json:"service_name,omitempty"`
}

// SingboxTLS is the sing-box outbound TLS object.
type SingboxTLS struct {
	Enabled    bool   `json:"enabled"`
	ServerName string `json:"server_name"`
	Insecure   bool   `json:"insecure"`
}

// SingboxOutbound is one proxy outbound in a sing-box config.
type SingboxOutbound struct {
	Type       string            `json:"type"`
	Tag        string            `json:"tag"`
	Server     string            `json:"server"`
	ServerPort int               `json:"server_port"`
	UUID       string            `json:"uuid,omitempty"`
	Password   string            `json:"password,omitempty"`
	Method     string            `json:"method,omitempty"`
	Security   string            `json:"security,omitempty"`
	AlterID    *int              `json:"alter_id,omitempty"`
	Transport  *SingboxTransport `json:"transport,omitempty"`
	TLS        *SingboxTLS       `json:"tls,omitempty"`
}

func singboxTransport(d node.Descriptor) *SingboxTransport {
	switch d.Network() {
	case "ws":
		t := &SingboxTransport{Type: "ws", Path: d.Transport.Path}
		if t.Path == "" {
			t.Path = "/"
		}
		if d.Transport.Host != "" {
			t.Headers = map[string]string{"Host": d.Transport.Host}
		}
		return t
	case "grpc":
		return &SingboxTransport{Type: "grpc", ServiceName: d.Transport.Path}
	}
	return nil
}

func singboxTLS(d node.Descriptor) *SingboxTLS {
	return &SingboxTLS{
		Enabled:    true,
		ServerName: firstNonEmpty(d.TLS.SNI, d.Transport.Host, d.Address),
		Insecure:   true,
	}
}

// BuildSingboxOutbound converts a descriptor into a sing-box outbound.
// ShadowsocksR has no sing-box mapping.
func BuildSingboxOutbound(d node.Descriptor, tag string) (SingboxOutbound, bool) {
	out := SingboxOutbound{
		Tag:        tag,
		Server:     d.Address,
		ServerPort: d.Port,
	}
	switch d.Protocol {
	case node.ProtocolVMess:
		zero := 0
		out.Type = "vmess"
		out.UUID = d.Secret
		out.Security = "auto"
		out.AlterID = &zero
		out.Transport = singboxTransport(d)
		if d.TLS.Enabled {
			out.TLS = singboxTLS(d)
		}
	case node.ProtocolVLESS:
		out.Type = "vless"
		out.UUID = d.Secret
		out.Transport = singboxTransport(d)
		if d.TLS.Enabled {
			out.TLS = singboxTLS(d)
		}
	case node.ProtocolTrojan:
		out.Type = "trojan"
		out.Password = d.Secret
		out.Transport = singboxTransport(d)
		out.TLS = singboxTLS(d)
	case node.ProtocolShadowsocks:
		out.Type = "shadowsocks"
		out.Method, out.Password = splitSecret(d.Secret)
	default:
		return SingboxOutbound{}, false
	}
	return out, true
}

// SingboxTag builds the unique outbound tag for the descriptor at index i.
func SingboxTag(d node.Descriptor, i int) string {
	prefix := "🌐"
	if d.Priority == 0 {
		prefix = "⭐"
	}
	return truncateRunes(prefix+" "+d.DisplayName(), maxTagRunes) + "-" + strconv.Itoa(i)
}

const maxTagRunes = 50

// URLTestTarget is the probe URL clients use for automatic selection.
const URLTestTarget = "https://www.gstatic.com/generate_204"

// BuildSingboxConfig renders a complete sing-box client configuration with
// a manual selector, a latency-based urltest group and CN-direct routing.
func BuildSingboxConfig(ds []node.Descriptor, opts Options) ([]byte, error) {
	var outbounds []any
	var tags []string
	for i, d := range opts.limit(ds) {
		tag := SingboxTag(d, i)
		out, ok := BuildSingboxOutbound(d, tag)
		if !ok {
			continue
		}
		outbounds = append(outbounds, out)
		tags = append(tags, tag)
	}
	if tags == nil {
		tags = []string{}
	}

	all := []any{
		map[string]any{
			"type":      "selector",
			"tag":       "proxy",
			"outbounds": append([]string{"auto"}, tags...),
			"default":   "auto",
		},
		map[string]any{
			"type":      "urltest",
			"tag":       "auto",
			"outbounds": tags,
			"url":       URLTestTarget,
			"interval":  "5m",
		},
	}
	all = append(all, outbounds...)
	all = append(all,
		map[string]any{"type": "direct", "tag": "direct"},
		map[string]any{"type": "block", "tag": "block"},
		map[string]any{"type": "dns", "tag": "dns-out"},
	)

	config := singboxConfig{
		Log: map[string]any{"level": "info"},
		DNS: map[string]any{
			"servers": []map[string]any{
				{"tag": "google", "address": "8.8.8.8"},
				{"tag": "local", "address": "223.5.5.5", "detour": "direct"},
			},
			"rules": []map[string]any{
				{"outbound": "any", "server": "local"},
				{"clash_mode": "direct", "server": "local"},
				{"clash_mode": "global", "server": "google"},
			},
		},
		Inbounds: []map[string]any{
			{"type": "mixed", "tag": "mixed-in", "listen": "127.0.0.1", "listen_port": 7890},
		},
		Outbounds: all,
		Route: map[string]any{
			"rules": []map[string]any{
				{"protocol": "dns", "outbound": "dns-out"},
				{"clash_mode": "direct", "outbound": "direct"},
				{"clash_mode": "global", "outbound": "proxy"},
				{"geoip": []string{"cn", "private"}, "outbound": "direct"},
				{"geosite": "cn", "outbound": "direct"},
			},
			"final": "proxy",
		},
		Experimental: map[string]any{
			"clash_api": map[string]any{"external_controller": "127.0.0.1:9090", "secret": ""},
		},
	}
	return json.MarshalIndent(config, "", "  ")
}

type singboxConfig struct {
	Log          map[string]any   `json:"log"`
	DNS          map[string]any   `json:"dns"`
	Inbounds     []map[string]any `json:"inbounds"`
	Outbounds    []any            `json:"outbounds"`
	Route        map[string]any   `json:"route"`
	Experimental map[string]any   `json:"experimental"`
}

func splitSecret(secret string) (string, string) {
	method, password, _ := strings.Cut(secret, ":")
	return method, password
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
