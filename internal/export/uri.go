package export

import (
	"encoding/base64"
	"encoding/json"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/downtoearthtw/proxy-aggregator/internal/node"
)

type vmessShare struct {
	V    string `json:"v"`
	PS   string `json:"ps"`
	Add  string `json:"add"`
	Port string `json:"port"`
	ID   string `json:"id"`
	Aid  string `json:"aid"`
	Net  string `json:"net"`
	Type string `json:"type"`
	Host string `json:"host"`
	Path string `json:"path"`
	TLS  string `json:"tls"`
	SNI  string `json:"sni"`
}

// EncodeURI renders a descriptor as a share link. ShadowsocksR is decode-only.
func EncodeURI(d node.Descriptor) (string, bool) {
	switch d.Protocol {
	case node.ProtocolVMess:
		share := vmessShare{
			V:    "2",
			PS:   d.Name,
			Add:  d.Address,
			Port: strconv.Itoa(d.Port),
			ID:   d.Secret,
			Aid:  "0",
			Net:  d.Network(),
			Type: "none",
			Host: d.Transport.Host,
			Path: d.Transport.Path,
			SNI:  d.TLS.SNI,
		}
		if d.TLS.Enabled {
			share.TLS = "tls"
		}
		raw, err := json.Marshal(share)
		if err != nil {
			return "", false
		}
		return "vmess://" + base64.StdEncoding.EncodeToString(raw), true

	case node.ProtocolVLESS:
		q := url.Values{}
		if d.Network() != node.DefaultNetwork {
			q.Set("type", d.Network())
		}
		if d.TLS.Enabled {
			q.Set("security", "tls")
		}
		setIfNotEmpty(q, "sni", d.TLS.SNI)
		setIfNotEmpty(q, "path", d.Transport.Path)
		setIfNotEmpty(q, "host", d.Transport.Host)
		return userInfoURI("vless", d, q), true

	case node.ProtocolTrojan:
		q := url.Values{}
		setIfNotEmpty(q, "sni", d.TLS.SNI)
		if d.Network() != node.DefaultNetwork {
			q.Set("type", d.Network())
		}
		setIfNotEmpty(q, "path", d.Transport.Path)
		setIfNotEmpty(q, "host", d.Transport.Host)
		return userInfoURI("trojan", d, q), true

	case node.ProtocolShadowsocks:
		userInfo := base64.StdEncoding.EncodeToString([]byte(d.Secret))
		return "ss://" + userInfo + "@" + hostPort(d) + "#" + url.PathEscape(d.Name), true
	}
	return "", false
}

func userInfoURI(scheme string, d node.Descriptor, q url.Values) string {
	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString("://")
	b.WriteString(url.User(d.Secret).String())
	b.WriteByte('@')
	b.WriteString(hostPort(d))
	b.WriteByte('?')
	b.WriteString(q.Encode())
	b.WriteByte('#')
	b.WriteString(url.PathEscape(d.Name))
	return b.String()
}

func hostPort(d node.Descriptor) string {
	return net.JoinHostPort(d.Address, strconv.Itoa(d.Port))
}

func setIfNotEmpty(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

// BuildBase64 renders the canonical share-link batch: newline-joined links,
// base64 encoded as a whole. Undecodable-only protocols are skipped.
func BuildBase64(ds []node.Descriptor, opts Options) []byte {
	links := make([]string, 0, len(ds))
	for _, d := range opts.limit(ds) {
		if link, ok := EncodeURI(d); ok {
			links = append(links, link)
		}
	}
	return []byte(base64.StdEncoding.EncodeToString([]byte(strings.Join(links, "\n"))))
}
