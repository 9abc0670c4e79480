package subscription

import (
	"encoding/json"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/downtoearthtw/proxy-aggregator/internal/node"
)

type proxyDocument struct {
	Proxies []map[string]any `json:"proxies" yaml:"proxies"`
}

// DecodeStructured decodes a YAML or JSON document carrying a "proxies"
// list. An unparsable document yields an empty batch with one malformed unit.
func DecodeStructured(text string) Batch {
	text = strings.TrimSpace(text)
	if text == "" {
		return Batch{}
	}

	var doc proxyDocument
	var err error
	if looksLikeJSON([]byte(text)) {
		err = json.Unmarshal([]byte(text), &doc)
	} else {
		err = yaml.Unmarshal([]byte(text), &doc)
	}
	if err != nil {
		return Batch{Malformed: 1}
	}
	return DecodeProxyList(doc.Proxies)
}

// DecodeProxyList decodes structured proxy entries in order. Entries of an
// unsupported type are skipped without counting as malformed.
func DecodeProxyList(entries []map[string]any) Batch {
	var batch Batch
	for _, entry := range entries {
		if _, supported := structuredProtocol(entry); !supported {
			continue
		}
		d, ok := DecodeProxyEntry(entry)
		if !ok {
			batch.Malformed++
			continue
		}
		batch.Descriptors = append(batch.Descriptors, d)
	}
	return batch
}

func structuredProtocol(entry map[string]any) (node.Protocol, bool) {
	switch strings.ToLower(strings.TrimSpace(getString(entry, "type"))) {
	case "vmess":
		return node.ProtocolVMess, true
	case "vless":
		return node.ProtocolVLESS, true
	case "trojan":
		return node.ProtocolTrojan, true
	case "ss", "shadowsocks":
		return node.ProtocolShadowsocks, true
	}
	return "", false
}

// DecodeProxyEntry converts one structured proxy entry.
func DecodeProxyEntry(entry map[string]any) (node.Descriptor, bool) {
	protocol, ok := structuredProtocol(entry)
	if !ok {
		return node.Descriptor{}, false
	}
	server := strings.TrimSpace(getString(entry, "server"))
	if server == "" {
		return node.Descriptor{}, false
	}
	port := 443
	if _, present := entry["port"]; present {
		parsed, ok := getUint(entry, "port")
		if !ok || parsed == 0 || parsed > 65535 {
			return node.Descriptor{}, false
		}
		port = int(parsed)
	}

	d := node.Descriptor{
		Protocol: protocol,
		Address:  server,
		Port:     port,
		Name:     strings.TrimSpace(getString(entry, "name")),
		Transport: node.Transport{
			Network: orDefault(strings.ToLower(strings.TrimSpace(getString(entry, "network"))), node.DefaultNetwork),
		},
	}

	if wsOpts, ok := getMap(entry, "ws-opts"); ok {
		d.Transport.Path = getString(wsOpts, "path")
		if headers, ok := getMap(wsOpts, "headers"); ok {
			d.Transport.Host = getString(headers, "Host", "host")
		}
	}
	if grpcOpts, ok := getMap(entry, "grpc-opts"); ok && d.Transport.Path == "" {
		d.Transport.Path = getString(grpcOpts, "grpc-service-name")
	}

	tlsEnabled, _ := getBool(entry, "tls")
	d.TLS = node.TLS{
		Enabled: tlsEnabled,
		SNI:     firstNonEmpty(getString(entry, "servername"), getString(entry, "sni")),
	}

	switch protocol {
	case node.ProtocolVMess, node.ProtocolVLESS:
		d.Secret = getString(entry, "uuid")
	case node.ProtocolTrojan:
		d.Secret = getString(entry, "password")
		d.TLS.Enabled = true
	case node.ProtocolShadowsocks:
		d.Secret = getString(entry, "cipher") + ":" + getString(entry, "password")
		d.Transport = node.Transport{Network: node.DefaultNetwork}
		d.TLS = node.TLS{}
	}
	return d, true
}
