package export

import (
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/downtoearthtw/proxy-aggregator/internal/node"
)

// ClashWSOpts is the clash ws-opts block.
type ClashWSOpts struct {
	Path    string            `yaml:"path"`
	Headers map[string]string `yaml:"headers"`
}

// ClashGRPCOpts is the clash grpc-opts block.
type ClashGRPCOpts struct {
	ServiceName string `yaml:"grpc-service-name"`
}

// ClashProxy is one entry of a clash "proxies" list.
type ClashProxy struct {
	Name           string         `yaml:"name"`
	Type           string         `yaml:"type"`
	Server         string         `yaml:"server"`
	Port           int            `yaml:"port"`
	UUID           string         `yaml:"uuid,omitempty"`
	Password       string         `yaml:"password,omitempty"`
	AlterID        *int           `yaml:"alterId,omitempty"`
	Cipher         string         `yaml:"cipher,omitempty"`
	Network        string         `yaml:"network,omitempty"`
	WSOpts         *ClashWSOpts   `yaml:"ws-opts,omitempty"`
	GRPCOpts       *ClashGRPCOpts `yaml:"grpc-opts,omitempty"`
	TLS            bool           `yaml:"tls,omitempty"`
	ServerName     *string        `yaml:"servername,omitempty"`
	SNI            *string        `yaml:"sni,omitempty"`
	SkipCertVerify bool           `yaml:"skip-cert-verify,omitempty"`
}

func clashTransport(p *ClashProxy, d node.Descriptor) {
	switch d.Network() {
	case "ws":
		p.Network = "ws"
		opts := &ClashWSOpts{Path: d.Transport.Path, Headers: map[string]string{}}
		if opts.Path == "" {
			opts.Path = "/"
		}
		if d.Transport.Host != "" {
			opts.Headers["Host"] = d.Transport.Host
		}
		p.WSOpts = opts
	case "grpc":
		p.Network = "grpc"
		p.GRPCOpts = &ClashGRPCOpts{ServiceName: d.Transport.Path}
	}
}

// BuildClashProxy converts a descriptor into a clash proxy entry named after
// the descriptor, or "address:port" when it has no name.
func BuildClashProxy(d node.Descriptor) (ClashProxy, bool) {
	p := ClashProxy{
		Name:   d.DisplayName(),
		Server: d.Address,
		Port:   d.Port,
	}
	switch d.Protocol {
	case node.ProtocolVMess:
		zero := 0
		p.Type = "vmess"
		p.UUID = d.Secret
		p.AlterID = &zero
		p.Cipher = "auto"
		clashTransport(&p, d)
		if d.TLS.Enabled {
			serverName := firstNonEmpty(d.TLS.SNI, d.Transport.Host)
			p.TLS = true
			p.ServerName = &serverName
			p.SkipCertVerify = true
		}
	case node.ProtocolVLESS:
		p.Type = "vless"
		p.UUID = d.Secret
		clashTransport(&p, d)
		if d.TLS.Enabled {
			serverName := d.TLS.SNI
			p.TLS = true
			p.ServerName = &serverName
			p.SkipCertVerify = true
		}
	case node.ProtocolTrojan:
		sni := d.TLS.SNI
		p.Type = "trojan"
		p.Password = d.Secret
		p.SNI = &sni
		p.SkipCertVerify = true
		clashTransport(&p, d)
	case node.ProtocolShadowsocks:
		p.Type = "ss"
		p.Cipher, p.Password = splitSecret(d.Secret)
	default:
		return ClashProxy{}, false
	}
	return p, true
}

type clashGroup struct {
	Name     string   `yaml:"name"`
	Type     string   `yaml:"type"`
	Proxies  []string `yaml:"proxies"`
	URL      string   `yaml:"url,omitempty"`
	Interval int      `yaml:"interval,omitempty"`
}

type clashDNS struct {
	Enable       bool     `yaml:"enable"`
	EnhancedMode string   `yaml:"enhanced-mode"`
	Nameserver   []string `yaml:"nameserver"`
	Fallback     []string `yaml:"fallback"`
}

type clashConfig struct {
	MixedPort          int          `yaml:"mixed-port"`
	AllowLAN           bool         `yaml:"allow-lan"`
	Mode               string       `yaml:"mode"`
	LogLevel           string       `yaml:"log-level"`
	ExternalController string       `yaml:"external-controller"`
	DNS                clashDNS     `yaml:"dns"`
	Proxies            []ClashProxy `yaml:"proxies"`
	ProxyGroups        []clashGroup `yaml:"proxy-groups"`
	Rules              []string     `yaml:"rules"`
}

const (
	clashSelectGroup = "🚀 Proxy"
	clashAutoGroup   = "⚡ Auto"
)

// BuildClashConfig renders a complete clash configuration. Proxy names get
// a "-<index>" suffix so they stay unique.
func BuildClashConfig(ds []node.Descriptor, opts Options) ([]byte, error) {
	proxies := []ClashProxy{}
	names := []string{}
	for i, d := range opts.limit(ds) {
		p, ok := BuildClashProxy(d)
		if !ok {
			continue
		}
		p.Name = p.Name + "-" + strconv.Itoa(i)
		proxies = append(proxies, p)
		names = append(names, p.Name)
	}

	selectProxies := append([]string{clashAutoGroup}, names...)
	selectProxies = append(selectProxies, "DIRECT")

	config := clashConfig{
		MixedPort:          7890,
		Mode:               "rule",
		LogLevel:           "info",
		ExternalController: "127.0.0.1:9090",
		DNS: clashDNS{
			Enable:       true,
			EnhancedMode: "fake-ip",
			Nameserver:   []string{"8.8.8.8", "1.1.1.1"},
			Fallback:     []string{"https://dns.google/dns-query"},
		},
		Proxies: proxies,
		ProxyGroups: []clashGroup{
			{Name: clashSelectGroup, Type: "select", Proxies: selectProxies},
			{Name: clashAutoGroup, Type: "url-test", Proxies: names, URL: URLTestTarget, Interval: 300},
		},
		Rules: []string{
			"GEOIP,CN,DIRECT",
			"MATCH," + clashSelectGroup,
		},
	}
	return yaml.Marshal(config)
}
