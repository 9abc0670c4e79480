// Package node provides the canonical proxy descriptor model shared by the
// decoders, the dedup pool, the prober and the encoders.
package node

import (
	"net"
	"strconv"
)

// Protocol names the wire protocol of a descriptor.
type Protocol string

const (
	ProtocolVMess        Protocol = "vmess"
	ProtocolVLESS        Protocol = "vless"
	ProtocolTrojan       Protocol = "trojan"
	ProtocolShadowsocks  Protocol = "ss"
	ProtocolShadowsocksR Protocol = "ssr"
)

// Valid reports whether p is one of the supported protocols.
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolVMess, ProtocolVLESS, ProtocolTrojan, ProtocolShadowsocks, ProtocolShadowsocksR:
		return true
	}
	return false
}

// DefaultPriority is applied to descriptors from sources that declare none.
const DefaultPriority = 99

// DefaultNetwork is the transport used when a descriptor does not name one.
const DefaultNetwork = "tcp"

// Transport describes the stream transport layered under the protocol.
type Transport struct {
	Network string `json:"network"`
	Path    string `json:"path,omitempty"`
	Host    string `json:"host,omitempty"`
}

// TLS describes the TLS wrapping of a descriptor.
type TLS struct {
	Enabled bool   `json:"enabled"`
	SNI     string `json:"sni,omitempty"`
}

// Descriptor is one proxy endpoint normalized from any supported encoding.
// Descriptors are values: stages copy them and never mutate a shared one.
type Descriptor struct {
	Protocol  Protocol  `json:"protocol"`
	Address   string    `json:"address"`
	Port      int       `json:"port"`
	Secret    string    `json:"secret"`
	Name      string    `json:"name,omitempty"`
	Transport Transport `json:"transport"`
	TLS       TLS       `json:"tls"`
	Source    string    `json:"source,omitempty"`
	Priority  int       `json:"priority"`
}

// Network returns the transport network, defaulting to tcp.
func (d Descriptor) Network() string {
	if d.Transport.Network == "" {
		return DefaultNetwork
	}
	return d.Transport.Network
}

// Endpoint returns the "address:port" form used for dialing and default names.
func (d Descriptor) Endpoint() string {
	return net.JoinHostPort(d.Address, strconv.Itoa(d.Port))
}

// HasEndpoint reports whether the descriptor carries a usable address and port.
func (d Descriptor) HasEndpoint() bool {
	return d.Address != "" && d.Port > 0 && d.Port <= 65535
}

// DisplayName returns Name, or "address:port" when the name is empty.
func (d Descriptor) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.Address + ":" + strconv.Itoa(d.Port)
}

// Fingerprint returns the identity of the descriptor.
func (d Descriptor) Fingerprint() Fingerprint {
	return FingerprintOf(d.Protocol, d.Address, d.Port, d.Secret)
}
