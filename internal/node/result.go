package node

// LatencyUnknown is the latency sentinel for probes that never connected.
const LatencyUnknown = 9999

// ErrorKind classifies the stage at which a probe failed.
type ErrorKind string

const (
	ErrNone              ErrorKind = ""
	ErrDNSFailure        ErrorKind = "DNS_FAILURE"
	ErrTCPFailure        ErrorKind = "TCP_FAILURE"
	ErrTLSFailure        ErrorKind = "TLS_FAILURE"
	ErrReputationFailure ErrorKind = "REPUTATION_FAILURE"
	ErrInvalidEndpoint   ErrorKind = "INVALID_ENDPOINT"
)

// IPMetadata is the reputation record for one resolved IP.
type IPMetadata struct {
	IP           string `json:"ip"`
	CountryCode  string `json:"country_code"`
	ASN          int    `json:"asn"`
	Org          string `json:"org,omitempty"`
	IsDatacenter bool   `json:"is_datacenter"`
	TrustScore   int    `json:"trust_score"`
}

// NeutralTrustScore is assigned when the reputation of an IP is unknown.
const NeutralTrustScore = 50

// NeutralMetadata returns the record used when a reputation lookup fails.
func NeutralMetadata(ip string) IPMetadata {
	return IPMetadata{IP: ip, TrustScore: NeutralTrustScore}
}

// TestResult is the outcome of probing one descriptor during one run.
type TestResult struct {
	Fingerprint    Fingerprint `json:"fingerprint"`
	TCPReachable   bool        `json:"tcp_reachable"`
	TLSHandshakeOK bool        `json:"tls_handshake_ok"`
	LatencyMs      int         `json:"latency_ms"`
	IP             string      `json:"ip,omitempty"`
	IPMetadata     *IPMetadata `json:"ip_metadata,omitempty"`
	TrustScore     int         `json:"trust_score"`
	Acceptable     bool        `json:"acceptable"`
	ErrorKind      ErrorKind   `json:"error_kind,omitempty"`
}

// CountryCode returns the resolved country, or "" when no metadata is attached.
func (r TestResult) CountryCode() string {
	if r.IPMetadata == nil {
		return ""
	}
	return r.IPMetadata.CountryCode
}
