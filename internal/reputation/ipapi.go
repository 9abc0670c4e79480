package reputation

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
	"gopkg.in/resty.v1"
)

// DefaultIPAPIURL is the free ip-api.com JSON endpoint.
const DefaultIPAPIURL = "http://ip-api.com/json"

const ipAPIFields = "status,message,countryCode,org,as,hosting"

// Lookuper fetches reputation data for one IP.
type Lookuper interface {
	Lookup(ctx context.Context, ip string) (LookupResult, error)
}

// IPAPIClient queries ip-api.com.
type IPAPIClient struct {
	baseURL string
	client  *resty.Client
	limiter *rate.Limiter
}

// IPAPIConfig configures an IPAPIClient.
type IPAPIConfig struct {
	BaseURL string
	Timeout time.Duration
	// RequestsPerMinute throttles lookups; zero disables throttling.
	RequestsPerMinute int
}

// NewIPAPIClient creates an ip-api client.
func NewIPAPIClient(cfg IPAPIConfig) *IPAPIClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultIPAPIURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	c := &IPAPIClient{
		baseURL: cfg.BaseURL,
		client:  resty.New().SetTimeout(cfg.Timeout),
	}
	if cfg.RequestsPerMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
	}
	return c
}

// Lookup queries the reputation of ip. Any non-success answer is an error.
func (c *IPAPIClient) Lookup(ctx context.Context, ip string) (LookupResult, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return LookupResult{}, errors.Wrap(err, "ip-api rate limit wait")
		}
	}

	url := fmt.Sprintf("%s/%s", c.baseURL, ip)
	logrus.WithFields(logrus.Fields{"component": "reputation", "url": url}).Debug("lookup")

	r, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("fields", ipAPIFields).
		Get(url)
	if err != nil {
		return LookupResult{}, errors.Wrap(err, "ip-api request error")
	}
	if r.StatusCode() != http.StatusOK {
		return LookupResult{}, errors.Errorf("ip-api status: %d body: %s", r.StatusCode(), string(r.Body()))
	}

	response := string(r.Body())
	if !gjson.Valid(response) {
		return LookupResult{}, errors.New("ip-api returned invalid json")
	}
	if gjson.Get(response, "status").String() != "success" {
		return LookupResult{}, errors.Errorf("ip-api lookup %s failed: %s", ip, gjson.Get(response, "message").String())
	}
	return LookupResult{
		CountryCode: gjson.Get(response, "countryCode").String(),
		ASN:         ParseASN(gjson.Get(response, "as").String()),
		Org:         gjson.Get(response, "org").String(),
		IsHosting:   gjson.Get(response, "hosting").Bool(),
	}, nil
}
