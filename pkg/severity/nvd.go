package severity

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

// DefaultNVDURL is the NVD CVE API 2.0 endpoint.
const DefaultNVDURL = "https://services.nvd.nist.gov/rest/json/cves/2.0"

// scorePaths are tried in order; newer CVSS versions win.
var scorePaths = []string{
	"vulnerabilities.0.cve.metrics.cvssMetricV31.0.cvssData.baseScore",
	"vulnerabilities.0.cve.metrics.cvssMetricV30.0.cvssData.baseScore",
	"vulnerabilities.0.cve.metrics.cvssMetricV2.0.cvssData.baseScore",
}

// NVDClient fetches CVSS base scores from the NVD catalogue.
type NVDClient struct {
	baseURL string
	apiKey  string
	client  *retryablehttp.Client
}

// NVDOption configures an NVDClient.
type NVDOption func(*NVDClient)

// WithBaseURL points the client at another endpoint, e.g. a mirror.
func WithBaseURL(baseURL string) NVDOption {
	return func(c *NVDClient) { c.baseURL = baseURL }
}

// WithAPIKey sets the NVD API key header.
func WithAPIKey(key string) NVDOption {
	return func(c *NVDClient) { c.apiKey = key }
}

// WithRetries sets how often a failed request is retried.
func WithRetries(n int) NVDOption {
	return func(c *NVDClient) { c.client.RetryMax = n }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) NVDOption {
	return func(c *NVDClient) { c.client.HTTPClient.Timeout = d }
}

// NewNVDClient creates a client for the NVD CVE API.
func NewNVDClient(opts ...NVDOption) *NVDClient {
	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryMax = 3
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.HTTPClient.Timeout = 30 * time.Second

	c := &NVDClient{baseURL: DefaultNVDURL, client: client}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Severity implements Source.
func (c *NVDClient) Severity(ctx context.Context, vulnID string) (float64, error) {
	endpoint := fmt.Sprintf("%s?cveId=%s", c.baseURL, url.QueryEscape(vulnID))

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, errors.Wrap(err, "build NVD request")
	}
	if c.apiKey != "" {
		req.Header.Set("apiKey", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, errors.Wrapf(err, "fetch %s", vulnID)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("fetch %s: unexpected status %s", vulnID, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, errors.Wrapf(err, "read %s", vulnID)
	}

	return ParseNVDScore(body, vulnID)
}

// ParseNVDScore extracts the newest CVSS base score from an NVD API response.
func ParseNVDScore(body []byte, vulnID string) (float64, error) {
	if !gjson.ValidBytes(body) {
		return 0, errors.Errorf("%s: invalid NVD response", vulnID)
	}
	if gjson.GetBytes(body, "totalResults").Int() == 0 {
		return 0, errors.Wrap(ErrNotFound, vulnID)
	}
	for _, path := range scorePaths {
		if score := gjson.GetBytes(body, path); score.Exists() {
			return score.Float(), nil
		}
	}
	return 0, errors.Wrapf(ErrNotFound, "%s has no CVSS metrics", vulnID)
}
