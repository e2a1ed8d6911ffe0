package cms

import (
	"bytes"
	"fmt"
	"io"
	"net/http"

	"github.com/digitorus/timestamp"

	"github.com/corewall/machosign/pkg/digest"
)

// RFC3161Client requests a timestamp token from a TSA over HTTP, per
// RFC 3161. It satisfies pkg/codesign.TimestampClient.
type RFC3161Client struct {
	URL        string
	HTTPClient *http.Client
}

func (c *RFC3161Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// Timestamp requests a token over signature's hash under hashAlg,
// returning the DER-encoded TimeStampToken.
func (c *RFC3161Client) Timestamp(signature []byte, hashAlg digest.Algorithm) ([]byte, error) {
	hash, err := hashAlgorithmFor(hashAlg)
	if err != nil {
		return nil, err
	}

	reqBytes, err := timestamp.CreateRequest(bytes.NewReader(signature), &timestamp.RequestOptions{
		Hash:         hash,
		Certificates: true,
	})
	if err != nil {
		return nil, fmt.Errorf("cms: building timestamp request: %w", err)
	}

	resp, err := c.httpClient().Post(c.URL, "application/timestamp-query", bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("cms: requesting timestamp from %s: %w", c.URL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("cms: reading timestamp response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cms: timestamp authority %s returned %s", c.URL, resp.Status)
	}

	ts, err := timestamp.ParseResponse(body)
	if err != nil {
		return nil, fmt.Errorf("cms: parsing timestamp response: %w", err)
	}
	return ts.RawToken, nil
}
