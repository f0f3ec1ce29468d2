// Package httprender implements renderer.Renderer on top of an out-of-process
// text rendering service reached over HTTP.
//
// The request is a JSON document carrying the normalized image, depth map,
// segmentation map, region areas and labels as {dtype, shape, data} arrays
// (data base64 encoded), plus the number of instances wanted. The service
// answers with {"results": [...]} where every result holds img, charBB,
// wordBB and txt.
package httprender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/menta2k/synthprep/pkg/ndarray"
	"github.com/menta2k/synthprep/pkg/renderer"
	"github.com/menta2k/synthprep/pkg/types"
)

// RenderPath is the endpoint appended to the base URL.
const RenderPath = "/v1/render"

type Client struct {
	baseURL    string
	httpClient *http.Client
	compress   bool
}

var _ renderer.Renderer = (*Client)(nil)

// RenderRequest is the body posted to the service.
type RenderRequest struct {
	Key       string         `json:"key"`
	Image     *ndarray.Array `json:"image"`
	Depth     *ndarray.Array `json:"depth"`
	Seg       *ndarray.Array `json:"seg"`
	Area      *ndarray.Array `json:"area"`
	Label     *ndarray.Array `json:"label"`
	Instances int            `json:"ninstance"`
	Visualize bool           `json:"viz"`
}

// RenderResponse is the body returned by the service.
type RenderResponse struct {
	Results []types.Result `json:"results"`
	Error   string         `json:"error,omitempty"`
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithCompression sends request bodies zstd-encoded.
func WithCompression() Option {
	return func(c *Client) {
		c.compress = true
	}
}

func NewClient(serverURL string, opts ...Option) (*Client, error) {
	if serverURL == "" {
		serverURL = "http://localhost:8500"
	}
	if !strings.HasPrefix(serverURL, "http://") && !strings.HasPrefix(serverURL, "https://") {
		return nil, fmt.Errorf("unsupported renderer URL %q (only http and https are supported)", serverURL)
	}

	c := &Client{
		baseURL: strings.TrimSuffix(serverURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Render posts the input to the service and decodes the result instances.
func (c *Client) Render(ctx context.Context, in types.RenderInput) ([]types.Result, error) {
	req := RenderRequest{
		Key:       in.Key,
		Image:     in.Image,
		Depth:     in.Depth,
		Seg:       in.Seg,
		Area:      in.Area,
		Label:     in.Label,
		Instances: in.Instances,
		Visualize: in.Visualize,
	}

	respBody, err := c.sendRequest(ctx, RenderPath, req)
	if err != nil {
		return nil, fmt.Errorf("render request failed: %w", err)
	}

	var resp RenderResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("renderer error: %s", resp.Error)
	}

	for i, r := range resp.Results {
		for name, a := range map[string]*ndarray.Array{"img": r.Image, "charBB": r.CharBB, "wordBB": r.WordBB} {
			if a == nil {
				continue
			}
			if err := a.Check(); err != nil {
				return nil, fmt.Errorf("result %d %s: %w", i, name, err)
			}
		}
	}
	return resp.Results, nil
}

func (c *Client) sendRequest(ctx context.Context, endpoint string, payload interface{}) ([]byte, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var encoding string
	if c.compress {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		jsonData = enc.EncodeAll(jsonData, nil)
		enc.Close()
		encoding = "zstd"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}

	return body, nil
}
