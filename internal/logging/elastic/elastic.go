package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/valyala/fastjson"

	"github.com/Chichichkin/ElasticLoggingAgent/internal/logging"
)

// maxReasons caps the per-document failure reasons kept in a BulkResult.
const maxReasons = 5

const bulkFilterPath = "errors,items.*.status,items.*.error.type,items.*.error.reason"

type Options struct {
	URL      string
	APIKey   string
	Compress bool
	// Timeout bounds every request. It is the only deadline a bulk
	// submission gets.
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client talks to the Elasticsearch REST API. Basic auth credentials are
// taken from the URL user info.
type Client struct {
	baseURL    *url.URL
	apiKey     string
	compress   bool
	httpClient *http.Client
	parsers    fastjson.ParserPool
	closeOnce  sync.Once
}

type bulkMeta struct {
	Index string `json:"_index"`
}

func NewClient(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, logging.ErrNoDestination
	}
	u, err := url.Parse(strings.TrimRight(opts.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid destination: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid destination scheme %q", u.Scheme)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = logging.DefaultRequestTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:    u,
		apiKey:     opts.APIKey,
		compress:   opts.Compress,
		httpClient: httpClient,
	}, nil
}

// Destination returns the base URL with any password redacted.
func (c *Client) Destination() string { return c.baseURL.Redacted() }

// Probe checks the cluster answers its root endpoint.
func (c *Client) Probe(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/", nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", c.Destination(), err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("elasticsearch returned status %d", resp.StatusCode)
	}
	return nil
}

// Submit sends actions in a single _bulk request. It never retries.
func (c *Client) Submit(ctx context.Context, actions []logging.Action) (logging.BulkResult, error) {
	if len(actions) == 0 {
		return logging.BulkResult{}, nil
	}

	body, err := c.encodeBulk(actions)
	if err != nil {
		return logging.BulkResult{}, err
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/_bulk?filter_path="+url.QueryEscape(bulkFilterPath), body)
	if err != nil {
		return logging.BulkResult{}, err
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	if c.compress {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return logging.BulkResult{}, fmt.Errorf("failed to send bulk request: %w", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return logging.BulkResult{}, fmt.Errorf("failed to read bulk response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return logging.BulkResult{}, fmt.Errorf("elasticsearch returned status %d: %s", resp.StatusCode, truncate(responseBody, 512))
	}

	return c.parseBulkResponse(responseBody, len(actions))
}

// Close drops idle connections. It is safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(c.httpClient.CloseIdleConnections)
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "ApiKey "+c.apiKey)
	}
	return req, nil
}

func (c *Client) encodeBulk(actions []logging.Action) (*bytes.Buffer, error) {
	var raw bytes.Buffer
	for _, action := range actions {
		op := action.OpType
		if op == "" {
			op = "index"
		}
		meta, err := json.Marshal(map[string]bulkMeta{op: {Index: action.Index}})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal bulk metadata: %w", err)
		}
		raw.Write(meta)
		raw.WriteByte('\n')
		raw.Write(action.Source)
		raw.WriteByte('\n')
	}

	if !c.compress {
		return &raw, nil
	}

	var compressed bytes.Buffer
	zw := gzip.NewWriter(&compressed)
	if _, err := zw.Write(raw.Bytes()); err != nil {
		return nil, fmt.Errorf("failed to compress bulk body: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress bulk body: %w", err)
	}
	return &compressed, nil
}

func (c *Client) parseBulkResponse(body []byte, total int) (logging.BulkResult, error) {
	parser := c.parsers.Get()
	defer c.parsers.Put(parser)

	v, err := parser.ParseBytes(body)
	if err != nil {
		return logging.BulkResult{}, fmt.Errorf("failed to parse bulk response: %w", err)
	}

	if !v.GetBool("errors") {
		return logging.BulkResult{Succeeded: total}, nil
	}

	result := logging.BulkResult{}
	for _, item := range v.GetArray("items") {
		obj, err := item.Object()
		if err != nil {
			continue
		}
		obj.Visit(func(_ []byte, op *fastjson.Value) {
			if op.GetInt("status") < 300 {
				result.Succeeded++
				return
			}
			result.Failed++
			if len(result.Errors) < maxReasons {
				reason := string(op.GetStringBytes("error", "reason"))
				if errType := op.GetStringBytes("error", "type"); len(errType) > 0 {
					reason = string(errType) + ": " + reason
				}
				result.Errors = append(result.Errors, reason)
			}
		})
	}

	// Items the response did not account for are counted as lost.
	if missing := total - result.Succeeded - result.Failed; missing > 0 {
		result.Failed += missing
	}
	return result, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
