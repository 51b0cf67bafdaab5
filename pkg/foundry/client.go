package foundry

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"time"
)

// DefaultBranch is used when a dataset alias does not name a branch.
const DefaultBranch = "master"

// Client calls the Foundry dataset v2 endpoints needed to read the row source and publish bucketed output.
type Client struct {
	apiBaseURL *url.URL
	token      string
	http       *http.Client
}

// NewClient constructs a client for the API gateway base URL, e.g. "https://<stack>.palantirfoundry.com/api".
//
// defaultCAPath is optional and, when provided, replaces the system trust store for TLS.
func NewClient(apiGatewayURL, token, defaultCAPath string) (*Client, error) {
	apiBase, err := parseBaseURL(apiGatewayURL, "api gateway")
	if err != nil {
		return nil, err
	}
	hc, err := newHTTPClient(defaultCAPath)
	if err != nil {
		return nil, err
	}
	return &Client{
		apiBaseURL: apiBase,
		token:      strings.TrimSpace(token),
		http:       hc,
	}, nil
}

func parseBaseURL(raw string, name string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%s base URL is required", name)
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse %s base URL: %w", name, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%s base URL must include a host (got %q)", name, raw)
	}
	// Trailing slash so ResolveReference keeps the base path.
	u.Path = strings.TrimRight(u.Path, "/") + "/"
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

func newHTTPClient(defaultCAPath string) (*http.Client, error) {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if p := strings.TrimSpace(defaultCAPath); p != "" {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read DEFAULT_CA_PATH file: %w", err)
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(b); !ok {
			return nil, fmt.Errorf("parse DEFAULT_CA_PATH PEM: no certs found")
		}
		tr.TLSClientConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	}
	return &http.Client{
		Transport: tr,
		Timeout:   60 * time.Second,
	}, nil
}

type request struct {
	op          string
	method      string
	url         *url.URL
	body        []byte
	contentType string
	accept      string
}

// do sends an authenticated request and returns the response body. Non-2xx responses become *HTTPError.
func (c *Client) do(ctx context.Context, r request) ([]byte, error) {
	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, r.url.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}
	if r.accept != "" {
		req.Header.Set("Accept", r.accept)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, newHTTPError(r.op, resp, b)
	}
	return b, nil
}

type branchResponse struct {
	Name           string `json:"name"`
	TransactionRID string `json:"transactionRid"`
}

// GetBranchTransactionRID returns the branch's latest OPEN or COMMITTED transaction, or "" for an empty branch.
// It pins readTable to one snapshot.
func (c *Client) GetBranchTransactionRID(ctx context.Context, datasetRID, branch string) (string, error) {
	datasetRID = strings.TrimSpace(datasetRID)
	if datasetRID == "" {
		return "", fmt.Errorf("dataset rid is required")
	}
	branch = branchOrDefault(branch)

	b, err := c.do(ctx, request{
		op:     "getBranch",
		method: http.MethodGet,
		url:    c.resolveAPI(fmt.Sprintf("v2/datasets/%s/branches/%s", url.PathEscape(datasetRID), url.PathEscape(branch))),
		accept: "application/json",
	})
	if err != nil {
		return "", err
	}
	var out branchResponse
	if err := json.Unmarshal(b, &out); err != nil {
		return "", fmt.Errorf("parse get branch response: %w", err)
	}
	return strings.TrimSpace(out.TransactionRID), nil
}

// ReadTableCSV reads the dataset as CSV bytes, pinned to the branch's latest transaction.
func (c *Client) ReadTableCSV(ctx context.Context, datasetRID, branch string) ([]byte, error) {
	branch = branchOrDefault(branch)
	txnRID, err := c.GetBranchTransactionRID(ctx, datasetRID, branch)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("branchName", branch)
	if txnRID != "" {
		q.Set("startTransactionRid", txnRID)
		q.Set("endTransactionRid", txnRID)
	}
	q.Set("format", "CSV")
	u := c.resolveAPI(fmt.Sprintf("v2/datasets/%s/readTable", url.PathEscape(datasetRID)))
	u.RawQuery = q.Encode()

	return c.do(ctx, request{op: "readTable", method: http.MethodGet, url: u, accept: "text/csv"})
}

type createTxnRequest struct {
	TransactionType string `json:"transactionType"`
}

type createTxnResponse struct {
	RID string `json:"rid"`
}

// CreateTransaction opens a SNAPSHOT transaction on the branch and returns its RID.
func (c *Client) CreateTransaction(ctx context.Context, datasetRID, branch string) (string, error) {
	body, err := json.Marshal(createTxnRequest{TransactionType: "SNAPSHOT"})
	if err != nil {
		return "", err
	}
	u := c.resolveAPI(fmt.Sprintf("v2/datasets/%s/transactions", url.PathEscape(datasetRID)))
	q := url.Values{}
	q.Set("branchName", branchOrDefault(branch))
	u.RawQuery = q.Encode()

	rb, err := c.do(ctx, request{
		op:          "createTransaction",
		method:      http.MethodPost,
		url:         u,
		body:        body,
		contentType: "application/json",
		accept:      "application/json",
	})
	if err != nil {
		return "", err
	}
	var out createTxnResponse
	if err := json.Unmarshal(rb, &out); err != nil {
		return "", fmt.Errorf("parse create transaction response: %w", err)
	}
	rid := strings.TrimSpace(out.RID)
	if rid == "" {
		return "", fmt.Errorf("create transaction response missing rid")
	}
	return rid, nil
}

type Transaction struct {
	TransactionType string  `json:"transactionType"`
	CreatedTime     string  `json:"createdTime"`
	RID             string  `json:"rid"`
	ClosedTime      *string `json:"closedTime,omitempty"`
	Status          string  `json:"status"`
}

type listTxnsResponse struct {
	Data          []Transaction `json:"data"`
	NextPageToken string        `json:"nextPageToken"`
}

// ListTransactions lists a dataset's transactions, newest first. The endpoint is preview-only.
func (c *Client) ListTransactions(ctx context.Context, datasetRID string, pageSize int, pageToken string) ([]Transaction, string, error) {
	u := c.resolveAPI(fmt.Sprintf("v2/datasets/%s/transactions", url.PathEscape(datasetRID)))
	q := url.Values{}
	q.Set("preview", "true")
	if pageSize > 0 {
		q.Set("pageSize", strconv.Itoa(pageSize))
	}
	if t := strings.TrimSpace(pageToken); t != "" {
		q.Set("pageToken", t)
	}
	u.RawQuery = q.Encode()

	rb, err := c.do(ctx, request{op: "listTransactions", method: http.MethodGet, url: u, accept: "application/json"})
	if err != nil {
		return nil, "", err
	}
	var out listTxnsResponse
	if err := json.Unmarshal(rb, &out); err != nil {
		return nil, "", fmt.Errorf("parse list transactions response: %w", err)
	}
	return out.Data, strings.TrimSpace(out.NextPageToken), nil
}

// FindLatestOpenTransaction returns the newest OPEN transaction, scanning at most five pages.
func (c *Client) FindLatestOpenTransaction(ctx context.Context, datasetRID string) (string, bool, error) {
	pageToken := ""
	for range 5 {
		txns, next, err := c.ListTransactions(ctx, datasetRID, 100, pageToken)
		if err != nil {
			return "", false, err
		}
		for _, t := range txns {
			if strings.EqualFold(strings.TrimSpace(t.Status), "OPEN") && strings.TrimSpace(t.RID) != "" {
				return strings.TrimSpace(t.RID), true, nil
			}
		}
		if next == "" {
			break
		}
		pageToken = next
	}
	return "", false, nil
}

// UploadFile writes b to filePath inside the transaction.
func (c *Client) UploadFile(ctx context.Context, datasetRID, txnRID, filePath, contentType string, b []byte) error {
	u := c.resolveAPI(fmt.Sprintf("v2/datasets/%s/files/%s/upload", url.PathEscape(datasetRID), escapeURLPath(filePath)))
	q := url.Values{}
	if t := strings.TrimSpace(txnRID); t != "" {
		q.Set("transactionRid", t)
	}
	u.RawQuery = q.Encode()

	if b == nil {
		b = []byte{}
	}
	_, err := c.do(ctx, request{op: "uploadFile", method: http.MethodPost, url: u, body: b, contentType: contentType})
	return err
}

// CommitTransaction commits an open transaction.
func (c *Client) CommitTransaction(ctx context.Context, datasetRID, txnRID string) error {
	_, err := c.do(ctx, request{
		op:     "commitTransaction",
		method: http.MethodPost,
		url: c.resolveAPI(fmt.Sprintf(
			"v2/datasets/%s/transactions/%s/commit",
			url.PathEscape(datasetRID),
			url.PathEscape(txnRID),
		)),
		accept: "application/json",
	})
	return err
}

func (c *Client) resolveAPI(relPath string) *url.URL {
	rel := &url.URL{Path: strings.TrimPrefix(relPath, "/")}
	return c.apiBaseURL.ResolveReference(rel)
}

func branchOrDefault(branch string) string {
	if b := strings.TrimSpace(branch); b != "" {
		return b
	}
	return DefaultBranch
}

// escapeURLPath escapes each segment and keeps "/" separators.
func escapeURLPath(p string) string {
	cleaned := strings.TrimPrefix(path.Clean("/"+p), "/")
	if cleaned == "" {
		return ""
	}
	parts := strings.Split(cleaned, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
