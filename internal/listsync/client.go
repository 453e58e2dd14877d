package listsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ListItemCollection is the record collection holding list memberships.
const ListItemCollection = "app.bsky.graph.listitem"

const (
	listRecordsPath  = "/xrpc/com.atproto.repo.listRecords"
	createRecordPath = "/xrpc/com.atproto.repo.createRecord"
	deleteRecordPath = "/xrpc/com.atproto.repo.deleteRecord"
)

var (
	// ErrRateLimited marks a 429 response; backfill pauses on it instead of aborting.
	ErrRateLimited = errors.New("listsync: rate limited")

	errMissingSession = errors.New("listsync: session is required")
)

// ListItemRecord is the wire shape of one list membership record.
type ListItemRecord struct {
	Type      string `json:"$type"`
	Subject   string `json:"subject"`
	List      string `json:"list"`
	CreatedAt string `json:"createdAt"`
}

// RecordEnvelope pairs a repo record with its own locator.
type RecordEnvelope struct {
	URI   string         `json:"uri"`
	CID   string         `json:"cid"`
	Value ListItemRecord `json:"value"`
}

// ClientConfig captures the dependencies for constructing a Client.
type ClientConfig struct {
	// Host is the PDS base URL serving the owner's repository.
	Host       string
	Session    *Session
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client issues authenticated record CRUD calls against one repository host.
type Client struct {
	host       string
	session    *Session
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient validates the configuration and returns a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	host := strings.TrimRight(strings.TrimSpace(cfg.Host), "/")
	if host == "" {
		return nil, errMissingHost
	}
	if cfg.Session == nil {
		return nil, errMissingSession
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{host: host, session: cfg.Session, httpClient: httpClient, logger: logger}, nil
}

type listRecordsResponse struct {
	Records []RecordEnvelope `json:"records"`
	Cursor  string           `json:"cursor"`
}

// ListRecords fetches one page of records from repo/collection, returning the
// page and the cursor for the next one ("" when the enumeration is complete).
func (c *Client) ListRecords(ctx context.Context, repo, collection string, limit int, cursor string) ([]RecordEnvelope, string, error) {
	query := url.Values{}
	query.Set("repo", repo)
	query.Set("collection", collection)
	query.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		query.Set("cursor", cursor)
	}

	var page listRecordsResponse
	if err := c.do(ctx, http.MethodGet, listRecordsPath+"?"+query.Encode(), nil, &page); err != nil {
		return nil, "", fmt.Errorf("list records: %w", err)
	}
	return page.Records, page.Cursor, nil
}

// CreateRecord writes a new record into repo/collection.
func (c *Client) CreateRecord(ctx context.Context, repo, collection string, record any) error {
	payload := map[string]any{
		"repo":       repo,
		"collection": collection,
		"record":     record,
	}
	if err := c.do(ctx, http.MethodPost, createRecordPath, payload, nil); err != nil {
		return fmt.Errorf("create record: %w", err)
	}
	return nil
}

// DeleteRecord removes the record at repo/collection/rkey.
func (c *Client) DeleteRecord(ctx context.Context, repo, collection, rkey string) error {
	payload := map[string]any{
		"repo":       repo,
		"collection": collection,
		"rkey":       rkey,
	}
	if err := c.do(ctx, http.MethodPost, deleteRecordPath, payload, nil); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.host+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	token, err := c.session.AccessToken(ctx)
	if err != nil {
		return fmt.Errorf("acquire access token: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+token)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusTooManyRequests {
		return ErrRateLimited
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(response.Body, 512))
		return fmt.Errorf("pds returned status %d: %s", response.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if out != nil {
		if err := json.NewDecoder(response.Body).Decode(out); err != nil {
			return err
		}
	}
	return nil
}
