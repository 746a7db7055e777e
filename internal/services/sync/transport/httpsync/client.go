package httpsync

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/lcmota/fieldsync/internal/services/sync/domain/event"
	"github.com/lcmota/fieldsync/internal/services/sync/masterdata"
	"github.com/lcmota/fieldsync/internal/services/sync/storage"
)

const tokenTTL = time.Hour

// tokenRenewMargin forces a refresh before the token actually expires.
const tokenRenewMargin = 5 * time.Minute

// Client is the agent side of the sync API. It implements the replicator
// transport and the master-data source.
type Client struct {
	baseURL string
	agentID string
	secret  []byte
	httpc   *http.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// ClientOption adjusts client behavior.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(httpc *http.Client) ClientOption {
	return func(c *Client) {
		if httpc != nil {
			c.httpc = httpc
		}
	}
}

// NewClient creates a sync client for one agent. The secret must match the
// hub's verification secret.
func NewClient(baseURL, agentID string, secret []byte, opts ...ClientOption) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("shared secret is required")
	}
	c := &Client{
		baseURL: baseURL,
		agentID: agentID,
		secret:  secret,
		httpc:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// PushEvents implements the replicator transport.
func (c *Client) PushEvents(ctx context.Context, events []storage.EventRecord) ([]string, error) {
	req := pushRequest{ProtocolVersion: event.ProtocolVersion}
	req.Events = make([]wireEvent, 0, len(events))
	for _, rec := range events {
		req.Events = append(req.Events, toWireEvent(rec))
	}
	var resp pushResponse
	if err := c.call(ctx, "/v1/sync/push", req, &resp); err != nil {
		return nil, err
	}
	return resp.AckedIDs, nil
}

// PullEvents implements the replicator transport.
func (c *Client) PullEvents(ctx context.Context, limit int) ([]storage.EventRecord, error) {
	req := pullRequest{ProtocolVersion: event.ProtocolVersion, Limit: limit}
	var resp pullResponse
	if err := c.call(ctx, "/v1/sync/pull", req, &resp); err != nil {
		return nil, err
	}
	recs := make([]storage.EventRecord, 0, len(resp.Events))
	for _, evt := range resp.Events {
		recs = append(recs, fromWireEvent(evt))
	}
	return recs, nil
}

// AckEvents implements the replicator transport.
func (c *Client) AckEvents(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	req := ackRequest{ProtocolVersion: event.ProtocolVersion, EventIDs: ids}
	return c.call(ctx, "/v1/sync/ack", req, &struct{}{})
}

// PullAcks implements the replicator transport.
func (c *Client) PullAcks(ctx context.Context) ([]storage.AckRecord, error) {
	req := acksRequest{ProtocolVersion: event.ProtocolVersion}
	var resp acksResponse
	if err := c.call(ctx, "/v1/sync/acks", req, &resp); err != nil {
		return nil, err
	}
	acks := make([]storage.AckRecord, 0, len(resp.Acks))
	for _, ack := range resp.Acks {
		acks = append(acks, storage.AckRecord{EventID: ack.EventID, SendTo: ack.SendTo})
	}
	return acks, nil
}

// FetchMasterData implements the master-data source.
func (c *Client) FetchMasterData(ctx context.Context, offset int64, hasOffset bool) (masterdata.Batch, error) {
	req := masterDataPullRequest{
		ProtocolVersion: event.ProtocolVersion,
		Offset:          offset,
		HasOffset:       hasOffset,
	}
	var resp masterDataPullResponse
	if err := c.call(ctx, "/v1/masterdata/pull", req, &resp); err != nil {
		return masterdata.Batch{}, err
	}
	batch := masterdata.Batch{NextOffset: resp.NextOffset}
	if resp.Snapshot != nil {
		snapshot := fromWireMasterData(*resp.Snapshot)
		batch.Snapshot = &snapshot
	}
	batch.Records = make([]storage.MasterDataRecord, 0, len(resp.Records))
	for _, rec := range resp.Records {
		batch.Records = append(batch.Records, fromWireMasterData(rec))
	}
	return batch, nil
}

// ReportMasterDataOffset implements the master-data source.
func (c *Client) ReportMasterDataOffset(ctx context.Context, offset int64) error {
	req := masterDataOffsetRequest{ProtocolVersion: event.ProtocolVersion, Offset: offset}
	return c.call(ctx, "/v1/masterdata/offset", req, &struct{}{})
}

// call posts one msgpack request and decodes the response into out.
func (c *Client) call(ctx context.Context, path string, body, out any) error {
	encoded, err := msgpack.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	token, err := c.bearer()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr errorResponse
		if decErr := msgpack.NewDecoder(resp.Body).Decode(&apiErr); decErr == nil && apiErr.Error != "" {
			return fmt.Errorf("call %s: %s (status %d)", path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("call %s: unexpected status %d", path, resp.StatusCode)
	}
	if err := msgpack.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", path, err)
	}
	return nil
}

// bearer returns a valid token, minting a fresh one near expiry.
func (c *Client) bearer() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Until(c.tokenExpiry) > tokenRenewMargin {
		return c.token, nil
	}
	token, err := SignToken(c.secret, c.agentID, tokenTTL)
	if err != nil {
		return "", fmt.Errorf("mint token: %w", err)
	}
	c.token = token
	c.tokenExpiry = time.Now().Add(tokenTTL)
	return token, nil
}
