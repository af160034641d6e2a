// Package transport carries the three 2PC phases between peers as
// synchronous HTTP/JSON request/response calls. Deadlines come from the
// caller's context; duplicate requests are answered from the receiver's
// phase cache.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Edgardem/PBL-2-redes/txn"
)

const (
	pathPrepare = "/twopc/prepare"
	pathDecide  = "/twopc/decide"
	pathStatus  = "/twopc/status"
)

// Client is the outbound half of the peer transport.
type Client struct {
	httpClient *http.Client
}

// NewClient builds a transport client. The per-call deadline always comes
// from the context; the transport-level timeout is only a backstop.
func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Prepare sends the voting-phase request to addr.
func (c *Client) Prepare(ctx context.Context, addr string, req *txn.PrepareRequest) (*txn.VoteResponse, error) {
	var resp txn.VoteResponse
	if err := c.post(ctx, addr, pathPrepare, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Decide sends the decision-phase request to addr.
func (c *Client) Decide(ctx context.Context, addr string, req *txn.DecideRequest) (*txn.AckResponse, error) {
	var resp txn.AckResponse
	if err := c.post(ctx, addr, pathDecide, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status queries addr's view of a transaction.
func (c *Client) Status(ctx context.Context, addr string, req *txn.StatusRequest) (*txn.StatusResponse, error) {
	var resp txn.StatusResponse
	if err := c.post(ctx, addr, pathStatus, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) post(ctx context.Context, addr, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", path, err)
	}

	url := "http://" + addr + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", txn.ErrPeerUnavailable, addr, err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: reading %s response: %v", txn.ErrPeerUnavailable, addr, err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s answered %s %d: %s",
			txn.ErrPeerUnavailable, addr, path, httpResp.StatusCode, bytes.TrimSpace(raw))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding %s response from %s: %w", path, addr, err)
	}
	return nil
}
