// Package client is the Go client of a peer's public API, used by the CLI
// and by integration tooling.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Edgardem/PBL-2-redes/cards"
)

// Client talks to one game server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New points a client at a server base URL, e.g. "http://localhost:8000".
func New(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Player is the identity returned by Join.
type Player struct {
	PlayerID string `json:"player_id"`
	Name     string `json:"name"`
	Peer     string `json:"peer"`
}

// TxnOutcome is the client view of a finished transaction.
type TxnOutcome struct {
	TxID   string       `json:"tx_id"`
	Status string       `json:"status"`
	Reason string       `json:"reason,omitempty"`
	Cards  []cards.Card `json:"cards,omitempty"`
}

// Inventory is a player's current card holdings.
type Inventory struct {
	PlayerID string   `json:"player_id"`
	Cards    []string `json:"cards"`
}

// Join registers a player name and returns the minted identity.
func (c *Client) Join(ctx context.Context, name string) (*Player, error) {
	var p Player
	err := c.do(ctx, http.MethodPost, "/player/join", map[string]string{"name": name}, &p)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// OpenPack runs an OPEN_PACK transaction for the player.
func (c *Client) OpenPack(ctx context.Context, playerID, templateID string) (*TxnOutcome, error) {
	body := map[string]string{}
	if templateID != "" {
		body["pack_template_id"] = templateID
	}
	var out TxnOutcome
	err := c.do(ctx, http.MethodPost, "/pack/open/"+playerID, body, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Trade runs a TRADE_CARDS transaction between two players.
func (c *Client) Trade(ctx context.Context, playerA string, cardsAOut []string, playerB string, cardsBOut []string) (*TxnOutcome, error) {
	body := map[string]any{
		"player_a":    playerA,
		"cards_a_out": cardsAOut,
		"player_b":    playerB,
		"cards_b_out": cardsBOut,
	}
	var out TxnOutcome
	err := c.do(ctx, http.MethodPost, "/trade", body, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetInventory fetches a player's holdings.
func (c *Client) GetInventory(ctx context.Context, playerID string) (*Inventory, error) {
	var inv Inventory
	err := c.do(ctx, http.MethodGet, "/inventory/"+playerID, nil, &inv)
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// TxnStatus queries the recorded state of a transaction.
func (c *Client) TxnStatus(ctx context.Context, txID string) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/txn/"+txID, nil, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("reaching %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	// An aborted transaction answers 409 with the same outcome envelope; only
	// real failures become errors.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusConflict {
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(raw))
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decoding %s response: %w", path, err)
		}
	}
	return nil
}
