// Package chittyid is the thin client for the identity minting authority.
//
// All durable entities are named by identifiers minted upstream; no local
// generation exists anywhere in the codebase. The client batches nothing on
// the mint path (mint results are never cached) but caches successful
// validations briefly, since the authority is a rate-limited central service.
package chittyid

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/chittyos/chittyrouter/internal/model"
)

// Minter mints and validates identifiers. Satisfied by *Client; components
// accept the interface so tests can substitute a stub authority.
type Minter interface {
	Mint(ctx context.Context, entityType model.EntityType, payload map[string]any) (model.ChittyID, error)
	Validate(ctx context.Context, id model.ChittyID) error
}

const validationTTL = 30 * time.Second

// Client talks HTTP to the identity authority.
type Client struct {
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	validations *gocache.Cache
	logger      *slog.Logger
}

// New creates a client for the authority at baseURL.
func New(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL:     baseURL,
		apiKey:      apiKey,
		httpClient:  &http.Client{Timeout: timeout},
		validations: gocache.New(validationTTL, time.Minute),
		logger:      logger,
	}
}

type mintRequest struct {
	EntityType model.EntityType `json:"entity_type"`
	Payload    map[string]any   `json:"payload,omitempty"`
}

type mintResponse struct {
	ChittyID model.ChittyID `json:"chitty_id"`
	Error    string         `json:"error,omitempty"`
}

// Mint requests a new identifier of the given entity type. An ambiguous
// upstream response fails closed: no best-guess identifier is ever returned.
func (c *Client) Mint(ctx context.Context, entityType model.EntityType, payload map[string]any) (model.ChittyID, error) {
	body, err := json.Marshal(mintRequest{EntityType: entityType, Payload: payload})
	if err != nil {
		return "", fmt.Errorf("chittyid: marshal mint request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/mint", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("chittyid: create mint request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("chittyid: mint call: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", fmt.Errorf("chittyid: read mint response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("chittyid: mint status %d: %s", resp.StatusCode, string(raw))
	}

	var mr mintResponse
	if err := json.Unmarshal(raw, &mr); err != nil {
		return "", fmt.Errorf("chittyid: decode mint response: %w", err)
	}
	if mr.Error != "" {
		return "", fmt.Errorf("chittyid: authority rejected mint: %s", mr.Error)
	}
	if err := mr.ChittyID.Validate(); err != nil {
		// The authority returned something shape-invalid; never guess.
		return "", fmt.Errorf("chittyid: authority returned malformed id: %w", err)
	}
	if mr.ChittyID.Type() != entityType {
		return "", fmt.Errorf("chittyid: authority returned type %s, requested %s", mr.ChittyID.Type(), entityType)
	}
	return mr.ChittyID, nil
}

// Validate checks an identifier's shape locally and confirms it with the
// authority. Successful validations are cached for a short interval.
func (c *Client) Validate(ctx context.Context, id model.ChittyID) error {
	if err := id.Validate(); err != nil {
		return err
	}
	if _, ok := c.validations.Get(string(id)); ok {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/validate/"+string(id), nil)
	if err != nil {
		return fmt.Errorf("chittyid: create validate request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("chittyid: validate call: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<12))

	switch resp.StatusCode {
	case http.StatusOK:
		c.validations.SetDefault(string(id), struct{}{})
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("chittyid: unknown identifier %s", id)
	default:
		// Ambiguous answer from the authority: fail closed.
		return fmt.Errorf("chittyid: validate status %d for %s", resp.StatusCode, id)
	}
}
