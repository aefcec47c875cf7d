package wallet

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"weavebox/internal/logging"
	"weavebox/internal/transport"
)

// Bridge implements Connector and transport.Signer over the HTTP API of a
// local wallet bridge. Keys never leave the bridge.
type Bridge struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// BridgeConfig holds configuration for the wallet bridge client.
type BridgeConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
}

type bridgeConnectRequest struct {
	Permissions []Permission `json:"permissions"`
}

type bridgeAddressResponse struct {
	Address string `json:"address"`
}

type bridgeSignRequest struct {
	Data string          `json:"data"`
	Tags []transport.Tag `json:"tags"`
}

type bridgeSignResponse struct {
	DataItem string `json:"dataItem"`
}

// NewBridge creates a wallet bridge client.
func NewBridge(cfg BridgeConfig) (*Bridge, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("bridge URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Bridge{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (b *Bridge) Connect(ctx context.Context, perms []Permission) (string, error) {
	logging.Wallet.Printf("requesting permissions %v", perms)
	var out bridgeAddressResponse
	if err := b.do(ctx, http.MethodPost, "/connect", bridgeConnectRequest{Permissions: perms}, &out); err != nil {
		return "", err
	}
	if out.Address == "" {
		return "", ErrNotConnected
	}
	logging.Wallet.Printf("connected %s", out.Address)
	return out.Address, nil
}

func (b *Bridge) ActiveAddress(ctx context.Context) (string, error) {
	var out bridgeAddressResponse
	if err := b.do(ctx, http.MethodGet, "/address", nil, &out); err != nil {
		return "", err
	}
	if out.Address == "" {
		return "", ErrNotConnected
	}
	return out.Address, nil
}

func (b *Bridge) Disconnect(ctx context.Context) error {
	if err := b.do(ctx, http.MethodPost, "/disconnect", nil, nil); err != nil {
		return err
	}
	logging.Wallet.Println("disconnected")
	return nil
}

// SignDataItem asks the bridge to wrap payload and tags into a signed data item.
func (b *Bridge) SignDataItem(ctx context.Context, payload []byte, tags []transport.Tag) ([]byte, error) {
	req := bridgeSignRequest{
		Data: base64.StdEncoding.EncodeToString(payload),
		Tags: tags,
	}
	var out bridgeSignResponse
	if err := b.do(ctx, http.MethodPost, "/sign", req, &out); err != nil {
		return nil, err
	}
	item, err := base64.StdEncoding.DecodeString(out.DataItem)
	if err != nil {
		return nil, fmt.Errorf("failed to decode data item: %w", err)
	}
	return item, nil
}

func (b *Bridge) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		jsonBody, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusNotFound:
		return ErrNotConnected
	case resp.StatusCode == http.StatusForbidden:
		return ErrRejected
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("bridge returned status %d: %s", resp.StatusCode, string(msg))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
