package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"weavebox/internal/logging"
)

const (
	DefaultGatewayURL = "https://arweave.net"

	// GatewayPageSize is the number of transactions requested per page.
	GatewayPageSize = 100
)

// ErrGateway wraps every failure of a gateway query.
var ErrGateway = errors.New("gateway query failed")

const transactionsQuery = `query($owner: [String!]!, $version: [String!]!, $first: Int, $after: String) {
  transactions(
    first: $first
    after: $after
    tags: [
      { name: "Wallet-Address", values: $owner }
      { name: "Version", values: $version }
    ]
  ) {
    edges {
      cursor
      node {
        id
        tags { name value }
      }
    }
    pageInfo { hasNextPage }
  }
}`

// GatewayConfig holds configuration for the gateway client.
type GatewayConfig struct {
	URL     string
	Timeout time.Duration
}

// Gateway lists the transactions a wallet has uploaded, through the
// gateway's GraphQL endpoint.
type Gateway struct {
	baseURL    string
	httpClient *http.Client
}

// Transaction is one uploaded item as seen by the gateway.
type Transaction struct {
	ID          string `json:"id"`
	ContentType string `json:"contentType"`
	Extension   string `json:"fileExtension,omitempty"`
	URL         string `json:"url"`
	Tags        []Tag  `json:"tags"`
}

// TransactionPage is one page of a wallet's transactions. Cursor resumes
// after the last transaction of the page.
type TransactionPage struct {
	Transactions []Transaction `json:"transactions"`
	Cursor       string        `json:"cursor,omitempty"`
	HasNextPage  bool          `json:"hasNextPage"`
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphQLResponse struct {
	Data struct {
		Transactions struct {
			Edges []struct {
				Cursor string `json:"cursor"`
				Node   struct {
					ID   string `json:"id"`
					Tags []Tag  `json:"tags"`
				} `json:"node"`
			} `json:"edges"`
			PageInfo struct {
				HasNextPage bool `json:"hasNextPage"`
			} `json:"pageInfo"`
		} `json:"transactions"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// NewGateway creates a gateway client.
func NewGateway(cfg GatewayConfig) *Gateway {
	if cfg.URL == "" {
		cfg.URL = DefaultGatewayURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Gateway{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// ListTransactions returns one page of the items walletAddress uploaded in
// the current format, starting after cursor. An empty cursor starts at the
// first page.
func (g *Gateway) ListTransactions(ctx context.Context, walletAddress, cursor string) (*TransactionPage, error) {
	if walletAddress == "" {
		return nil, fmt.Errorf("%w: wallet address is required", ErrGateway)
	}

	vars := map[string]any{
		"owner":   []string{walletAddress},
		"version": []string{FormatVersion},
		"first":   GatewayPageSize,
	}
	if cursor != "" {
		vars["after"] = cursor
	}
	body, err := json.Marshal(graphQLRequest{Query: transactionsQuery, Variables: vars})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGateway, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/graphql", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGateway, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: graphql request: %w", ErrGateway, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%w: graphql returned status %d: %s", ErrGateway, resp.StatusCode, string(msg))
	}

	var out graphQLResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: failed to decode response: %w", ErrGateway, err)
	}
	if len(out.Errors) > 0 {
		logging.Gateway.Printf("graphql error for %s: %s", walletAddress, out.Errors[0].Message)
		return nil, fmt.Errorf("%w: %s", ErrGateway, out.Errors[0].Message)
	}

	edges := out.Data.Transactions.Edges
	page := &TransactionPage{
		Transactions: make([]Transaction, 0, len(edges)),
		HasNextPage:  out.Data.Transactions.PageInfo.HasNextPage,
	}
	for _, e := range edges {
		page.Transactions = append(page.Transactions, Transaction{
			ID:          e.Node.ID,
			ContentType: TagValue(e.Node.Tags, "Content-Type"),
			Extension:   TagValue(e.Node.Tags, "File-Extension"),
			URL:         g.baseURL + "/" + e.Node.ID,
			Tags:        e.Node.Tags,
		})
	}
	if len(edges) > 0 {
		page.Cursor = edges[len(edges)-1].Cursor
	}
	return page, nil
}

// FilterByContentType keeps the transactions whose Content-Type contains
// kind, such as "image" or "pdf". An empty kind or "all" keeps everything.
func FilterByContentType(txs []Transaction, kind string) []Transaction {
	if kind == "" || kind == "all" {
		return txs
	}
	out := make([]Transaction, 0, len(txs))
	for _, tx := range txs {
		if strings.Contains(tx.ContentType, kind) {
			out = append(out, tx)
		}
	}
	return out
}
