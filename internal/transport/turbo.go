package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"weavebox/internal/logging"
)

const (
	DefaultTurboUploadURL  = "https://upload.ardrive.io"
	DefaultTurboPaymentURL = "https://payment.ardrive.io"
)

// TurboConfig holds configuration for the Turbo client.
type TurboConfig struct {
	UploadURL  string
	PaymentURL string
	Timeout    time.Duration
}

// Turbo implements Transport against the Turbo upload and payment services.
// Data items are signed by the Signer; this client only moves bytes.
type Turbo struct {
	uploadURL  string
	paymentURL string
	signer     Signer
	httpClient *http.Client
}

type turboPriceResponse struct {
	Winc string `json:"winc"`
}

type turboUploadResponse struct {
	ID    string `json:"id"`
	Owner string `json:"owner,omitempty"`
}

// NewTurbo creates a Turbo client that signs uploads with signer.
func NewTurbo(cfg TurboConfig, signer Signer) (*Turbo, error) {
	if signer == nil {
		return nil, errors.New("turbo: signer is required")
	}
	if cfg.UploadURL == "" {
		cfg.UploadURL = DefaultTurboUploadURL
	}
	if cfg.PaymentURL == "" {
		cfg.PaymentURL = DefaultTurboPaymentURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}

	logging.Turbo.Printf("using upload=%s payment=%s", cfg.UploadURL, cfg.PaymentURL)
	return &Turbo{
		uploadURL:  strings.TrimRight(cfg.UploadURL, "/"),
		paymentURL: strings.TrimRight(cfg.PaymentURL, "/"),
		signer:     signer,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (t *Turbo) EstimateCost(ctx context.Context, n int64) (Cost, error) {
	url := t.paymentURL + "/v1/price/bytes/" + strconv.FormatInt(n, 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Cost{}, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return Cost{}, fmt.Errorf("%w: price request: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Cost{}, fmt.Errorf("%w: price API returned status %d: %s", ErrTransport, resp.StatusCode, string(body))
	}

	var price turboPriceResponse
	if err := json.NewDecoder(resp.Body).Decode(&price); err != nil {
		return Cost{}, fmt.Errorf("%w: failed to decode price: %w", ErrTransport, err)
	}
	return Cost{Bytes: n, Winc: price.Winc}, nil
}

func (t *Turbo) UploadFile(ctx context.Context, payload []byte, meta FileMeta, tags []Tag) (string, error) {
	item, err := t.signer.SignDataItem(ctx, payload, tags)
	if err != nil {
		return "", fmt.Errorf("%w: sign %s: %w", ErrTransport, meta.Name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.uploadURL+"/v1/tx", bytes.NewReader(item))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	logging.Turbo.Printf("uploading %s (%d bytes, data item %d bytes)", meta.Name, len(payload), len(item))
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: upload request: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		logging.Turbo.Printf("upload of %s rejected: status %d", meta.Name, resp.StatusCode)
		return "", fmt.Errorf("%w: upload API returned status %d: %s", ErrTransport, resp.StatusCode, string(body))
	}

	var out turboUploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: failed to decode upload response: %w", ErrTransport, err)
	}
	if out.ID == "" || out.ID == "pending" {
		return "", fmt.Errorf("%w: upload response carried no transaction id", ErrTransport)
	}

	logging.Turbo.Printf("uploaded %s as %s", meta.Name, out.ID)
	return out.ID, nil
}
