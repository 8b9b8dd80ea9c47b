package pairing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// BackendStatus is the response of GET /pair/{subClientId}/status on the
// external pairing backend.
type BackendStatus struct {
	Connected  bool   `json:"connected"`
	LoggedIn   bool   `json:"logged_in"`
	LastQR     string `json:"last_qr"`
	LastQRAt   int64  `json:"last_qr_at"`
	LastError  string `json:"last_error"`
	Phone      string `json:"phone"`
	DeviceName string `json:"device_name"`
}

// HasQR reports whether the status carries a usable payload. The backend
// sometimes reports the literal two-character string `""` instead of an
// empty field; both mean "no payload".
func (s BackendStatus) HasQR() bool {
	return s.LastQR != "" && s.LastQR != `""`
}

// Backend is the HTTP client for the external pairing backend. The backend
// is opaque: no response body is relied upon beyond what BackendStatus
// declares, and start/stop are not retried.
type Backend struct {
	baseURL string
	client  *http.Client
}

func NewBackend(baseURL string) *Backend {
	return &Backend{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Start begins a pairing attempt. accountType is an optional discriminator
// (e.g. personal vs business) forwarded verbatim.
func (b *Backend) Start(ctx context.Context, subClientID, accountType string) error {
	var body []byte
	if accountType != "" {
		body, _ = json.Marshal(map[string]string{"type": accountType})
	}
	return b.post(ctx, fmt.Sprintf("%s/pair/%s/start", b.baseURL, subClientID), body)
}

// Stop tears down any active attempt. Callers treat failures as best-effort.
func (b *Backend) Stop(ctx context.Context, subClientID string) error {
	return b.post(ctx, fmt.Sprintf("%s/pair/%s/stop", b.baseURL, subClientID), nil)
}

func (b *Backend) Status(ctx context.Context, subClientID string) (BackendStatus, error) {
	url := fmt.Sprintf("%s/pair/%s/status", b.baseURL, subClientID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return BackendStatus{}, err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return BackendStatus{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return BackendStatus{}, fmt.Errorf("backend status: unexpected status %d", resp.StatusCode)
	}
	var st BackendStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return BackendStatus{}, fmt.Errorf("backend status: %w", err)
	}
	return st, nil
}

func (b *Backend) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("backend: unexpected status %d", resp.StatusCode)
	}
	return nil
}
