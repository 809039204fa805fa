package sensor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vjranagit/luxlogger/pkg/types"
)

// maxBody bounds the response size of the HTTP bridge.
const maxBody = 4 << 20

// HTTPReader reads a flat JSON object of sensor id to number from a bridge
// that speaks the controller protocol.
type HTTPReader struct {
	url    string
	client *http.Client
}

// NewHTTPReader creates an HTTPReader for url. A nil client gets a 30
// second timeout.
func NewHTTPReader(url string, client *http.Client) *HTTPReader {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPReader{url: url, client: client}
}

// Read fetches and decodes one snapshot.
func (h *HTTPReader) Read(ctx context.Context) (*types.Values, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrAcquisition, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrAcquisition, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: bridge returned %s", types.ErrAcquisition, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %w", types.ErrAcquisition, err)
	}

	values := types.NewValues(0)
	if err := values.UnmarshalJSON(body); err != nil {
		return nil, fmt.Errorf("%w: decoding body: %w", types.ErrAcquisition, err)
	}
	return values, nil
}
