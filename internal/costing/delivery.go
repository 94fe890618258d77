package costing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ERPClient pushes COGS postings to the external ERP journal endpoint.
type ERPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewERPClient constructs a new client.
func NewERPClient(baseURL, token string) *ERPClient {
	return &ERPClient{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Ping checks if the remote ERP journal endpoint is available.
func (c *ERPClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/health", c.baseURL), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("erp journal returned status %d", resp.StatusCode)
	}
	return nil
}

type journalEntry struct {
	PostingID        string    `json:"posting_id"`
	EventID          string    `json:"event_id"`
	SKU              string    `json:"sku"`
	Location         string    `json:"location"`
	QuantityConsumed string    `json:"quantity_consumed"`
	UnitCostApplied  string    `json:"unit_cost_applied"`
	TotalCost        string    `json:"total_cost"`
	CostingMethod    string    `json:"costing_method"`
	VarianceAmount   string    `json:"variance_amount"`
	PostedAt         time.Time `json:"posted_at"`
	ReversesID       string    `json:"reverses_id,omitempty"`
}

// Deliver submits one posting as a journal entry. The ERP side dedupes on
// posting_id, so re-delivery after a timeout is safe.
func (c *ERPClient) Deliver(ctx context.Context, posting Posting) error {
	entry := journalEntry{
		PostingID:        posting.ID,
		EventID:          posting.EventID,
		SKU:              posting.SKU,
		Location:         posting.Location,
		QuantityConsumed: posting.QuantityConsumed.String(),
		UnitCostApplied:  posting.UnitCostApplied.StringFixed(4),
		TotalCost:        posting.TotalCost.StringFixed(2),
		CostingMethod:    string(posting.Method),
		VarianceAmount:   posting.VarianceAmount.StringFixed(2),
		PostedAt:         posting.PostedAt,
		ReversesID:       posting.ReversesID,
	}
	body, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/journal-entries", c.baseURL), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("delivery failed with status %d", resp.StatusCode)
	}
	return nil
}
