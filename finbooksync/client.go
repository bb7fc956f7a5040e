package finbooksync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// remoteLockedSignature is FinBooks' error text when a transaction has been
// reconciled on their side and can no longer be edited.
const remoteLockedSignature = "already reconciled, cannot edit"

// RemoteTransaction is the FinBooks bank transaction resource. Amount is a
// decimal string in major units; direction comes from IsCredit.
type RemoteTransaction struct {
	TransactionID  string      `json:"transactionId"`
	Status         string      `json:"status"`
	DateUTC        string      `json:"dateUTC"`
	UpdatedDateUTC string      `json:"updatedDateUTC"`
	AccountCode    string      `json:"accountCode"`
	Amount         json.Number `json:"amount"`
	IsCredit       bool        `json:"isCredit"`
	IsReconciled   bool        `json:"isReconciled"`
	Description    string      `json:"description"`
	Reference      string      `json:"reference"`
}

// Snapshot renders the transaction as the opaque key-value map the conflict
// detector consumes (keys match the FinBooks field mapping).
func (t RemoteTransaction) Snapshot() map[string]interface{} {
	return map[string]interface{}{
		"TransactionID":  t.TransactionID,
		"Status":         t.Status,
		"DateUTC":        t.DateUTC,
		"UpdatedDateUTC": t.UpdatedDateUTC,
		"AccountCode":    t.AccountCode,
		"Amount":         t.Amount,
		"IsCredit":       t.IsCredit,
		"IsReconciled":   t.IsReconciled,
		"Description":    t.Description,
		"Reference":      t.Reference,
	}
}

type DateRange struct {
	From time.Time
	To   time.Time
}

type JournalLine struct {
	AccountCode string `json:"accountCode"`
	Amount      string `json:"amount"`
	IsCredit    bool   `json:"isCredit"`
}

type ManualJournal struct {
	Narration string        `json:"narration"`
	Reference string        `json:"reference"`
	Date      string        `json:"date"`
	Lines     []JournalLine `json:"lines"`
}

type DraftInvoice struct {
	ContactName string `json:"contactName"`
	Reference   string `json:"reference"`
	Date        string `json:"date"`
	AccountCode string `json:"accountCode"`
	Amount      string `json:"amount"`
}

type Payment struct {
	InvoiceID   string `json:"invoiceId"`
	Reference   string `json:"reference"`
	Date        string `json:"date"`
	AccountCode string `json:"accountCode"`
	Amount      string `json:"amount"`
}

// RemoteClient is the narrow contract against the external system of record.
type RemoteClient interface {
	ListTransactions(ctx context.Context, remoteTenantId string, dateRange DateRange) ([]RemoteTransaction, error)
	UpdateTransactionAccountCode(ctx context.Context, remoteTenantId, transactionId, accountCode string) error
	CreateDraftInvoice(ctx context.Context, remoteTenantId string, invoice *DraftInvoice) (string, error)
	CreatePayment(ctx context.Context, remoteTenantId string, payment *Payment) (string, error)
	CreateManualJournal(ctx context.Context, remoteTenantId string, journal *ManualJournal) (string, error)
}

// RemoteError is any non-2xx response from FinBooks.
type RemoteError struct {
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("finbooks api error %d: %s", e.StatusCode, e.Message)
}

// IsTransient covers rate limiting and server-side failures.
func (e *RemoteError) IsTransient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// IsRecordLocked matches the reconciled-record error signature.
func (e *RemoteError) IsRecordLocked() bool {
	return strings.Contains(strings.ToLower(e.Message), remoteLockedSignature)
}

func IsRecordLocked(err error) bool {
	var remoteErr *RemoteError
	return errors.As(err, &remoteErr) && remoteErr.IsRecordLocked()
}

func IsTransientRemote(err error) bool {
	var remoteErr *RemoteError
	return errors.As(err, &remoteErr) && remoteErr.IsTransient()
}

type finbooksClient struct {
	baseURL   string
	apiKey    string
	apiKeyHdr string
	http      *http.Client
	limiter   <-chan time.Time
}

// NewFinBooksClient builds the rate-limited HTTP client. Every request takes
// one token from the limiter first, so callers queue instead of bursting past
// the remote budget.
func NewFinBooksClient(apiKey string) (RemoteClient, error) {
	baseURL := strings.TrimSpace(os.Getenv("FINBOOKS_API_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.finbooks.io"
	}
	apiKeyHeader := strings.TrimSpace(os.Getenv("FINBOOKS_API_KEY_HEADER"))
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("finbooks api key is empty")
	}
	rateLimitPerMin := int64(60)
	if v := strings.TrimSpace(os.Getenv("FINBOOKS_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			rateLimitPerMin = n
		}
	}
	interval := time.Minute / time.Duration(rateLimitPerMin)

	return &finbooksClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		apiKeyHdr: apiKeyHeader,
		http:      &http.Client{Timeout: 30 * time.Second},
		limiter:   time.Tick(interval),
	}, nil
}

func (c *finbooksClient) do(ctx context.Context, method, path string, params url.Values, body interface{}, out interface{}) error {
	<-c.limiter

	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set(c.apiKeyHdr, c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &RemoteError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

type listTransactionsResponse struct {
	Transactions []RemoteTransaction `json:"transactions"`
}

type createResponse struct {
	ID string `json:"id"`
}

func (c *finbooksClient) ListTransactions(ctx context.Context, remoteTenantId string, dateRange DateRange) ([]RemoteTransaction, error) {
	params := url.Values{}
	params.Set("from", dateRange.From.UTC().Format("2006-01-02"))
	params.Set("to", dateRange.To.UTC().Format("2006-01-02"))

	var resp listTransactionsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/tenants/"+url.PathEscape(remoteTenantId)+"/transactions", params, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Transactions, nil
}

func (c *finbooksClient) UpdateTransactionAccountCode(ctx context.Context, remoteTenantId, transactionId, accountCode string) error {
	body := map[string]string{"accountCode": accountCode}
	path := "/v1/tenants/" + url.PathEscape(remoteTenantId) + "/transactions/" + url.PathEscape(transactionId)
	return c.do(ctx, http.MethodPatch, path, nil, body, nil)
}

func (c *finbooksClient) CreateDraftInvoice(ctx context.Context, remoteTenantId string, invoice *DraftInvoice) (string, error) {
	var resp createResponse
	path := "/v1/tenants/" + url.PathEscape(remoteTenantId) + "/invoices"
	if err := c.do(ctx, http.MethodPost, path, nil, invoice, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *finbooksClient) CreatePayment(ctx context.Context, remoteTenantId string, payment *Payment) (string, error) {
	var resp createResponse
	path := "/v1/tenants/" + url.PathEscape(remoteTenantId) + "/payments"
	if err := c.do(ctx, http.MethodPost, path, nil, payment, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *finbooksClient) CreateManualJournal(ctx context.Context, remoteTenantId string, journal *ManualJournal) (string, error) {
	var resp createResponse
	path := "/v1/tenants/" + url.PathEscape(remoteTenantId) + "/journals"
	if err := c.do(ctx, http.MethodPost, path, nil, journal, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}
