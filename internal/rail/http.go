package rail

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"

	"github.com/shopspring/decimal"

	"github.com/youtuneai/referral-commission-engine/internal/interfaces"
)

// HTTPRail talks to the external payment rail over its HTTP API. The rail
// deduplicates on the idempotency key; this client's job is to carry the
// key faithfully and to report timeouts as unknown outcomes rather than
// failures.
type HTTPRail struct {
	baseURL string
	client  *http.Client
}

func NewHTTPRail(baseURL string) *HTTPRail {
	return &HTTPRail{
		baseURL: baseURL,
		// no client-level timeout: every call carries a deadline context
		client: &http.Client{},
	}
}

type payoutRequest struct {
	IdempotencyKey     string          `json:"idempotency_key"`
	DestinationAccount string          `json:"destination_account"`
	Amount             decimal.Decimal `json:"amount"`
}

type payoutResponse struct {
	Status     string          `json:"status"`
	TransferID string          `json:"transfer_id"`
	Amount     decimal.Decimal `json:"amount"`
	Reason     string          `json:"reason"`
}

func (r *HTTPRail) SubmitPayout(ctx context.Context, idempotencyKey, destinationAccount string, amount decimal.Decimal) (interfaces.PayoutResult, error) {
	body, err := json.Marshal(payoutRequest{
		IdempotencyKey:     idempotencyKey,
		DestinationAccount: destinationAccount,
		Amount:             amount,
	})
	if err != nil {
		return interfaces.PayoutResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/payouts", bytes.NewReader(body))
	if err != nil {
		return interfaces.PayoutResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := r.client.Do(req)
	if err != nil {
		// once the request may have left the process, the outcome is
		// unknown; the caller must reconcile by key, not resubmit blindly
		if outcomeUnknown(err) {
			return interfaces.PayoutResult{}, interfaces.ErrUnknownOutcome
		}
		return interfaces.PayoutResult{}, err
	}
	defer resp.Body.Close()

	return decodeResult(resp)
}

func (r *HTTPRail) QueryByIdempotencyKey(ctx context.Context, key string) (interfaces.PayoutResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/payouts/"+key, nil)
	if err != nil {
		return interfaces.PayoutResult{}, err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return interfaces.PayoutResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return interfaces.PayoutResult{}, interfaces.ErrNoPriorPayout
	}
	return decodeResult(resp)
}

func decodeResult(resp *http.Response) (interfaces.PayoutResult, error) {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return interfaces.PayoutResult{}, fmt.Errorf("payment rail returned status %d", resp.StatusCode)
	}

	var payload payoutResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return interfaces.PayoutResult{}, err
	}

	switch payload.Status {
	case string(interfaces.PayoutSuccess), string(interfaces.PayoutPending), string(interfaces.PayoutFailure):
	default:
		return interfaces.PayoutResult{}, fmt.Errorf("payment rail returned unknown status %q", payload.Status)
	}

	return interfaces.PayoutResult{
		Status:     interfaces.PayoutStatus(payload.Status),
		TransferID: payload.TransferID,
		Amount:     payload.Amount,
		Reason:     payload.Reason,
	}, nil
}

// outcomeUnknown reports whether a transport error leaves the submission
// outcome undecided. Failures that happen before anything reaches the rail
// (refused connection, DNS) are definitive; anything that can occur after
// the request was sent (timeout, reset, dropped connection) is not, and the
// transfer may have executed.
func outcomeUnknown(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return false
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return false
	}

	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

var _ interfaces.PaymentRail = (*HTTPRail)(nil)
