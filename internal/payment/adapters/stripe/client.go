package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/creatorpay/internal/config"
	paymentdomain "github.com/smallbiznis/creatorpay/internal/payment/domain"
	"github.com/valyala/fasthttp"
)

// Client talks to the gateway REST API for refill charges and creator
// payouts. Calls carry an idempotency key so the retry policy can repeat
// them safely.
type Client struct {
	baseURL  string
	apiKey   string
	currency string
	timeout  time.Duration
	http     *fasthttp.Client
}

func NewClient(cfg config.Config) (*Client, error) {
	if cfg.Gateway.BaseURL == "" || cfg.Gateway.APIKey == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}
	timeout := cfg.Gateway.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	currency := cfg.Gateway.Currency
	if currency == "" {
		currency = "usd"
	}

	return &Client{
		baseURL:  strings.TrimRight(cfg.Gateway.BaseURL, "/"),
		apiKey:   cfg.Gateway.APIKey,
		currency: currency,
		timeout:  timeout,
		http: &fasthttp.Client{
			Name:                "creatorpay",
			MaxConnsPerHost:     64,
			ReadTimeout:         timeout,
			WriteTimeout:        timeout,
			MaxIdleConnDuration: time.Minute,
		},
	}, nil
}

type paymentIntentResponse struct {
	ID               string `json:"id"`
	Status           string `json:"status"`
	Amount           int64  `json:"amount"`
	LastPaymentError *struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

type payoutResponse struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	FailureMessage string `json:"failure_message"`
}

type errorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) CreateCharge(ctx context.Context, req paymentdomain.ChargeRequest) (paymentdomain.Charge, error) {
	if req.AmountCents <= 0 || req.IdempotencyKey == "" {
		return paymentdomain.Charge{}, paymentdomain.ErrInvalidPayload
	}
	currency := req.Currency
	if currency == "" {
		currency = c.currency
	}

	args := fasthttp.AcquireArgs()
	defer fasthttp.ReleaseArgs(args)
	args.Add("amount", strconv.FormatInt(req.AmountCents, 10))
	args.Add("currency", currency)
	args.Add("confirm", "true")
	args.Add("off_session", "true")
	if req.PaymentMethodRef != "" {
		args.Add("payment_method", req.PaymentMethodRef)
	}
	args.Add("metadata[principal_id]", req.PrincipalID.String())
	args.Add("metadata[tokens]", strconv.FormatInt(req.Tokens, 10))
	if req.Purpose != "" {
		args.Add("metadata[purpose]", req.Purpose)
	}

	var resp paymentIntentResponse
	if err := c.post(ctx, "/v1/payment_intents", args, req.IdempotencyKey, &resp); err != nil {
		return paymentdomain.Charge{}, err
	}

	charge := paymentdomain.Charge{ID: resp.ID, AmountCents: resp.Amount}
	switch resp.Status {
	case "succeeded":
		charge.Status = paymentdomain.ChargeStatusSucceeded
	case "processing", "requires_capture":
		charge.Status = paymentdomain.ChargeStatusPending
	default:
		charge.Status = paymentdomain.ChargeStatusFailed
		if resp.LastPaymentError != nil {
			charge.FailureMessage = resp.LastPaymentError.Message
		}
	}
	return charge, nil
}

func (c *Client) Disburse(ctx context.Context, req paymentdomain.DisbursementRequest) (paymentdomain.Disbursement, error) {
	if req.AmountCents <= 0 || req.IdempotencyKey == "" {
		return paymentdomain.Disbursement{}, paymentdomain.ErrInvalidPayload
	}
	currency := req.Currency
	if currency == "" {
		currency = c.currency
	}

	args := fasthttp.AcquireArgs()
	defer fasthttp.ReleaseArgs(args)
	args.Add("amount", strconv.FormatInt(req.AmountCents, 10))
	args.Add("currency", currency)
	args.Add("metadata[withdrawal_id]", req.WithdrawalID.String())
	args.Add("metadata[creator_id]", req.CreatorID.String())

	var resp payoutResponse
	if err := c.post(ctx, "/v1/payouts", args, req.IdempotencyKey, &resp); err != nil {
		return paymentdomain.Disbursement{}, err
	}

	out := paymentdomain.Disbursement{ID: resp.ID}
	switch resp.Status {
	case "paid":
		out.Status = paymentdomain.DisbursementStatusPaid
	case "failed", "canceled":
		out.Status = paymentdomain.DisbursementStatusFailed
		out.FailureMessage = resp.FailureMessage
	default:
		out.Status = paymentdomain.DisbursementStatusPending
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, args *fasthttp.Args, idempotencyKey string, out any) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.SetRequestURI(c.baseURL + path)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Idempotency-Key", idempotencyKey)
	req.SetBody(args.QueryString())

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		return fmt.Errorf("%w: %v", paymentdomain.ErrGatewayUnavailable, err)
	}

	status := resp.StatusCode()
	body := resp.Body()
	switch {
	case status == fasthttp.StatusTooManyRequests || status >= fasthttp.StatusInternalServerError:
		return fmt.Errorf("%w: status %d", paymentdomain.ErrGatewayUnavailable, status)
	case status >= fasthttp.StatusBadRequest:
		var apiErr errorResponse
		_ = json.Unmarshal(body, &apiErr)
		msg := strings.TrimSpace(apiErr.Error.Message)
		if msg == "" {
			msg = fmt.Sprintf("status %d", status)
		}
		if apiErr.Error.Type == "card_error" {
			return fmt.Errorf("%w: %s", paymentdomain.ErrChargeDeclined, msg)
		}
		return fmt.Errorf("%w: %s", paymentdomain.ErrGatewayRejected, msg)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", paymentdomain.ErrGatewayUnavailable, err)
	}
	return nil
}
