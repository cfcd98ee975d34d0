package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// validationResponse is the subset of the gateway's validation API response we read
type validationResponse struct {
	Status     string `json:"status"`
	TranID     string `json:"tran_id"`
	ValID      string `json:"val_id"`
	Amount     string `json:"amount"`
	BankTranID string `json:"bank_tran_id"`
}

// HTTPVerifier checks a callback against the gateway's validation endpoint
type HTTPVerifier struct {
	client        *http.Client
	validationURL string
	storeID       string
	storePassword string
	logger        *zap.Logger
}

// NewHTTPVerifier creates a verifier. The caller bounds each call through its context.
func NewHTTPVerifier(client *http.Client, validationURL, storeID, storePassword string) *HTTPVerifier {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPVerifier{
		client:        client,
		validationURL: validationURL,
		storeID:       storeID,
		storePassword: storePassword,
		logger:        util.GetLogger(),
	}
}

// Verify asks the gateway whether the callback's validation id is a real, settled payment
func (v *HTTPVerifier) Verify(ctx context.Context, cb *models.PaymentCallback) (*models.Verification, error) {
	ctx, span := util.StartSpan(ctx, "HTTPVerifier.Verify", "val_id", cb.ValidationID)
	var err error
	defer func() { util.EndSpan(span, err) }()

	var req *http.Request
	req, err = http.NewRequestWithContext(ctx, http.MethodGet, v.requestURL(cb.ValidationID), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrVerificationFailed, err)
	}

	var resp *http.Response
	resp, err = v.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", models.ErrVerificationTimeout, err)
			return nil, err
		}
		err = fmt.Errorf("%w: %v", models.ErrVerificationFailed, err)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err = fmt.Errorf("%w: gateway returned %d: %s", models.ErrVerificationFailed, resp.StatusCode, strings.TrimSpace(string(body)))
		return nil, err
	}

	var body validationResponse
	if err = json.NewDecoder(resp.Body).Decode(&body); err != nil {
		err = fmt.Errorf("%w: decode response: %v", models.ErrVerificationFailed, err)
		return nil, err
	}

	result := &models.Verification{
		Valid:                    body.Status == "VALID" || body.Status == "VALIDATED",
		ProviderEventID:          body.ValID,
		OrderReference:           body.TranID,
		ExternalPaymentReference: body.BankTranID,
	}
	if result.ProviderEventID == "" {
		result.ProviderEventID = cb.ValidationID
	}
	if result.ExternalPaymentReference == "" {
		result.ExternalPaymentReference = result.ProviderEventID
	}
	if result.Valid {
		// a validation for another event or without a settled amount cannot confirm this callback
		if result.ProviderEventID != cb.ValidationID {
			err = fmt.Errorf("%w: gateway validated %s, callback carries %s",
				models.ErrVerificationFailed, result.ProviderEventID, cb.ValidationID)
			return nil, err
		}
		if body.Amount == "" {
			err = fmt.Errorf("%w: gateway response has no amount", models.ErrVerificationFailed)
			return nil, err
		}
		result.Amount, err = decimal.NewFromString(body.Amount)
		if err != nil {
			err = fmt.Errorf("%w: amount %q: %v", models.ErrVerificationFailed, body.Amount, err)
			return nil, err
		}
	}

	v.logger.Debug("Payment validated with gateway",
		zap.String("val_id", result.ProviderEventID),
		zap.String("tran_id", result.OrderReference),
		zap.String("status", body.Status))
	return result, nil
}

func (v *HTTPVerifier) requestURL(validationID string) string {
	q := url.Values{}
	q.Set("val_id", validationID)
	q.Set("store_id", v.storeID)
	q.Set("store_passwd", v.storePassword)
	q.Set("format", "json")

	sep := "?"
	if strings.Contains(v.validationURL, "?") {
		sep = "&"
	}
	return v.validationURL + sep + q.Encode()
}
