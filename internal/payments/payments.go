// Package payments reconciles wallet funding with the payment gateway.
//
// Funding has two inbound paths: the payer's browser returning from
// checkout (VerifyCallback) and the gateway's webhook (HandleWebhook). They
// may arrive in either order, concurrently, and more than once. Both end in
// ledger.Deposit keyed by the gateway reference, so the wallet is credited
// exactly once whichever arrives first.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/safehold/safehold/internal/apperr"
	"github.com/safehold/safehold/internal/circuitbreaker"
	"github.com/safehold/safehold/internal/idgen"
	"github.com/safehold/safehold/internal/ledger"
	"github.com/safehold/safehold/internal/metrics"
	"github.com/safehold/safehold/internal/money"
	"github.com/safehold/safehold/internal/paystack"
	"github.com/safehold/safehold/internal/traces"
)

const (
	// MetadataOwnerID and MetadataType are the metadata keys attached at
	// initialize and checked on the way back.
	MetadataOwnerID = "owner_id"
	MetadataType    = "type"

	// TypeWalletFunding marks a charge as a wallet top-up.
	TypeWalletFunding = "wallet_funding"

	// EventChargeSuccess is the only webhook event that credits a wallet.
	EventChargeSuccess = "charge.success"
)

// Webhook outcomes, as counted in metrics and returned to callers.
const (
	OutcomeCredited  = "credited"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

// Gateway is the part of the payment gateway client funding uses.
type Gateway interface {
	Initialize(ctx context.Context, req paystack.InitializeRequest) (*paystack.Initialization, error)
	Verify(ctx context.Context, reference string) (*paystack.Transaction, error)
}

// Ledger is the part of the wallet ledger funding uses.
type Ledger interface {
	OpenDeposit(ctx context.Context, ownerID string, amount money.Amount, reference string) (*ledger.Entry, error)
	Deposit(ctx context.Context, ownerID string, amount money.Amount, reference string) (*ledger.Entry, error)
	FailDeposit(ctx context.Context, reference, reason string) (*ledger.Entry, error)
	EntryByReference(ctx context.Context, reference string) (*ledger.Entry, error)
}

// Funding is a started checkout.
type Funding struct {
	Reference        string       `json:"reference"`
	Amount           money.Amount `json:"amount"`
	AuthorizationURL string       `json:"authorizationUrl"`
	AccessCode       string       `json:"accessCode,omitempty"`
}

// Service runs the funding flows.
type Service struct {
	gateway       Gateway
	ledger        Ledger
	webhookSecret string
	callbackURL   string
	currency      string
	cache         SettledCache
	logger        *slog.Logger
}

// NewService creates a funding service. webhookSecret is the key webhook
// bodies are signed with.
func NewService(gateway Gateway, l Ledger, webhookSecret string) *Service {
	return &Service{
		gateway:       gateway,
		ledger:        l,
		webhookSecret: webhookSecret,
		currency:      money.DefaultCurrency,
		cache:         NewMemoryCache(DefaultSettledTTL),
		logger:        slog.Default(),
	}
}

// WithCallbackURL sets where the gateway returns the payer after checkout.
func (s *Service) WithCallbackURL(u string) *Service {
	s.callbackURL = u
	return s
}

// WithCurrency sets the currency wallets are held in. Confirmed payments
// in any other currency are not credited.
func (s *Service) WithCurrency(c string) *Service {
	if c != "" {
		s.currency = c
	}
	return s
}

// WithCache replaces the settled-reference cache.
func (s *Service) WithCache(c SettledCache) *Service {
	s.cache = c
	return s
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(logger *slog.Logger) *Service {
	s.logger = logger
	return s
}

// InitializeFunding opens a pending deposit under a fresh reference and
// starts a checkout for it.
func (s *Service) InitializeFunding(ctx context.Context, ownerID, email string, amount money.Amount) (f *Funding, err error) {
	ctx, span := traces.StartSpan(ctx, "payments.initialize", traces.OwnerID(ownerID), traces.Amount(amount))
	defer func() { traces.End(span, err) }()

	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", apperr.ErrInvalidInput)
	}
	if email == "" {
		return nil, fmt.Errorf("%w: an e-mail address is required for checkout", apperr.ErrInvalidInput)
	}
	reference := idgen.Reference("FUND")
	if _, err := s.ledger.OpenDeposit(ctx, ownerID, amount, reference); err != nil {
		return nil, err
	}

	checkout, err := s.gateway.Initialize(ctx, paystack.InitializeRequest{
		Email:       email,
		Amount:      amount,
		Reference:   reference,
		CallbackURL: s.callbackURL,
		Metadata:    map[string]string{MetadataOwnerID: ownerID, MetadataType: TypeWalletFunding},
	})
	if err != nil {
		// Only a refusal or an open circuit proves the gateway never took
		// the reference. After a timeout the charge may still go through,
		// so the deposit stays pending for the webhook to settle.
		var apiErr *paystack.APIError
		rejected := errors.As(err, &apiErr)
		if rejected || errors.Is(err, circuitbreaker.ErrOpen) {
			s.failPending(ctx, reference, "checkout could not be started")
		} else {
			s.logger.Warn("checkout outcome unknown, deposit left pending", "reference", reference, "error", err)
		}
		if rejected {
			return nil, fmt.Errorf("%w: %s", apperr.ErrGatewayUnavailable, apiErr.Message)
		}
		return nil, err
	}
	return &Funding{
		Reference:        reference,
		Amount:           amount,
		AuthorizationURL: checkout.AuthorizationURL,
		AccessCode:       checkout.AccessCode,
	}, nil
}

// VerifyCallback confirms a payment the caller returned from and credits
// it. A reference that was already credited returns the original entry.
func (s *Service) VerifyCallback(ctx context.Context, ownerID, reference string) (entry *ledger.Entry, err error) {
	ctx, span := traces.StartSpan(ctx, "payments.verify", traces.OwnerID(ownerID), traces.Reference(reference))
	defer func() { traces.End(span, err) }()

	if reference == "" {
		return nil, fmt.Errorf("%w: reference required", apperr.ErrInvalidInput)
	}
	if s.seen(ctx, reference) {
		if e, err := s.ledger.EntryByReference(ctx, reference); err == nil && e.OwnerID == ownerID && e.Status == ledger.StatusCompleted {
			return e, nil
		}
	}

	tx, err := s.gateway.Verify(ctx, reference)
	var apiErr *paystack.APIError
	if errors.As(err, &apiErr) {
		return nil, fmt.Errorf("%w: %s", apperr.ErrPaymentNotSuccessful, apiErr.Message)
	}
	if err != nil {
		return nil, err
	}
	if tx.Metadata[MetadataOwnerID] != ownerID {
		return nil, fmt.Errorf("%w: payment %s was not made by the caller", apperr.ErrForbidden, reference)
	}
	if tx.Metadata[MetadataType] != TypeWalletFunding {
		return nil, fmt.Errorf("%w: payment %s is not a wallet funding", apperr.ErrInvalidInput, reference)
	}
	if !tx.Successful() {
		// "abandoned" only means checkout has not been completed yet.
		if tx.Status == "failed" || tx.Status == "reversed" {
			s.failPending(ctx, reference, "payment "+tx.Status)
		}
		return nil, fmt.Errorf("%w: gateway status %q", apperr.ErrPaymentNotSuccessful, tx.Status)
	}
	if !s.acceptsCurrency(tx.Currency) {
		s.logger.Error("payment in unexpected currency not credited",
			"reference", reference, "currency", tx.Currency, "wallet_currency", s.currency)
		return nil, fmt.Errorf("%w: payment currency %s does not match wallet currency %s",
			apperr.ErrPaymentNotSuccessful, tx.Currency, s.currency)
	}
	entry, _, err = s.credit(ctx, ownerID, tx.Amount, reference)
	return entry, err
}

type webhookEvent struct {
	Event string `json:"event"`
	Data  struct {
		Reference string          `json:"reference"`
		Status    string          `json:"status"`
		Amount    int64           `json:"amount"`
		Currency  string          `json:"currency"`
		Metadata  json.RawMessage `json:"metadata"`
	} `json:"data"`
}

// HandleWebhook authenticates and applies a gateway webhook. The signature
// is checked against the raw body before anything is parsed. Events that
// are not a successful wallet funding are acknowledged and ignored.
func (s *Service) HandleWebhook(ctx context.Context, body []byte, signature string) (outcome string, err error) {
	ctx, span := traces.StartSpan(ctx, "payments.webhook")
	defer func() {
		metrics.PaymentWebhooksTotal.WithLabelValues(outcome).Inc()
		traces.End(span, err)
	}()

	if err := paystack.VerifySignature(body, signature, s.webhookSecret); err != nil {
		return OutcomeRejected, err
	}
	var ev webhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		s.logger.Info("webhook ignored: malformed body", "error", err)
		return OutcomeIgnored, nil
	}
	span.SetAttributes(traces.Reference(ev.Data.Reference))

	meta := paystack.DecodeMetadata(ev.Data.Metadata)
	ownerID := meta[MetadataOwnerID]
	switch {
	case ev.Event != EventChargeSuccess:
		s.logger.Info("webhook ignored", "event", ev.Event, "reference", ev.Data.Reference)
		return OutcomeIgnored, nil
	case ownerID == "" || meta[MetadataType] != TypeWalletFunding || ev.Data.Reference == "":
		s.logger.Info("webhook ignored: not a wallet funding", "reference", ev.Data.Reference)
		return OutcomeIgnored, nil
	case ev.Data.Status != "" && ev.Data.Status != "success":
		s.logger.Info("webhook ignored: charge not successful", "reference", ev.Data.Reference, "status", ev.Data.Status)
		return OutcomeIgnored, nil
	case !s.acceptsCurrency(ev.Data.Currency):
		// Redelivery cannot fix this; it needs an operator.
		s.logger.Error("webhook ignored: payment in unexpected currency",
			"reference", ev.Data.Reference, "currency", ev.Data.Currency, "wallet_currency", s.currency)
		return OutcomeIgnored, nil
	}

	if s.seen(ctx, ev.Data.Reference) {
		return OutcomeDuplicate, nil
	}
	_, duplicate, err := s.credit(ctx, ownerID, money.Amount(ev.Data.Amount), ev.Data.Reference)
	if err != nil {
		s.logger.Error("webhook credit failed", "reference", ev.Data.Reference, "error", err)
		return OutcomeFailed, err
	}
	if duplicate {
		return OutcomeDuplicate, nil
	}
	return OutcomeCredited, nil
}

// credit deposits the confirmed amount and treats a duplicate reference as
// success, reporting whether it was one. The gateway's amount is what the
// payer was charged, so it is credited even when it differs from the
// amount checkout was opened for.
func (s *Service) credit(ctx context.Context, ownerID string, amount money.Amount, reference string) (*ledger.Entry, bool, error) {
	if opened, err := s.ledger.EntryByReference(ctx, reference); err == nil &&
		opened.Status != ledger.StatusCompleted && opened.Amount != amount {
		s.logger.Warn("confirmed amount differs from checkout amount",
			"reference", reference, "checkout", opened.Amount.String(), "confirmed", amount.String())
	}
	entry, err := s.ledger.Deposit(ctx, ownerID, amount, reference)
	duplicate := errors.Is(err, apperr.ErrDuplicateReference)
	if err != nil && !duplicate {
		return nil, false, err
	}
	if merr := s.cache.Mark(ctx, reference); merr != nil {
		s.logger.Warn("settled cache write failed", "reference", reference, "error", merr)
	}
	return entry, duplicate, nil
}

// acceptsCurrency reports whether a confirmed payment can be credited. The
// gateway may omit the currency, in which case it is the account default.
func (s *Service) acceptsCurrency(currency string) bool {
	return currency == "" || strings.EqualFold(currency, s.currency)
}

func (s *Service) seen(ctx context.Context, reference string) bool {
	ok, err := s.cache.Seen(ctx, reference)
	if err != nil {
		s.logger.Warn("settled cache read failed", "reference", reference, "error", err)
		return false
	}
	return ok
}

func (s *Service) failPending(ctx context.Context, reference, reason string) {
	_, err := s.ledger.FailDeposit(ctx, reference, reason)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) && !errors.Is(err, apperr.ErrInvalidTransition) {
		s.logger.Error("failed to mark deposit failed", "reference", reference, "error", err)
	}
}
