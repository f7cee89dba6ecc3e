package payment

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"premiumpay/internal/domain"
)

// StubProvider is an in-memory provider for development and tests. Charges
// stay pending until Settle is called.
type StubProvider struct {
	mu      sync.Mutex
	charges map[string]*stubCharge // keyed by provider reference
	byMerch map[string]string      // merchant reference -> provider reference
	last    *ChargeRequest

	initErr   error
	statusErr error
	delay     time.Duration

	initCalls   atomic.Int64
	statusCalls atomic.Int64
	seq         atomic.Int64
}

type stubCharge struct {
	req    ChargeRequest
	status domain.TransactionStatus
	raw    string
}

func NewStubProvider() *StubProvider {
	return &StubProvider{
		charges: make(map[string]*stubCharge),
		byMerch: make(map[string]string),
	}
}

func (s *StubProvider) Name() string { return "stub" }

// FailInitialize makes subsequent InitializeCharge calls return err. nil clears it.
func (s *StubProvider) FailInitialize(err error) {
	s.mu.Lock()
	s.initErr = err
	s.mu.Unlock()
}

// FailStatus makes subsequent GetStatus calls return err. nil clears it.
func (s *StubProvider) FailStatus(err error) {
	s.mu.Lock()
	s.statusErr = err
	s.mu.Unlock()
}

// SetDelay makes every call block for d or until the context is done.
func (s *StubProvider) SetDelay(d time.Duration) {
	s.mu.Lock()
	s.delay = d
	s.mu.Unlock()
}

func (s *StubProvider) InitializeCharge(ctx context.Context, req ChargeRequest) (*ChargeResponse, error) {
	s.initCalls.Add(1)
	if err := s.wait(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	copied := req
	s.last = &copied
	if s.initErr != nil {
		return nil, s.initErr
	}
	if _, dup := s.byMerch[req.MerchantReference]; dup {
		return nil, fmt.Errorf("%w: duplicate reference %s", ErrProviderAPI, req.MerchantReference)
	}

	ref := fmt.Sprintf("stub.trx.%06d", s.seq.Add(1))
	s.charges[ref] = &stubCharge{req: req, status: domain.StatusPending, raw: "pending"}
	s.byMerch[req.MerchantReference] = ref
	return &ChargeResponse{
		ProviderReference: ref,
		CheckoutURL:       "https://checkout.stub.local/" + ref,
		Status:            domain.StatusPending,
	}, nil
}

func (s *StubProvider) GetStatus(ctx context.Context, reference string) (*StatusReport, error) {
	s.statusCalls.Add(1)
	if err := s.wait(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statusErr != nil {
		return nil, s.statusErr
	}
	ref, ch := s.lookup(reference)
	if ch == nil {
		return nil, ErrNotFound
	}
	return &StatusReport{
		ProviderReference: ref,
		MerchantReference: ch.req.MerchantReference,
		Status:            ch.status,
		RawStatus:         ch.raw,
		MinorAmount:       decimal.NewFromInt(ch.req.MinorAmount),
		Currency:          ch.req.Currency,
	}, nil
}

// Settle sets the provider-side status of a charge, looked up by either reference.
func (s *StubProvider) Settle(reference, rawStatus string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ch := s.lookup(reference)
	if ch == nil {
		return ErrNotFound
	}
	ch.raw = rawStatus
	ch.status = NormalizeStatus(rawStatus)
	return nil
}

// ProviderReference returns the provider reference issued for a merchant reference.
func (s *StubProvider) ProviderReference(merchantRef string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.byMerch[merchantRef]
	return ref, ok
}

// LastCharge returns the most recent charge request, including failed ones.
func (s *StubProvider) LastCharge() (ChargeRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return ChargeRequest{}, false
	}
	return *s.last, true
}

func (s *StubProvider) InitializeCalls() int64 { return s.initCalls.Load() }
func (s *StubProvider) StatusCalls() int64     { return s.statusCalls.Load() }

func (s *StubProvider) lookup(reference string) (string, *stubCharge) {
	if ch, ok := s.charges[reference]; ok {
		return reference, ch
	}
	if ref, ok := s.byMerch[reference]; ok {
		return ref, s.charges[ref]
	}
	return "", nil
}

func (s *StubProvider) wait(ctx context.Context) error {
	s.mu.Lock()
	d := s.delay
	s.mu.Unlock()
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrProviderAPI, ctx.Err())
	case <-t.C:
		return nil
	}
}
