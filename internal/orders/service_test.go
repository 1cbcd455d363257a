package orders

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"fulfillment/internal/saga"
	"fulfillment/internal/tpc"
)

type fixture struct {
	svc      *Service
	store    *MemoryStore
	payments *spyPayments
	reserves *spyReserves
	steps    *spySteps
	notifier *spyNotifier
}

func newFixture(t *testing.T, tx func(*MemoryStore) Transactor) *fixture {
	t.Helper()
	f := &fixture{
		store:    NewMemoryStore(),
		payments: &spyPayments{},
		reserves: &spyReserves{},
		steps:    &spySteps{},
		notifier: &spyNotifier{},
	}
	var transactor Transactor = f.store
	if tx != nil {
		transactor = tx(f.store)
	}
	seq := 0
	f.svc = NewService(f.store, transactor, f.payments, f.reserves, priceList{"A": 2, "B": 1},
		WithStepLog(f.steps),
		WithNotifier(f.notifier),
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("id-%d", seq)
		}),
		WithClock(func() time.Time { return time.Date(2024, 3, 4, 5, 6, 7, 0, time.UTC) }),
	)
	return f
}

func (f *fixture) seed(t *testing.T, o Order) Order {
	t.Helper()
	if o.CustomerID == "" {
		o.CustomerID = "c1"
	}
	if o.Items == nil {
		o.Items = []saga.Item{{ID: "A", Amount: 1}}
	}
	if o.PaymentID == "" && o.Status != StatusCreating {
		o.PaymentID = "pay-" + o.ID
		o.ReserveID = "res-" + o.ID
	}
	saved, err := f.store.Save(context.Background(), o)
	if err != nil {
		t.Fatalf("seed order: %v", err)
	}
	return saved
}

func twoPhase(o Order) Order {
	o.PaymentTxID = "ptx-" + o.ID
	o.ReserveTxID = "rtx-" + o.ID
	return o
}

func count(calls []string, call string) int {
	n := 0
	for _, c := range calls {
		if c == call {
			n++
		}
	}
	return n
}

type failingPrepare struct {
	*MemoryStore
	err error
}

func (f failingPrepare) Prepare(context.Context, string, func(context.Context, Store) error) error {
	return f.err
}

func validRequest(twoPhaseCommit bool) CreateRequest {
	return CreateRequest{
		CustomerID:     "c1",
		Delivery:       Delivery{Type: DeliveryPickup},
		Items:          []saga.Item{{ID: "A", Amount: 1}, {ID: "B", Amount: 3}},
		TwoPhaseCommit: twoPhaseCommit,
	}
}

func TestCreate_PricesItemsAndCreatesParticipants(t *testing.T) {
	f := newFixture(t, nil)
	var paymentReq saga.PaymentCreate
	f.payments.create = func(req saga.PaymentCreate) (string, error) {
		paymentReq = req
		return "pay-1", nil
	}

	order, err := f.svc.Create(context.Background(), validRequest(false))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if order.Status != StatusCreated || order.PaymentID != "pay-1" || order.ReserveID != "res-"+order.ID {
		t.Fatalf("unexpected order %+v", order)
	}
	if paymentReq.Amount != 5 || paymentReq.ExternalRef != order.ID || paymentReq.ClientID != "c1" || paymentReq.TxID != "" {
		t.Fatalf("unexpected payment request %+v", paymentReq)
	}
	if order.TwoPhaseCommit() {
		t.Fatalf("non two-phase order must not carry tx ids")
	}
	if got := f.notifier.Statuses(); !slices.Equal(got, []Status{StatusCreating, StatusCreated}) {
		t.Fatalf("unexpected notifications %v", got)
	}
}

func TestCreate_InvalidRequest(t *testing.T) {
	f := newFixture(t, nil)
	req := validRequest(false)
	req.Items = nil

	if _, err := f.svc.Create(context.Background(), req); !errors.Is(err, saga.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if len(f.payments.Calls()) != 0 || len(f.reserves.Calls()) != 0 {
		t.Fatalf("participants must not be called")
	}
}

func TestCreate_TwoPhaseCommitsEveryLeg(t *testing.T) {
	f := newFixture(t, nil)

	order, err := f.svc.Create(context.Background(), validRequest(true))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if order.Status != StatusCreated || !order.TwoPhaseCommit() {
		t.Fatalf("unexpected order %+v", order)
	}
	if count(f.payments.Calls(), "commit:"+order.PaymentTxID) != 1 || count(f.reserves.Calls(), "commit:"+order.ReserveTxID) != 1 {
		t.Fatalf("expected participant commits, got %v %v", f.payments.Calls(), f.reserves.Calls())
	}
	stored, _ := f.store.Find(context.Background(), order.ID)
	if stored.Status != StatusCreated {
		t.Fatalf("expected committed CREATED, got %s", stored.Status)
	}
	if ids, _ := f.store.ListActive(context.Background()); len(ids) != 0 {
		t.Fatalf("expected no prepared transactions, got %v", ids)
	}
}

func TestCreate_TwoPhaseParticipantFailureRollsBack(t *testing.T) {
	f := newFixture(t, nil)
	boom := errors.New("reserve unavailable")
	f.reserves.create = func(saga.ReserveCreate) (string, error) { return "", boom }

	_, err := f.svc.Create(context.Background(), validRequest(true))
	if !errors.Is(err, boom) {
		t.Fatalf("expected reserve error, got %v", err)
	}
	if count(f.payments.Calls(), "rollback:id-2") != 1 || count(f.reserves.Calls(), "rollback:id-3") != 1 {
		t.Fatalf("expected rollback of both legs, got %v %v", f.payments.Calls(), f.reserves.Calls())
	}
	stored, _ := f.store.Find(context.Background(), "id-1")
	if stored.Status != StatusCreating {
		t.Fatalf("expected order parked at CREATING, got %s", stored.Status)
	}
}

func TestApprove_Approved(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, Order{ID: "o1", Status: StatusCreated})

	order, err := f.svc.Approve(context.Background(), "o1", false)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if order.Status != StatusApproved {
		t.Fatalf("expected APPROVED, got %s", order.Status)
	}
	if got := f.notifier.Statuses(); !slices.Equal(got, []Status{StatusApproving, StatusApproved}) {
		t.Fatalf("unexpected notifications %v", got)
	}
	if !slices.Contains(f.steps.Steps(), "approve:"+saga.StepDecided) {
		t.Fatalf("expected decision step, got %v", f.steps.Steps())
	}
}

func TestApprove_TwoPhaseInsufficientCompensates(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, twoPhase(Order{ID: "o1", Status: StatusCreated}))
	f.payments.approve = func(string, string) (saga.PaymentStatus, error) {
		return saga.PaymentInsufficient, nil
	}

	order, err := f.svc.Approve(context.Background(), "o1", true)
	if err != nil {
		t.Fatalf("insufficient is not an error: %v", err)
	}
	if order.Status != StatusInsufficient {
		t.Fatalf("expected INSUFFICIENT, got %s", order.Status)
	}
	if count(f.payments.Calls(), "rollback:ptx-o1") != 1 || count(f.reserves.Calls(), "rollback:rtx-o1") != 1 {
		t.Fatalf("expected rollback of both legs, got %v %v", f.payments.Calls(), f.reserves.Calls())
	}
	if count(f.payments.Calls(), "commit:ptx-o1") != 0 {
		t.Fatalf("insufficient must not commit")
	}
}

func TestApprove_RecoversAlreadyAppliedStatus(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, Order{ID: "o1", Status: StatusCreated})
	f.payments.approve = func(id, _ string) (saga.PaymentStatus, error) {
		return "", saga.NewUnexpectedStatus("payment", id, saga.PaymentHold, saga.PaymentCreated, saga.PaymentInsufficient)
	}

	order, err := f.svc.Approve(context.Background(), "o1", false)
	if err != nil || order.Status != StatusApproved {
		t.Fatalf("expected APPROVED, got %s %v", order.Status, err)
	}
}

func TestApprove_NoDecisionKeepsIntermediate(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, Order{ID: "o1", Status: StatusCreated})
	f.payments.approve = func(string, string) (saga.PaymentStatus, error) { return saga.PaymentCreated, nil }

	order, err := f.svc.Approve(context.Background(), "o1", false)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if order.Status != StatusApproving {
		t.Fatalf("expected APPROVING, got %s", order.Status)
	}
}

func TestApprove_ParticipantErrorNonTwoPhase(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, Order{ID: "o1", Status: StatusCreated})
	boom := errors.New("payment down")
	f.payments.approve = func(string, string) (saga.PaymentStatus, error) { return "", boom }

	if _, err := f.svc.Approve(context.Background(), "o1", false); !errors.Is(err, boom) {
		t.Fatalf("expected payment error, got %v", err)
	}
	if count(f.reserves.Calls(), "approve") != 1 {
		t.Fatalf("both steps must run, got %v", f.reserves.Calls())
	}
	if count(f.payments.Calls(), "rollback:") != 0 {
		t.Fatalf("non two-phase failure must not compensate")
	}
}

func TestApprove_RejectsWrongStatus(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, Order{ID: "o1", Status: StatusReleased})

	_, err := f.svc.Approve(context.Background(), "o1", false)
	var unexpected *saga.UnexpectedStatusError
	if !errors.As(err, &unexpected) || unexpected.Status != string(StatusReleased) {
		t.Fatalf("expected precondition error, got %v", err)
	}
	if len(f.payments.Calls()) != 0 || len(f.notifier.Statuses()) != 0 {
		t.Fatalf("rejected operation must have no side effects")
	}
	if _, err := f.svc.Approve(context.Background(), "missing", false); !errors.Is(err, saga.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestApprove_TwoPhaseNeedsTransactionIDs(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, Order{ID: "o1", Status: StatusCreated})

	if _, err := f.svc.Approve(context.Background(), "o1", true); !errors.Is(err, saga.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestTwoPhaseOrderInFlightNeedsTwoPhase(t *testing.T) {
	cases := []struct {
		status Status
		call   func(*Service) (Order, error)
	}{
		{StatusApproving, func(s *Service) (Order, error) { return s.Approve(context.Background(), "o1", false) }},
		{StatusApproving, func(s *Service) (Order, error) { return s.Resume(context.Background(), "o1", false) }},
		{StatusReleasing, func(s *Service) (Order, error) { return s.Resume(context.Background(), "o1", false) }},
		{StatusCancelling, func(s *Service) (Order, error) { return s.Cancel(context.Background(), "o1", false) }},
		{StatusCreating, func(s *Service) (Order, error) { return s.Resume(context.Background(), "o1", false) }},
	}
	for _, tc := range cases {
		f := newFixture(t, nil)
		f.seed(t, twoPhase(Order{ID: "o1", Status: tc.status}))

		if _, err := tc.call(f.svc); !errors.Is(err, saga.ErrInvalidArgument) {
			t.Fatalf("%s: expected invalid argument, got %v", tc.status, err)
		}
		if len(f.payments.Calls()) != 0 {
			t.Fatalf("%s: must not call participants, got %v", tc.status, f.payments.Calls())
		}
		stored, err := f.store.Find(context.Background(), "o1")
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		if stored.Status != tc.status {
			t.Fatalf("%s: status changed to %s", tc.status, stored.Status)
		}
	}
}

func TestApprove_PrepareFailureRollsBackParticipants(t *testing.T) {
	prepareErr := &tpc.PrepareError{ID: "o1", Err: errors.New("disk full")}
	f := newFixture(t, func(s *MemoryStore) Transactor { return failingPrepare{MemoryStore: s, err: prepareErr} })
	f.seed(t, twoPhase(Order{ID: "o1", Status: StatusCreated}))

	_, err := f.svc.Approve(context.Background(), "o1", true)
	if !errors.Is(err, prepareErr) {
		t.Fatalf("expected prepare error, got %v", err)
	}
	if count(f.payments.Calls(), "rollback:ptx-o1") != 1 || count(f.reserves.Calls(), "rollback:rtx-o1") != 1 {
		t.Fatalf("expected remote rollback, got %v %v", f.payments.Calls(), f.reserves.Calls())
	}
	stored, _ := f.store.Find(context.Background(), "o1")
	if stored.Status != StatusApproving {
		t.Fatalf("expected APPROVING, got %s", stored.Status)
	}
}

func TestApprove_CommitFailureSurfacesThenResumeFinishes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.seed(t, twoPhase(Order{ID: "o1", Status: StatusCreated}))
	commitErr := errors.New("reserve commit failed")
	failing := true
	f.reserves.commit = func(string) error {
		if failing {
			return commitErr
		}
		return nil
	}

	if _, err := f.svc.Approve(ctx, "o1", true); !errors.Is(err, commitErr) {
		t.Fatalf("expected commit error, got %v", err)
	}
	if count(f.payments.Calls(), "rollback:ptx-o1") != 0 {
		t.Fatalf("commit failure must not compensate")
	}
	if ids, _ := f.store.ListActive(ctx); !slices.Equal(ids, []string{"o1"}) {
		t.Fatalf("expected local transaction left prepared, got %v", ids)
	}

	failing = false
	order, err := f.svc.Resume(ctx, "o1", true)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if order.Status != StatusApproved {
		t.Fatalf("expected APPROVED after resume, got %s", order.Status)
	}
	if count(f.payments.Calls(), "approve") != 1 {
		t.Fatalf("resume must not run approve again, got %v", f.payments.Calls())
	}
}

func TestApprove_TwoPhaseRetryDecidesFromParticipants(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.seed(t, twoPhase(Order{ID: "o1", Status: StatusApproving}))
	f.payments.get = func(id string) (saga.Payment, error) {
		return saga.Payment{ID: id, Status: saga.PaymentHold}, nil
	}
	f.reserves.get = func(id string) (saga.Reserve, error) {
		return saga.Reserve{ID: id, Status: saga.ReserveApproved}, nil
	}

	order, err := f.svc.Approve(ctx, "o1", true)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if order.Status != StatusApproved {
		t.Fatalf("expected APPROVED, got %s", order.Status)
	}
	if count(f.payments.Calls(), "approve") != 0 || count(f.reserves.Calls(), "approve") != 0 {
		t.Fatalf("participants must not be approved twice")
	}
	all, _ := f.store.FindAll(ctx)
	if len(all) != 1 {
		t.Fatalf("expected one order row, got %d", len(all))
	}
}

func TestApprove_TwoPhaseRetryRunsAgainWithoutDecision(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, twoPhase(Order{ID: "o1", Status: StatusApproving}))

	order, err := f.svc.Approve(context.Background(), "o1", true)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if order.Status != StatusApproved {
		t.Fatalf("expected APPROVED, got %s", order.Status)
	}
	if count(f.payments.Calls(), "approve") != 1 || count(f.reserves.Calls(), "approve") != 1 {
		t.Fatalf("expected approve to run once, got %v %v", f.payments.Calls(), f.reserves.Calls())
	}
}

func TestRelease_AndCancel(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, Order{ID: "o1", Status: StatusApproved})
	f.seed(t, Order{ID: "o2", Status: StatusInsufficient})

	released, err := f.svc.Release(context.Background(), "o1", false)
	if err != nil || released.Status != StatusReleased {
		t.Fatalf("expected RELEASED, got %s %v", released.Status, err)
	}
	cancelled, err := f.svc.Cancel(context.Background(), "o2", false)
	if err != nil || cancelled.Status != StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s %v", cancelled.Status, err)
	}
	if _, err := f.svc.Cancel(context.Background(), "o1", false); err == nil {
		t.Fatalf("expected cancel of RELEASED order to fail")
	}
}

func TestCancel_PartialCancelIsUndecided(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, Order{ID: "o1", Status: StatusApproved})
	f.reserves.cancel = func(string, string) (saga.ReserveResult, error) {
		return saga.ReserveResult{Status: saga.ReserveApproved}, nil
	}

	order, err := f.svc.Cancel(context.Background(), "o1", false)
	if err != nil || order.Status != StatusCancelling {
		t.Fatalf("expected CANCELLING, got %s %v", order.Status, err)
	}
}

func TestResume_Dispatch(t *testing.T) {
	cases := []struct {
		from Status
		want Status
		call string
	}{
		{StatusCreating, StatusCreated, "create"},
		{StatusApproving, StatusApproved, "approve"},
		{StatusInsufficient, StatusApproved, "approve"},
		{StatusReleasing, StatusReleased, "pay"},
		{StatusCancelling, StatusCancelled, "cancel"},
	}
	for _, tc := range cases {
		f := newFixture(t, nil)
		f.seed(t, Order{ID: "o1", Status: tc.from})

		order, err := f.svc.Resume(context.Background(), "o1", false)
		if err != nil {
			t.Fatalf("resume from %s: %v", tc.from, err)
		}
		if order.Status != tc.want {
			t.Fatalf("resume from %s: expected %s, got %s", tc.from, tc.want, order.Status)
		}
		if count(f.payments.Calls(), tc.call) != 1 {
			t.Fatalf("resume from %s: expected payment %s, got %v", tc.from, tc.call, f.payments.Calls())
		}
	}
}

func TestResume_RejectsSettledStatuses(t *testing.T) {
	for _, status := range []Status{StatusCreated, StatusApproved, StatusReleased, StatusCancelled} {
		f := newFixture(t, nil)
		f.seed(t, Order{ID: "o1", Status: status})

		_, err := f.svc.Resume(context.Background(), "o1", false)
		var unexpected *saga.UnexpectedStatusError
		if !errors.As(err, &unexpected) {
			t.Fatalf("resume from %s: expected rejection, got %v", status, err)
		}
		if len(f.payments.Calls()) != 0 {
			t.Fatalf("resume from %s must not call participants", status)
		}
	}
}

func TestResume_TwoPhaseCreateFinishesCommit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.seed(t, twoPhase(Order{ID: "o1", Status: StatusCreating}))
	err := f.store.Prepare(ctx, "o1", func(ctx context.Context, s Store) error {
		_, err := s.Save(ctx, Order{ID: "o1", Status: StatusCreated, PaymentID: "pay-o1", ReserveID: "res-o1"})
		return err
	})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	order, err := f.svc.Resume(ctx, "o1", true)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if order.Status != StatusCreated || order.PaymentID != "pay-o1" {
		t.Fatalf("unexpected order %+v", order)
	}
	if count(f.payments.Calls(), "create") != 0 {
		t.Fatalf("resume must not create again, got %v", f.payments.Calls())
	}
}

func TestGet_IncludesParticipants(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, Order{ID: "o1", Status: StatusApproved})
	f.seed(t, Order{ID: "o2", Status: StatusCreating})

	details, err := f.svc.Get(context.Background(), "o1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if details.Payment == nil || details.Payment.ID != "pay-o1" || details.Reserve == nil || details.Reserve.ID != "res-o1" {
		t.Fatalf("unexpected details %+v", details)
	}

	bare, err := f.svc.Get(context.Background(), "o2")
	if err != nil || bare.Payment != nil || bare.Reserve != nil {
		t.Fatalf("order without participants: %+v %v", bare, err)
	}
}

func TestApproveFunded_ApprovesWhatFits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f.seed(t, Order{ID: "o1", Status: StatusInsufficient, CreatedAt: base})
	f.seed(t, Order{ID: "o2", Status: StatusInsufficient, CreatedAt: base.Add(time.Minute)})
	f.seed(t, Order{ID: "o3", Status: StatusInsufficient, CreatedAt: base.Add(2 * time.Minute)})
	amounts := map[string]float64{"pay-o1": 6, "pay-o2": 6, "pay-o3": 3}
	f.payments.get = func(id string) (saga.Payment, error) {
		return saga.Payment{ID: id, Amount: amounts[id], Status: saga.PaymentInsufficient}, nil
	}

	approved, err := f.svc.ApproveFunded(ctx, "c1", 10)
	if err != nil {
		t.Fatalf("approve funded: %v", err)
	}
	var ids []string
	for _, o := range approved {
		ids = append(ids, o.ID)
	}
	if !slices.Equal(ids, []string{"o1", "o3"}) {
		t.Fatalf("expected o1 and o3 approved, got %v", ids)
	}
	if o2, _ := f.store.Find(ctx, "o2"); o2.Status != StatusInsufficient {
		t.Fatalf("o2 must stay INSUFFICIENT, got %s", o2.Status)
	}
}
