package order

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"relicflow/audit"
	"relicflow/catalog"
	"relicflow/fault"
	"relicflow/identity"
	"relicflow/payment"
)

var (
	buyer  = identity.Actor{ID: "buyer-1", Role: identity.RoleBuyer}
	seller = identity.Actor{ID: "seller-1", Role: identity.RoleSeller}
	admin  = identity.Actor{ID: "admin-1", Role: identity.RoleAdmin}
)

func newTestService(repo *fakeRepo, gw *fakeGateway) (*Service, *fakePool, *fakeLedger, *fakeOutbox) {
	pool := &fakePool{}
	ledger := &fakeLedger{}
	ob := &fakeOutbox{}
	svc := NewService(pool, repo, ledger, ob, gw).
		WithIDGenerator(func() string { return "order-1" })
	return svc, pool, ledger, ob
}

func escrowOrder() Order {
	pid := "product-1"
	return Order{
		ID:                "order-1",
		ProductID:         &pid,
		BuyerID:           buyer.ID,
		SellerID:          seller.ID,
		Status:            StatusEscrow,
		Amount:            decimal.RequireFromString("150.00"),
		BuyerSatisfaction: SatisfactionPending,
	}
}

func TestCreate_Success(t *testing.T) {
	repo := &fakeRepo{product: catalog.Product{
		ID:       "product-1",
		SellerID: seller.ID,
		Title:    "1994 Signed Match Ball",
		Price:    decimal.RequireFromString("150.00"),
	}}
	gw := &fakeGateway{intent: payment.CheckoutIntent{IntentID: "pi_1", RedirectURL: "https://gw.test/pi_1"}}
	svc, pool, ledger, _ := newTestService(repo, gw)

	res, err := svc.Create(context.Background(), buyer, "product-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if res.Order.Status != StatusPending {
		t.Errorf("expected pending status, got %s", res.Order.Status)
	}
	if res.Order.TransactionID == nil || *res.Order.TransactionID != "pi_1" {
		t.Errorf("expected transaction id pi_1, got %v", res.Order.TransactionID)
	}
	if res.RedirectURL != "https://gw.test/pi_1" {
		t.Errorf("unexpected redirect url %q", res.RedirectURL)
	}
	if repo.setTxnID != "pi_1" {
		t.Errorf("expected transaction id persisted, got %q", repo.setTxnID)
	}
	if len(pool.txs) != 2 {
		t.Fatalf("expected 2 transactions (insert, finalize), got %d", len(pool.txs))
	}
	for i, tx := range pool.txs {
		if !tx.committed {
			t.Errorf("expected tx %d committed", i)
		}
	}
	if len(ledger.entries) != 1 || ledger.entries[0].Action != audit.ActionOrderCreated {
		t.Fatalf("expected single %q audit entry, got %+v", audit.ActionOrderCreated, ledger.entries)
	}
	// The creation entry must commit together with the insert, not in the
	// finalize transaction.
	if len(ledger.txs) != 1 || ledger.txs[0] != pool.txs[0] {
		t.Error("expected the creation entry appended in the insert transaction")
	}
}

func TestCreate_OwnProductForbidden(t *testing.T) {
	repo := &fakeRepo{product: catalog.Product{ID: "product-1", SellerID: buyer.ID, Price: decimal.New(10, 0)}}
	svc, _, _, _ := newTestService(repo, &fakeGateway{})

	_, err := svc.Create(context.Background(), buyer, "product-1")
	if fault.KindOf(err) != fault.KindForbidden {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if repo.inserted {
		t.Error("expected no insert")
	}
}

func TestCreate_GatewayFailureCompensates(t *testing.T) {
	repo := &fakeRepo{product: catalog.Product{ID: "product-1", SellerID: seller.ID, Price: decimal.New(10, 0)}}
	gw := &fakeGateway{err: fault.GatewayUnavailable("payment gateway timed out")}
	svc, pool, ledger, _ := newTestService(repo, gw)

	_, err := svc.Create(context.Background(), buyer, "product-1")
	if fault.KindOf(err) != fault.KindGatewayUnavailable {
		t.Fatalf("expected gateway unavailable, got %v", err)
	}
	if !repo.deleted {
		t.Error("expected pending order deleted after gateway failure")
	}
	// The creation entry committed with the insert and the ledger is
	// append-only, so it survives the compensation delete.
	if len(ledger.entries) != 1 || ledger.entries[0].Action != audit.ActionOrderCreated {
		t.Fatalf("expected the creation entry to remain, got %+v", ledger.entries)
	}
	// insert tx and compensation tx both commit; no finalize tx exists
	if len(pool.txs) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(pool.txs))
	}
}

func TestCreate_RequiresBuyer(t *testing.T) {
	svc, _, _, _ := newTestService(&fakeRepo{}, &fakeGateway{})
	if _, err := svc.Create(context.Background(), seller, "product-1"); fault.KindOf(err) != fault.KindForbidden {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestConfirmPayment_Success(t *testing.T) {
	ord := escrowOrder()
	ord.Status = StatusPending
	repo := &fakeRepo{order: ord}
	svc, pool, ledger, ob := newTestService(repo, &fakeGateway{})

	event := payment.CompletedEvent{EventID: "evt-1", OrderID: "order-1", GatewayTransactionID: "txn-9"}
	if err := svc.ConfirmPayment(context.Background(), event); err != nil {
		t.Fatalf("confirm payment: %v", err)
	}
	if repo.updatedStatus != StatusEscrow {
		t.Errorf("expected status escrow, got %s", repo.updatedStatus)
	}
	if len(ledger.entries) != 1 || ledger.entries[0].Action != audit.ActionPaymentConfirmed {
		t.Fatalf("expected payment confirmed entry, got %+v", ledger.entries)
	}
	if len(ob.messages) != 1 || ob.messages[0].topic != "order.payment_confirmed" {
		t.Fatalf("expected payment confirmed outbox message, got %+v", ob.messages)
	}
	if !pool.txs[0].committed {
		t.Error("expected commit")
	}
}

func TestConfirmPayment_DuplicateEventIsNoop(t *testing.T) {
	repo := &fakeRepo{reserveErr: ErrDuplicateEvent}
	svc, pool, ledger, _ := newTestService(repo, &fakeGateway{})

	event := payment.CompletedEvent{EventID: "evt-1", OrderID: "order-1"}
	if err := svc.ConfirmPayment(context.Background(), event); err != nil {
		t.Fatalf("expected nil on duplicate, got %v", err)
	}
	if pool.txs[0].committed {
		t.Error("expected commit skipped on duplicate event")
	}
	if !pool.txs[0].rolled {
		t.Error("expected rollback")
	}
	if len(ledger.entries) != 0 {
		t.Errorf("expected no audit entries, got %+v", ledger.entries)
	}
}

func TestConfirmPayment_AlreadyConfirmedIsNoop(t *testing.T) {
	repo := &fakeRepo{order: escrowOrder()}
	svc, pool, _, ob := newTestService(repo, &fakeGateway{})

	event := payment.CompletedEvent{EventID: "evt-2", OrderID: "order-1"}
	if err := svc.ConfirmPayment(context.Background(), event); err != nil {
		t.Fatalf("expected nil on replay, got %v", err)
	}
	if repo.updatedStatus != "" {
		t.Errorf("expected no status update, got %s", repo.updatedStatus)
	}
	if len(ob.messages) != 0 {
		t.Errorf("expected no outbox messages, got %+v", ob.messages)
	}
	if pool.txs[0].committed {
		t.Error("expected commit skipped")
	}
}

func TestCancel_PendingDeletesOrder(t *testing.T) {
	ord := escrowOrder()
	ord.Status = StatusPending
	repo := &fakeRepo{order: ord}
	svc, _, ledger, _ := newTestService(repo, &fakeGateway{})

	if err := svc.Cancel(context.Background(), buyer, "order-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !repo.deleted {
		t.Error("expected order deleted")
	}
	if len(ledger.entries) != 1 || ledger.entries[0].Action != audit.ActionOrderCancelled {
		t.Fatalf("expected cancelled entry, got %+v", ledger.entries)
	}
}

func TestCancel_NotOwnerForbidden(t *testing.T) {
	ord := escrowOrder()
	ord.Status = StatusPending
	ord.BuyerID = "someone-else"
	repo := &fakeRepo{order: ord}
	svc, _, _, _ := newTestService(repo, &fakeGateway{})

	if err := svc.Cancel(context.Background(), buyer, "order-1"); fault.KindOf(err) != fault.KindForbidden {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestCancel_AfterPaymentRejected(t *testing.T) {
	repo := &fakeRepo{order: escrowOrder()}
	svc, _, _, _ := newTestService(repo, &fakeGateway{})

	err := svc.Cancel(context.Background(), buyer, "order-1")
	if fault.KindOf(err) != fault.KindInvalidState {
		t.Fatalf("expected invalid state, got %v", err)
	}
	if repo.deleted {
		t.Error("expected order untouched")
	}
}

func TestSelectDeliveryOptions_Success(t *testing.T) {
	repo := &fakeRepo{order: escrowOrder()}
	svc, _, ledger, _ := newTestService(repo, &fakeGateway{})

	err := svc.SelectDeliveryOptions(context.Background(), buyer, "order-1", []string{"DHL", "UPS", "DHL"})
	if err != nil {
		t.Fatalf("select delivery options: %v", err)
	}
	if len(repo.setOptions) != 2 {
		t.Fatalf("expected deduplicated options, got %v", repo.setOptions)
	}
	if len(ledger.entries) != 1 || ledger.entries[0].Action != audit.ActionDeliverySelected {
		t.Fatalf("expected delivery entry, got %+v", ledger.entries)
	}
}

func TestSelectDeliveryOptions_UnknownCarrier(t *testing.T) {
	svc, _, _, _ := newTestService(&fakeRepo{order: escrowOrder()}, &fakeGateway{})

	err := svc.SelectDeliveryOptions(context.Background(), buyer, "order-1", []string{"PigeonPost"})
	if fault.KindOf(err) != fault.KindInvalidRequest {
		t.Fatalf("expected invalid request, got %v", err)
	}
}

func TestSelectDeliveryOptions_AlreadySelected(t *testing.T) {
	ord := escrowOrder()
	ord.DeliveryOptions = []string{"DHL"}
	svc, _, _, _ := newTestService(&fakeRepo{order: ord}, &fakeGateway{})

	err := svc.SelectDeliveryOptions(context.Background(), buyer, "order-1", []string{"UPS"})
	if fault.KindOf(err) != fault.KindInvalidState {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestConfirmShipping_Success(t *testing.T) {
	ord := escrowOrder()
	ord.DeliveryOptions = []string{"DHL", "UPS"}
	repo := &fakeRepo{order: ord}
	svc, _, ledger, _ := newTestService(repo, &fakeGateway{})

	if err := svc.ConfirmShipping(context.Background(), seller, "order-1", "UPS", "1Z999"); err != nil {
		t.Fatalf("confirm shipping: %v", err)
	}
	if repo.shipProvider != "UPS" || repo.shipTracking != "1Z999" {
		t.Errorf("unexpected shipping %q %q", repo.shipProvider, repo.shipTracking)
	}
	if len(ledger.entries) != 1 || ledger.entries[0].Action != audit.ActionShippingConfirmed {
		t.Fatalf("expected shipping entry, got %+v", ledger.entries)
	}
}

func TestConfirmShipping_NoApprovedOptions(t *testing.T) {
	repo := &fakeRepo{order: escrowOrder()}
	svc, _, _, _ := newTestService(repo, &fakeGateway{})

	err := svc.ConfirmShipping(context.Background(), seller, "order-1", "UPS", "1Z999")
	if fault.KindOf(err) != fault.KindPreconditionFailed {
		t.Fatalf("expected precondition failed, got %v", err)
	}
}

func TestConfirmShipping_ProviderOutsideApprovedSet(t *testing.T) {
	ord := escrowOrder()
	ord.DeliveryOptions = []string{"DHL"}
	svc, _, _, _ := newTestService(&fakeRepo{order: ord}, &fakeGateway{})

	err := svc.ConfirmShipping(context.Background(), seller, "order-1", "UPS", "1Z999")
	if fault.KindOf(err) != fault.KindInvalidRequest {
		t.Fatalf("expected invalid request, got %v", err)
	}
}

func TestConfirmShipping_BeforePaymentRejected(t *testing.T) {
	ord := escrowOrder()
	ord.Status = StatusPending
	ord.DeliveryOptions = []string{"DHL"}
	svc, _, _, _ := newTestService(&fakeRepo{order: ord}, &fakeGateway{})

	err := svc.ConfirmShipping(context.Background(), seller, "order-1", "DHL", "1Z999")
	if fault.KindOf(err) != fault.KindInvalidState {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestMarkSatisfaction_OneShot(t *testing.T) {
	repo := &fakeRepo{order: escrowOrder()}
	svc, _, ledger, _ := newTestService(repo, &fakeGateway{})

	if err := svc.MarkSatisfaction(context.Background(), buyer, "order-1", SatisfactionSatisfied); err != nil {
		t.Fatalf("mark satisfaction: %v", err)
	}
	if repo.satisfaction != SatisfactionSatisfied {
		t.Errorf("expected satisfied, got %s", repo.satisfaction)
	}
	if len(ledger.entries) != 1 || ledger.entries[0].Action != audit.ActionSatisfactionMarked {
		t.Fatalf("expected satisfaction entry, got %+v", ledger.entries)
	}

	repo.order.BuyerSatisfaction = SatisfactionSatisfied
	err := svc.MarkSatisfaction(context.Background(), buyer, "order-1", SatisfactionFine)
	if fault.KindOf(err) != fault.KindInvalidState {
		t.Fatalf("expected invalid state on second mark, got %v", err)
	}
}

func TestMarkSatisfaction_RejectsDisputedValue(t *testing.T) {
	svc, _, _, _ := newTestService(&fakeRepo{order: escrowOrder()}, &fakeGateway{})

	err := svc.MarkSatisfaction(context.Background(), buyer, "order-1", SatisfactionDisputed)
	if fault.KindOf(err) != fault.KindInvalidRequest {
		t.Fatalf("expected invalid request, got %v", err)
	}
}

func TestForceCancel_ShippedOrder(t *testing.T) {
	ord := escrowOrder()
	ord.Status = StatusShipped
	repo := &fakeRepo{order: ord}
	svc, _, ledger, _ := newTestService(repo, &fakeGateway{})

	if err := svc.ForceCancel(context.Background(), admin, "order-1"); err != nil {
		t.Fatalf("force cancel: %v", err)
	}
	if repo.updatedStatus != StatusCancelled {
		t.Errorf("expected cancelled, got %s", repo.updatedStatus)
	}
	if len(ledger.entries) != 1 || ledger.entries[0].Action != audit.ActionOrderCancelled {
		t.Fatalf("expected cancelled entry, got %+v", ledger.entries)
	}
}

func TestForceCancel_EscrowRejected(t *testing.T) {
	svc, _, _, _ := newTestService(&fakeRepo{order: escrowOrder()}, &fakeGateway{})

	err := svc.ForceCancel(context.Background(), admin, "order-1")
	if fault.KindOf(err) != fault.KindInvalidState {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestGet_VisibilityRules(t *testing.T) {
	repo := &fakeRepo{order: escrowOrder()}
	svc, _, _, _ := newTestService(repo, &fakeGateway{})

	for _, actor := range []identity.Actor{buyer, seller, admin} {
		if _, err := svc.Get(context.Background(), actor, "order-1"); err != nil {
			t.Errorf("get as %s: %v", actor.Role, err)
		}
	}

	stranger := identity.Actor{ID: "buyer-2", Role: identity.RoleBuyer}
	if _, err := svc.Get(context.Background(), stranger, "order-1"); fault.KindOf(err) != fault.KindForbidden {
		t.Errorf("expected forbidden for stranger, got %v", err)
	}
}

func TestAmountStats_AdminOnlyAndAudited(t *testing.T) {
	repo := &fakeRepo{stats: Stats{Count: 3, Total: decimal.RequireFromString("450.00")}}
	svc, _, ledger, _ := newTestService(repo, &fakeGateway{})

	if _, err := svc.AmountStats(context.Background(), buyer); fault.KindOf(err) != fault.KindForbidden {
		t.Fatalf("expected forbidden, got %v", err)
	}

	stats, err := svc.AmountStats(context.Background(), admin)
	if err != nil {
		t.Fatalf("amount stats: %v", err)
	}
	if stats.Count != 3 {
		t.Errorf("unexpected count %d", stats.Count)
	}
	if len(ledger.entries) != 1 || ledger.entries[0].Action != audit.ActionStatsRetrieved {
		t.Fatalf("expected stats entry, got %+v", ledger.entries)
	}
}

type fakeRepo struct {
	product    catalog.Product
	order      Order
	stats      Stats
	reserveErr error

	inserted      bool
	deleted       bool
	updatedStatus Status
	setTxnID      string
	setOptions    []string
	shipProvider  string
	shipTracking  string
	satisfaction  Satisfaction
}

func (f *fakeRepo) Insert(ctx context.Context, tx pgx.Tx, o Order) (Order, error) {
	f.inserted = true
	f.order = o
	return o, nil
}

func (f *fakeRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, orderID string) (Order, error) {
	if f.order.ID == "" {
		return Order{}, fault.NotFound("order %s not found", orderID)
	}
	return f.order, nil
}

func (f *fakeRepo) SetTransactionID(ctx context.Context, tx pgx.Tx, orderID, transactionID string) error {
	f.setTxnID = transactionID
	return nil
}

func (f *fakeRepo) UpdateStatus(ctx context.Context, tx pgx.Tx, orderID string, status Status) error {
	f.updatedStatus = status
	return nil
}

func (f *fakeRepo) Delete(ctx context.Context, tx pgx.Tx, orderID string) error {
	f.deleted = true
	return nil
}

func (f *fakeRepo) SetDeliveryOptions(ctx context.Context, tx pgx.Tx, orderID string, options []string) error {
	f.setOptions = options
	return nil
}

func (f *fakeRepo) SetShipping(ctx context.Context, tx pgx.Tx, orderID, provider, tracking string) error {
	f.shipProvider = provider
	f.shipTracking = tracking
	return nil
}

func (f *fakeRepo) SetSatisfaction(ctx context.Context, tx pgx.Tx, orderID string, value Satisfaction) error {
	f.satisfaction = value
	return nil
}

func (f *fakeRepo) ReserveEvent(ctx context.Context, tx pgx.Tx, eventID string) error {
	return f.reserveErr
}

func (f *fakeRepo) ProductForPurchase(ctx context.Context, tx pgx.Tx, productID string) (catalog.Product, error) {
	if f.product.ID == "" {
		return catalog.Product{}, fault.NotFound("product %s not found", productID)
	}
	return f.product, nil
}

func (f *fakeRepo) AmountStats(ctx context.Context, tx pgx.Tx) (Stats, error) {
	return f.stats, nil
}

func (f *fakeRepo) Get(ctx context.Context, orderID string) (Order, error) {
	if f.order.ID == "" {
		return Order{}, fault.NotFound("order %s not found", orderID)
	}
	return f.order, nil
}

func (f *fakeRepo) ListByBuyer(ctx context.Context, buyerID string) ([]Order, error) {
	return []Order{f.order}, nil
}

func (f *fakeRepo) ListBySeller(ctx context.Context, sellerID string) ([]Order, error) {
	return []Order{f.order}, nil
}

func (f *fakeRepo) ListAll(ctx context.Context, limit int) ([]Order, error) {
	return []Order{f.order}, nil
}

type fakeLedger struct {
	entries []audit.Entry
	txs     []pgx.Tx
}

func (f *fakeLedger) Append(ctx context.Context, tx pgx.Tx, entry audit.Entry) error {
	f.entries = append(f.entries, entry)
	f.txs = append(f.txs, tx)
	return nil
}

type outboxMessage struct {
	topic   string
	payload map[string]any
}

type fakeOutbox struct {
	messages []outboxMessage
}

func (f *fakeOutbox) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	f.messages = append(f.messages, outboxMessage{topic: topic, payload: payload})
	return nil
}

type fakeGateway struct {
	intent payment.CheckoutIntent
	err    error
	calls  int
}

func (f *fakeGateway) CreateCheckoutIntent(ctx context.Context, params payment.CheckoutParams) (payment.CheckoutIntent, error) {
	f.calls++
	if f.err != nil {
		return payment.CheckoutIntent{}, f.err
	}
	return f.intent, nil
}

type fakePool struct {
	txs []*fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	tx := &fakeTx{}
	f.txs = append(f.txs, tx)
	return tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
