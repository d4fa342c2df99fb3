package engine_test

import (
	"context"
	"errors"
	"regexp"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/sync/errgroup"

	"github.com/vladislavdragonenkov/ordercore/internal/domain"
	"github.com/vladislavdragonenkov/ordercore/internal/domain/mocks"
	"github.com/vladislavdragonenkov/ordercore/internal/metrics"
	"github.com/vladislavdragonenkov/ordercore/internal/service/engine"
	"github.com/vladislavdragonenkov/ordercore/internal/service/numbering"
	"github.com/vladislavdragonenkov/ordercore/internal/service/stock"
	"github.com/vladislavdragonenkov/ordercore/internal/storage/memory"
)

var numberRe = regexp.MustCompile(`^[A-Z]{1,2}-\d{8}-(\d{4}|\d{6,9})$`)

type pendingOutbox interface {
	domain.OutboxRepository
	AllPending() []domain.OutboxMessage
}

type fixture struct {
	engine   *engine.Engine
	repo     domain.TransactionRepository
	catalog  *memory.Catalog
	stock    *memory.StockStore
	outbox   pendingOutbox
	timeline domain.TimelineRepository
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithRepo(t, memory.NewTransactionRepository())
}

func newFixtureWithRepo(t *testing.T, repo domain.TransactionRepository) *fixture {
	t.Helper()
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	return newFixtureWithClock(t, repo, now, func() time.Time { return now })
}

func newFixtureWithClock(t *testing.T, repo domain.TransactionRepository, now time.Time, clock func() time.Time) *fixture {
	t.Helper()

	var tick atomic.Int64
	numberClock := func() time.Time {
		return now.Add(time.Duration(tick.Add(1)))
	}

	catalog := memory.NewCatalog()
	catalog.PutItem(domain.Item{ID: "item-a", Name: "Widget A"})
	catalog.PutItem(domain.Item{ID: "item-b", Name: "Widget B"})

	stockStore := memory.NewStockStore()
	stockStore.PutStock(domain.StockRecord{ItemID: "item-a", WarehouseID: "wh-1", OnHand: decimal.NewFromInt(10)})
	stockStore.PutStock(domain.StockRecord{ItemID: "item-b", WarehouseID: "wh-1", OnHand: decimal.NewFromInt(8), Reserved: decimal.NewFromInt(3)})

	m := metrics.NewEngineMetricsWithRegisterer(prometheus.NewRegistry())
	numbers := numbering.New(repo, catalog, numbering.Config{Location: time.UTC},
		numbering.WithClock(numberClock),
		numbering.WithDelay(func(context.Context, time.Duration) error { return nil }),
		numbering.WithObserver(m),
	)

	outbox := memory.NewOutboxRepository()
	timeline := memory.NewTimelineRepository()

	e := engine.New(engine.Dependencies{
		Transactions: repo,
		Stock:        stockStore,
		Numbers:      numbers,
		Guard:        stock.NewGuard(stockStore, catalog, m),
		Timeline:     timeline,
		Outbox:       outbox,
		Metrics:      m,
	}, engine.DefaultConfig(), engine.WithClock(clock))

	return &fixture{
		engine:   e,
		repo:     repo,
		catalog:  catalog,
		stock:    stockStore,
		outbox:   outbox,
		timeline: timeline,
		now:      now,
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func orderLines() []domain.Line {
	return []domain.Line{
		{ItemID: "item-a", UOMID: "pcs", WarehouseID: "wh-1", Quantity: dec("2"), Price: decPtr("10")},
		{ItemID: "item-b", UOMID: "pcs", WarehouseID: "wh-1", Quantity: dec("1"), Price: decPtr("5"), DiscountPct: decPtr("10")},
	}
}

func (f *fixture) createOrder(t *testing.T) *domain.Transaction {
	t.Helper()
	order, err := f.engine.CreateTransactionWithItems(context.Background(), domain.Transaction{
		Type:          domain.TypeSalesOrder,
		BillToPartyID: "party-1",
		CurrencyCode:  "EUR",
	}, orderLines())
	require.NoError(t, err)
	return order
}

func assertTotals(t *testing.T, tx *domain.Transaction, subtotal, discount, final string) {
	t.Helper()
	assert.True(t, tx.Subtotal.Equal(dec(subtotal)), "subtotal %s, want %s", tx.Subtotal, subtotal)
	assert.True(t, tx.TotalDiscount.Equal(dec(discount)), "total discount %s, want %s", tx.TotalDiscount, discount)
	assert.True(t, tx.FinalTotal.Equal(dec(final)), "final total %s, want %s", tx.FinalTotal, final)
}

func TestOrderToPaidInvoice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	order := f.createOrder(t)
	assert.Equal(t, "SA-20240115-0001", order.Number)
	assert.Equal(t, domain.StatusNew, order.Status)
	assertTotals(t, order, "24.5", "0.5", "24")
	require.Len(t, order.Lines, 2)
	assert.Equal(t, 1, order.Lines[0].Sequence)
	assert.Equal(t, 2, order.Lines[1].Sequence)

	approved, err := f.engine.ApproveOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, approved.Status)

	invoice, err := f.engine.ConvertToInvoice(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, "IN-20240115-0001", invoice.Number)
	assert.Equal(t, domain.TypeInvoice, invoice.Type)
	assert.Equal(t, domain.StatusOpen, invoice.Status)
	assert.Equal(t, order.ID, invoice.SourceOrderID)
	assert.Equal(t, "party-1", invoice.BillToPartyID)
	require.NotNil(t, invoice.DueDate)
	assert.Equal(t, f.now.AddDate(0, 0, 30), *invoice.DueDate)
	assertTotals(t, invoice, "24.5", "0.5", "24")

	require.Len(t, invoice.Lines, len(order.Lines))
	for i, line := range invoice.Lines {
		src := order.Lines[i]
		assert.NotEqual(t, src.ID, line.ID)
		assert.Equal(t, invoice.ID, line.TransactionID)
		assert.Equal(t, src.Snapshot(), line.Snapshot())
	}

	paid, err := f.engine.MarkInvoicePaid(ctx, invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, paid.Status)

	storedOrder, err := f.engine.GetTransactionWithItems(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, storedOrder.Status)

	events, err := f.engine.Timeline(ctx, order.ID)
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{domain.EventTransactionCreated, domain.EventOrderApproved, domain.EventOrderInvoiced}, types)

	assert.Len(t, f.outbox.AllPending(), 5)
}

func TestLifecycleTransitions(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		prepare  func(t *testing.T, f *fixture, order *domain.Transaction) string
		act      func(f *fixture, id string) error
		required string
	}{
		{
			name: "approve rejected order",
			prepare: func(t *testing.T, f *fixture, order *domain.Transaction) string {
				_, err := f.engine.RejectOrder(ctx, order.ID, "customer cancelled")
				require.NoError(t, err)
				return order.ID
			},
			act: func(f *fixture, id string) error {
				_, err := f.engine.ApproveOrder(ctx, id)
				return err
			},
			required: "Only NEW sales orders can be approved",
		},
		{
			name: "reject approved order",
			prepare: func(t *testing.T, f *fixture, order *domain.Transaction) string {
				_, err := f.engine.ApproveOrder(ctx, order.ID)
				require.NoError(t, err)
				return order.ID
			},
			act: func(f *fixture, id string) error {
				_, err := f.engine.RejectOrder(ctx, id, "")
				return err
			},
			required: "Only NEW sales orders can be rejected",
		},
		{
			name: "convert new order",
			prepare: func(t *testing.T, f *fixture, order *domain.Transaction) string {
				return order.ID
			},
			act: func(f *fixture, id string) error {
				_, err := f.engine.ConvertToInvoice(ctx, id)
				return err
			},
			required: "Only APPROVED sales orders can be converted to invoices",
		},
		{
			name: "pay sales order",
			prepare: func(t *testing.T, f *fixture, order *domain.Transaction) string {
				return order.ID
			},
			act: func(f *fixture, id string) error {
				_, err := f.engine.MarkInvoicePaid(ctx, id)
				return err
			},
			required: "Only OPEN invoices can be marked as paid",
		},
		{
			name: "pay paid invoice",
			prepare: func(t *testing.T, f *fixture, order *domain.Transaction) string {
				_, err := f.engine.ApproveOrder(ctx, order.ID)
				require.NoError(t, err)
				invoice, err := f.engine.ConvertToInvoice(ctx, order.ID)
				require.NoError(t, err)
				_, err = f.engine.MarkInvoicePaid(ctx, invoice.ID)
				require.NoError(t, err)
				return invoice.ID
			},
			act: func(f *fixture, id string) error {
				_, err := f.engine.MarkInvoicePaid(ctx, id)
				return err
			},
			required: "Only OPEN invoices can be marked as paid",
		},
		{
			name: "approve invoice",
			prepare: func(t *testing.T, f *fixture, order *domain.Transaction) string {
				_, err := f.engine.ApproveOrder(ctx, order.ID)
				require.NoError(t, err)
				invoice, err := f.engine.ConvertToInvoice(ctx, order.ID)
				require.NoError(t, err)
				return invoice.ID
			},
			act: func(f *fixture, id string) error {
				_, err := f.engine.ApproveOrder(ctx, id)
				return err
			},
			required: "Only NEW sales orders can be approved",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			order := f.createOrder(t)
			id := tt.prepare(t, f, order)

			before, err := f.repo.Get(ctx, id)
			require.NoError(t, err)

			err = tt.act(f, id)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)

			var stateErr *domain.InvalidStateTransitionError
			require.True(t, errors.As(err, &stateErr))
			assert.Equal(t, tt.required, stateErr.Required)

			after, err := f.repo.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, before.Status, after.Status)
			assert.Equal(t, before.Version, after.Version)
		})
	}
}

func TestCanTransition(t *testing.T) {
	order := &domain.Transaction{Type: domain.TypeSalesOrder, Status: domain.StatusNew}
	assert.True(t, engine.CanTransition(order, engine.ActionApprove))
	assert.True(t, engine.CanTransition(order, engine.ActionReject))
	assert.False(t, engine.CanTransition(order, engine.ActionInvoice))
	assert.False(t, engine.CanTransition(order, engine.ActionPay))
	assert.False(t, engine.CanTransition(order, engine.Action("archive")))

	generic := &domain.Transaction{Type: domain.TypeGeneric, Status: domain.StatusNew}
	assert.False(t, engine.CanTransition(generic, engine.ActionApprove))
}

// racingRepository выполняет hook один раз перед первым Save, имитируя конкурентную запись.
type racingRepository struct {
	domain.TransactionRepository
	fired atomic.Bool
	hook  func()
}

func (r *racingRepository) Save(ctx context.Context, tx *domain.Transaction, changes domain.LineChanges) error {
	if r.hook != nil && r.fired.CompareAndSwap(false, true) {
		r.hook()
	}
	return r.TransactionRepository.Save(ctx, tx, changes)
}

func TestApproveAndRejectFromSameRead(t *testing.T) {
	ctx := context.Background()
	repo := &racingRepository{TransactionRepository: memory.NewTransactionRepository()}
	f := newFixtureWithRepo(t, repo)
	order := f.createOrder(t)

	var approveErr error
	repo.hook = func() {
		_, approveErr = f.engine.ApproveOrder(ctx, order.ID)
	}

	_, err := f.engine.RejectOrder(ctx, order.ID, "late reject")
	require.NoError(t, approveErr)
	assert.True(t, domain.IsVersionConflict(err), "expected version conflict, got %v", err)

	stored, err := f.engine.GetTransactionWithItems(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, stored.Status)
}

func TestCreate_StockGuard(t *testing.T) {
	ctx := context.Background()

	t.Run("exact availability", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.engine.CreateTransactionWithItems(ctx, domain.Transaction{Type: domain.TypeSalesOrder}, []domain.Line{
			{ItemID: "item-a", WarehouseID: "wh-1", Quantity: dec("10"), Price: decPtr("1")},
		})
		require.NoError(t, err)
	})

	t.Run("insufficient", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.engine.CreateTransactionWithItems(ctx, domain.Transaction{Type: domain.TypeSalesOrder}, []domain.Line{
			{ItemID: "item-a", WarehouseID: "wh-1", Quantity: dec("11"), Price: decPtr("1")},
		})

		var stockErr *domain.InsufficientStockError
		require.True(t, errors.As(err, &stockErr), "got %v", err)
		assert.Equal(t, "Widget A", stockErr.ItemName)
		assert.True(t, stockErr.Available.Equal(dec("10")))
		assert.True(t, stockErr.Requested.Equal(dec("11")))

		all, err := f.engine.ListTransactions(ctx, domain.ListFilter{})
		require.NoError(t, err)
		assert.Empty(t, all)
		assert.Empty(t, f.outbox.AllPending())
	})

	t.Run("reserved quantity is not available", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.engine.CreateTransactionWithItems(ctx, domain.Transaction{Type: domain.TypeInvoice}, []domain.Line{
			{ItemID: "item-b", WarehouseID: "wh-1", Quantity: dec("3"), Price: decPtr("1")},
			{ItemID: "item-b", WarehouseID: "wh-1", Quantity: dec("3"), Price: decPtr("1")},
		})
		assert.ErrorIs(t, err, domain.ErrInsufficientStock)
	})

	t.Run("no stock row", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.engine.CreateTransactionWithItems(ctx, domain.Transaction{Type: domain.TypeSalesOrder}, []domain.Line{
			{ItemID: "item-a", WarehouseID: "wh-9", Quantity: dec("1"), Price: decPtr("1")},
		})
		var notFound *domain.StockNotFoundError
		require.True(t, errors.As(err, &notFound), "got %v", err)
		assert.Equal(t, "wh-9", notFound.WarehouseID)
	})

	t.Run("generic type skips check", func(t *testing.T) {
		f := newFixture(t)
		tx, err := f.engine.CreateTransactionWithItems(ctx, domain.Transaction{Type: domain.TypeGeneric}, []domain.Line{
			{ItemID: "item-a", WarehouseID: "wh-9", Quantity: dec("100"), Price: decPtr("1")},
		})
		require.NoError(t, err)
		assert.Equal(t, "GE-20240115-0001", tx.Number)
		assert.Equal(t, 0, tx.Status)
	})
}

func TestCreate_Validation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.engine.CreateTransactionWithItems(ctx, domain.Transaction{Type: domain.TypeGeneric}, []domain.Line{
		{ItemID: "item-a", Quantity: dec("1")},
		{ItemID: "item-a", Quantity: dec("0"), DiscountPct: decPtr("120")},
	})
	var verr *domain.ValidationError
	require.True(t, errors.As(err, &verr))
	fields := make([]string, 0, len(verr.Fields))
	for _, v := range verr.Fields {
		fields = append(fields, v.Field)
	}
	assert.Equal(t, []string{"lines[1].quantity", "lines[1].discount_pct"}, fields)

	_, err = f.engine.CreateTransactionWithItems(ctx, domain.Transaction{Type: domain.TypeGeneric, HeaderDiscountPct: decPtr("150")}, nil)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.engine.CreateTransactionWithItems(ctx, domain.Transaction{}, nil)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestCreate_InitialStatus(t *testing.T) {
	tests := []struct {
		name    string
		txType  int
		status  int
		want    int
		wantErr bool
	}{
		{name: "order without status", txType: domain.TypeSalesOrder, want: domain.StatusNew},
		{name: "order with initial status", txType: domain.TypeSalesOrder, status: domain.StatusNew, want: domain.StatusNew},
		{name: "order already approved", txType: domain.TypeSalesOrder, status: domain.StatusApproved, wantErr: true},
		{name: "order with unknown status", txType: domain.TypeSalesOrder, status: 42, wantErr: true},
		{name: "invoice already paid", txType: domain.TypeInvoice, status: domain.StatusPaid, wantErr: true},
		{name: "invoice with initial status", txType: domain.TypeInvoice, status: domain.StatusOpen, want: domain.StatusOpen},
		{name: "generic keeps free status", txType: domain.TypeGeneric, status: 42, want: 42},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tx, err := f.engine.CreateTransactionWithItems(context.Background(),
				domain.Transaction{Type: tt.txType, Status: tt.status}, nil)
			if tt.wantErr {
				var verr *domain.ValidationError
				require.True(t, errors.As(err, &verr))
				require.Len(t, verr.Fields, 1)
				assert.Equal(t, "status", verr.Fields[0].Field)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, tx.Status)
		})
	}
}

func TestConvertToInvoice_RequiresApproval(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.engine.CreateTransactionWithItems(ctx, domain.Transaction{Type: domain.TypeSalesOrder, Status: domain.StatusApproved}, orderLines())
	require.ErrorIs(t, err, domain.ErrValidation)

	order := f.createOrder(t)
	_, err = f.engine.ConvertToInvoice(ctx, order.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)
}

func TestCreate_UnknownTypeUsesDefaultPrefix(t *testing.T) {
	f := newFixture(t)
	tx, err := f.engine.CreateTransactionWithItems(context.Background(), domain.Transaction{Type: 77}, nil)
	require.NoError(t, err)
	assert.Equal(t, "TR-20240115-0001", tx.Number)
	assertTotals(t, tx, "0", "0", "0")
}

func TestCreate_SuppliedNumber(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	header := domain.Transaction{Type: domain.TypeGeneric, Number: "EXT-42"}
	tx, err := f.engine.CreateTransactionWithItems(ctx, header, nil)
	require.NoError(t, err)
	assert.Equal(t, "EXT-42", tx.Number)

	_, err = f.engine.CreateTransactionWithItems(ctx, header, nil)
	assert.ErrorIs(t, err, domain.ErrDuplicateNumber)
}

func TestCreate_ConcurrentNumbersAreUnique(t *testing.T) {
	const workers = 20
	f := newFixture(t)

	numbers := make([]string, workers)
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			tx, err := f.engine.CreateTransactionWithItems(context.Background(), domain.Transaction{Type: domain.TypeSalesOrder}, nil)
			if err != nil {
				return err
			}
			numbers[i] = tx.Number
			return nil
		})
	}
	require.NoError(t, g.Wait())

	seen := make(map[string]struct{}, workers)
	for _, n := range numbers {
		assert.Regexp(t, numberRe, n)
		_, dup := seen[n]
		assert.False(t, dup, "duplicate number %s", n)
		seen[n] = struct{}{}
	}
}

func TestCreate_DeadlineBecomesOperationFailed(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := f.engine.CreateTransactionWithItems(ctx, domain.Transaction{Type: domain.TypeGeneric}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrOperationFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, domain.IsBusiness(err))
}

func TestErrorClassification(t *testing.T) {
	ctx := context.Background()
	storageErr := errors.New("connection reset by peer")

	tests := []struct {
		name   string
		getErr error
		target error
	}{
		{name: "storage failure", getErr: storageErr, target: domain.ErrPersistence},
		{name: "not found passes through", getErr: domain.ErrTransactionNotFound, target: domain.ErrTransactionNotFound},
		{name: "canceled", getErr: context.Canceled, target: domain.ErrOperationFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			repo := mocks.NewMockTransactionRepository(ctrl)
			repo.EXPECT().Get(gomock.Any(), "tx-1").Return(nil, tt.getErr)

			e := engine.New(engine.Dependencies{Transactions: repo}, engine.DefaultConfig())
			_, err := e.ApproveOrder(ctx, "tx-1")
			assert.ErrorIs(t, err, tt.target)
			assert.ErrorIs(t, err, tt.getErr)
		})
	}
}

func TestCreate_StorageFailureOnInsert(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockTransactionRepository(ctrl)
	repo.EXPECT().ListNumbers(gomock.Any(), "GE-20240115-").Return(nil, nil)
	repo.EXPECT().NumberExists(gomock.Any(), "GE-20240115-0001").Return(false, nil)
	repo.EXPECT().Create(gomock.Any(), gomock.Any()).Return(errors.New("disk full"))

	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	numbers := numbering.New(repo, memory.NewCatalog(), numbering.Config{Location: time.UTC},
		numbering.WithClock(func() time.Time { return now }))
	e := engine.New(engine.Dependencies{Transactions: repo, Numbers: numbers}, engine.DefaultConfig())

	_, err := e.CreateTransactionWithItems(context.Background(), domain.Transaction{Type: domain.TypeGeneric}, nil)
	var perr *domain.PersistenceError
	require.True(t, errors.As(err, &perr), "got %v", err)
	assert.Equal(t, "create", perr.Op)
}

func TestCreate_InsertCollisionIsRetried(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockTransactionRepository(ctrl)
	numbers := &scriptedNumberer{next: []string{"GE-20240115-0001", "GE-20240115-0002"}}

	gomock.InOrder(
		repo.EXPECT().Create(gomock.Any(), gomock.Any()).Return(domain.ErrNumberTaken),
		repo.EXPECT().Create(gomock.Any(), gomock.Any()).Return(nil),
	)

	e := engine.New(engine.Dependencies{Transactions: repo, Numbers: numbers}, engine.DefaultConfig())
	tx, err := e.CreateTransactionWithItems(context.Background(), domain.Transaction{Type: domain.TypeGeneric}, nil)
	require.NoError(t, err)
	assert.Equal(t, "GE-20240115-0002", tx.Number)
}

func TestCreate_FallsBackAfterRepeatedCollisions(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockTransactionRepository(ctrl)
	numbers := &scriptedNumberer{fallback: "GE-20240115-000000123"}

	repo.EXPECT().Create(gomock.Any(), gomock.Any()).Return(domain.ErrNumberTaken).Times(2)
	repo.EXPECT().Create(gomock.Any(), gomock.Any()).Return(nil)

	e := engine.New(engine.Dependencies{Transactions: repo, Numbers: numbers}, engine.Config{NumberAttempts: 2})
	tx, err := e.CreateTransactionWithItems(context.Background(), domain.Transaction{Type: domain.TypeGeneric}, nil)
	require.NoError(t, err)
	assert.Equal(t, "GE-20240115-000000123", tx.Number)
	assert.Equal(t, 2, numbers.nextCalls)
	assert.Equal(t, 1, numbers.fallbackCalls)
}

type scriptedNumberer struct {
	next          []string
	fallback      string
	nextCalls     int
	fallbackCalls int
}

func (s *scriptedNumberer) Next(context.Context, int) (string, error) {
	s.nextCalls++
	if len(s.next) == 0 {
		return "GE-20240115-0001", nil
	}
	n := s.next[0]
	s.next = s.next[1:]
	return n, nil
}

func (s *scriptedNumberer) Fallback(context.Context, int) (string, error) {
	s.fallbackCalls++
	return s.fallback, nil
}

func TestLineMaintenance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	order := f.createOrder(t)

	tx, err := f.engine.AddItemsToTransaction(ctx, order.ID, []domain.Line{
		{ItemID: "item-a", WarehouseID: "wh-1", Quantity: dec("1"), Price: decPtr("3"), DiscountAmount: decPtr("1")},
	})
	require.NoError(t, err)
	require.Len(t, tx.Lines, 3)
	assert.Equal(t, 3, tx.Lines[2].Sequence)
	assert.True(t, tx.Lines[2].LineTotal.Equal(dec("2")))
	// 20 + 4.5 + 2; скидки 0.5 + 1.
	assertTotals(t, tx, "26.5", "1.5", "25")

	tx, err = f.engine.RemoveItemFromTransaction(ctx, order.ID, order.Lines[1].ID)
	require.NoError(t, err)
	require.Len(t, tx.Lines, 2)
	assertTotals(t, tx, "22", "1", "21")

	tx, err = f.engine.AddItemsToTransaction(ctx, order.ID, []domain.Line{
		{ItemID: "item-b", WarehouseID: "wh-1", Quantity: dec("1"), Price: decPtr("1")},
	})
	require.NoError(t, err)
	assert.Equal(t, 4, tx.Lines[len(tx.Lines)-1].Sequence)

	first := tx.Lines[0]
	tx, err = f.engine.UpdateTransactionItem(ctx, order.ID, first.ID, domain.Line{
		ItemID: "item-a", WarehouseID: "wh-1", Quantity: dec("4"), Price: decPtr("10"),
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, tx.Lines[0].ID)
	assert.Equal(t, first.Sequence, tx.Lines[0].Sequence)
	assert.True(t, tx.Lines[0].LineTotal.Equal(dec("40")))

	stored, err := f.engine.GetTransactionWithItems(ctx, order.ID)
	require.NoError(t, err)
	assert.True(t, stored.Totals().Equal(domain.ComputeTotals(stored.Lines, stored.HeaderDiscountPct)))
	assert.True(t, stored.FinalTotal.Equal(stored.Subtotal.Sub(stored.TotalDiscount)))

	_, err = f.engine.RemoveItemFromTransaction(ctx, order.ID, "missing")
	assert.ErrorIs(t, err, domain.ErrLineNotFound)
	_, err = f.engine.UpdateTransactionItem(ctx, order.ID, "missing", domain.Line{Quantity: dec("1")})
	assert.ErrorIs(t, err, domain.ErrLineNotFound)
	_, err = f.engine.AddItemsToTransaction(ctx, "missing", []domain.Line{{Quantity: dec("1")}})
	assert.ErrorIs(t, err, domain.ErrTransactionNotFound)
	_, err = f.engine.AddItemsToTransaction(ctx, order.ID, []domain.Line{{Quantity: dec("-1")}})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestHeaderDiscountAndRecalculate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	order := f.createOrder(t)

	tx, err := f.engine.SetHeaderDiscount(ctx, order.ID, decPtr("10"))
	require.NoError(t, err)
	assertTotals(t, tx, "24.5", "2.95", "21.55")
	version := tx.Version

	totals, err := f.engine.RecalculateTotals(ctx, order.ID)
	require.NoError(t, err)
	again, err := f.engine.RecalculateTotals(ctx, order.ID)
	require.NoError(t, err)
	assert.True(t, totals.Equal(again))

	stored, err := f.engine.GetTransactionWithItems(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, version, stored.Version)

	tx, err = f.engine.SetHeaderDiscount(ctx, order.ID, nil)
	require.NoError(t, err)
	assertTotals(t, tx, "24.5", "0.5", "24")

	_, err = f.engine.SetHeaderDiscount(ctx, order.ID, decPtr("-1"))
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestConvertToInvoice_IndependentCopy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	order := f.createOrder(t)
	_, err := f.engine.ApproveOrder(ctx, order.ID)
	require.NoError(t, err)

	invoice, err := f.engine.ConvertToInvoice(ctx, order.ID)
	require.NoError(t, err)

	_, err = f.engine.UpdateTransactionItem(ctx, invoice.ID, invoice.Lines[0].ID, domain.Line{
		ItemID: "item-a", WarehouseID: "wh-1", Quantity: dec("1"), Price: decPtr("1"),
	})
	require.NoError(t, err)

	storedOrder, err := f.engine.GetTransactionWithItems(ctx, order.ID)
	require.NoError(t, err)
	assert.True(t, storedOrder.Lines[0].Quantity.Equal(dec("2")))
	assertTotals(t, storedOrder, "24.5", "0.5", "24")
}

func TestConvertToInvoice_OnlyOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	order := f.createOrder(t)
	_, err := f.engine.ApproveOrder(ctx, order.ID)
	require.NoError(t, err)

	first, err := f.engine.ConvertToInvoice(ctx, order.ID)
	require.NoError(t, err)

	_, err = f.engine.ConvertToInvoice(ctx, order.ID)
	require.ErrorIs(t, err, domain.ErrTransactionReferenced)

	invoices, err := f.engine.ListTransactions(ctx, domain.ListFilter{Type: domain.TypeInvoice})
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	assert.Equal(t, first.ID, invoices[0].ID)
}

func TestConvertToInvoice_EventUsesConversionTime(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	current := start
	f := newFixtureWithClock(t, memory.NewTransactionRepository(), start, func() time.Time { return current })

	order := f.createOrder(t)
	_, err := f.engine.ApproveOrder(ctx, order.ID)
	require.NoError(t, err)

	current = start.Add(2 * time.Hour)
	_, err = f.engine.ConvertToInvoice(ctx, order.ID)
	require.NoError(t, err)

	events, err := f.engine.Timeline(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, domain.EventOrderInvoiced, events[2].Type)
	assert.True(t, events[2].Occurred.Equal(current), "occurred %s", events[2].Occurred)

	var invoiced []domain.OutboxMessage
	for _, msg := range f.outbox.AllPending() {
		if msg.EventType == domain.EventOrderInvoiced {
			invoiced = append(invoiced, msg)
		}
	}
	require.Len(t, invoiced, 1)
	assert.True(t, invoiced[0].CreatedAt.Equal(current))
}

func TestDeleteTransaction(t *testing.T) {
	ctx := context.Background()

	t.Run("referenced by invoice", func(t *testing.T) {
		f := newFixture(t)
		order := f.createOrder(t)
		_, err := f.engine.ApproveOrder(ctx, order.ID)
		require.NoError(t, err)
		_, err = f.engine.ConvertToInvoice(ctx, order.ID)
		require.NoError(t, err)

		err = f.engine.DeleteTransaction(ctx, order.ID)
		assert.ErrorIs(t, err, domain.ErrTransactionReferenced)
	})

	t.Run("dependent stock usage", func(t *testing.T) {
		f := newFixture(t)
		order := f.createOrder(t)
		f.stock.AddUsage("item-b", "wh-1")

		err := f.engine.DeleteTransaction(ctx, order.ID)
		var usageErr *domain.DependentUsageError
		require.True(t, errors.As(err, &usageErr), "got %v", err)
		assert.Equal(t, "item-b", usageErr.ItemID)

		_, err = f.engine.GetTransactionWithItems(ctx, order.ID)
		assert.NoError(t, err)
	})

	t.Run("deleted with lines", func(t *testing.T) {
		f := newFixture(t)
		order := f.createOrder(t)

		require.NoError(t, f.engine.DeleteTransaction(ctx, order.ID))
		_, err := f.engine.GetTransactionWithItems(ctx, order.ID)
		assert.ErrorIs(t, err, domain.ErrTransactionNotFound)

		exists, err := f.repo.NumberExists(ctx, order.Number)
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("missing", func(t *testing.T) {
		f := newFixture(t)
		assert.True(t, domain.IsNotFound(f.engine.DeleteTransaction(ctx, "missing")))
	})
}
