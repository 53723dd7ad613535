package service

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/SalesyAI/cvbanai-sub000/internal/client"
	"github.com/SalesyAI/cvbanai-sub000/internal/model"
	"github.com/SalesyAI/cvbanai-sub000/internal/notification"
	"github.com/SalesyAI/cvbanai-sub000/internal/repository"
)

type fakeBkashClient struct {
	executeCalls atomic.Int32

	createFunc  func(ctx context.Context, req *client.CreatePaymentRequest) (*client.CreatePaymentResponse, error)
	executeFunc func(ctx context.Context, paymentID string) (*client.ExecutePaymentResponse, error)
	queryFunc   func(ctx context.Context, paymentID string) (*client.QueryPaymentResponse, error)
	refundFunc  func(ctx context.Context, req *client.RefundPaymentRequest) (*client.RefundPaymentResponse, error)
}

func (f *fakeBkashClient) CreatePayment(ctx context.Context, req *client.CreatePaymentRequest) (*client.CreatePaymentResponse, error) {
	if f.createFunc != nil {
		return f.createFunc(ctx, req)
	}
	return &client.CreatePaymentResponse{
		PaymentID:   "TR0001",
		RedirectURL: "https://gateway.example/authorize/TR0001",
	}, nil
}

func (f *fakeBkashClient) ExecutePayment(ctx context.Context, paymentID string) (*client.ExecutePaymentResponse, error) {
	f.executeCalls.Add(1)
	if f.executeFunc != nil {
		return f.executeFunc(ctx, paymentID)
	}
	return &client.ExecutePaymentResponse{
		TransactionID:  "TX9",
		PayerReference: "demo-user-001",
		PayerHandle:    "01700000001",
	}, nil
}

func (f *fakeBkashClient) QueryPayment(ctx context.Context, paymentID string) (*client.QueryPaymentResponse, error) {
	if f.queryFunc != nil {
		return f.queryFunc(ctx, paymentID)
	}
	return &client.QueryPaymentResponse{TransactionStatus: "Initiated"}, nil
}

func (f *fakeBkashClient) RefundPayment(ctx context.Context, req *client.RefundPaymentRequest) (*client.RefundPaymentResponse, error) {
	if f.refundFunc != nil {
		return f.refundFunc(ctx, req)
	}
	return &client.RefundPaymentResponse{RefundTransactionID: "RF1"}, nil
}

type fakeSink struct {
	mu     sync.Mutex
	events []notification.Event
}

func (s *fakeSink) Notify(ctx context.Context, event notification.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *fakeSink) all() []notification.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notification.Event(nil), s.events...)
}

type testEnv struct {
	svc   PaymentService
	bkash *fakeBkashClient
	sink  *fakeSink
	db    *gorm.DB
}

func newTestEnv(t *testing.T, bkash *fakeBkashClient) *testEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&model.Product{}, &model.PurchaseIntent{}))

	productRepo := repository.NewProductRepository(db)
	require.NoError(t, productRepo.Seed(context.Background()))

	sink := &fakeSink{}
	svc := NewPaymentService(
		bkash,
		"https://api.example",
		productRepo,
		repository.NewPurchaseRepository(db),
		sink,
		slog.Default(),
	)

	return &testEnv{svc: svc, bkash: bkash, sink: sink, db: db}
}

func (e *testEnv) intentCount(t *testing.T) int64 {
	t.Helper()
	var count int64
	require.NoError(t, e.db.Model(&model.PurchaseIntent{}).Count(&count).Error)
	return count
}

func (e *testEnv) intentByRef(t *testing.T, paymentRef string) *model.PurchaseIntent {
	t.Helper()
	var intent model.PurchaseIntent
	require.NoError(t, e.db.Where("payment_ref = ?", paymentRef).First(&intent).Error)
	return &intent
}

func TestInitiatePayment(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeBkashClient{})

	resp, err := env.svc.InitiatePayment(context.Background(), "demo-user-001", "linkedin", "corr-7")
	require.NoError(t, err)
	require.Equal(t, "TR0001", resp.PaymentRef)
	require.Equal(t, "https://gateway.example/authorize/TR0001", resp.RedirectURL)

	require.EqualValues(t, 1, env.intentCount(t))
	intent := env.intentByRef(t, "TR0001")
	require.Equal(t, model.StatusPending, intent.Status)
	require.Equal(t, int32(500), intent.Amount)
	require.Equal(t, "BDT", intent.Currency)
	require.Equal(t, "corr-7", intent.Metadata["correlationId"])
}

func TestInitiatePaymentCallbackCarriesPassthrough(t *testing.T) {
	t.Parallel()

	var callbackURL string
	env := newTestEnv(t, &fakeBkashClient{
		createFunc: func(ctx context.Context, req *client.CreatePaymentRequest) (*client.CreatePaymentResponse, error) {
			callbackURL = req.CallbackURL
			return &client.CreatePaymentResponse{PaymentID: "TR0001", RedirectURL: "https://gateway.example/a"}, nil
		},
	})

	_, err := env.svc.InitiatePayment(context.Background(), "demo-user-001", "linkedin", "corr-7")
	require.NoError(t, err)

	parsed, err := url.Parse(callbackURL)
	require.NoError(t, err)
	require.Equal(t, "/api/payments/callback", parsed.Path)
	require.Equal(t, "linkedin", parsed.Query().Get("productId"))
	require.Equal(t, "corr-7", parsed.Query().Get("ref"))
}

func TestInitiatePaymentUnknownProduct(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeBkashClient{})

	_, err := env.svc.InitiatePayment(context.Background(), "demo-user-001", "yacht", "")
	require.ErrorIs(t, err, ErrUnknownProduct)
	require.EqualValues(t, 0, env.intentCount(t))
}

func TestInitiatePaymentGatewayFailureLeavesNoRecord(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeBkashClient{
		createFunc: func(ctx context.Context, req *client.CreatePaymentRequest) (*client.CreatePaymentResponse, error) {
			return nil, &client.GatewayError{Op: "create payment", Code: "2054", Message: "Invalid amount"}
		},
	})

	_, err := env.svc.InitiatePayment(context.Background(), "demo-user-001", "linkedin", "")
	require.Error(t, err)

	var gwErr *client.GatewayError
	require.ErrorAs(t, err, &gwErr)
	require.EqualValues(t, 0, env.intentCount(t))
}

func TestCallbackSuccess(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeBkashClient{})
	ctx := context.Background()

	_, err := env.svc.InitiatePayment(ctx, "demo-user-001", "linkedin", "")
	require.NoError(t, err)

	intent, err := env.svc.HandleCallback(ctx, "TR0001", CallbackSuccess)
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, intent.Status)
	require.Equal(t, "TX9", intent.Metadata["transactionId"])
	require.NotEmpty(t, intent.Metadata["completedAt"])

	events := env.sink.all()
	require.Len(t, events, 1)
	require.Equal(t, notification.EventCompleted, events[0].Type)
	require.Equal(t, "TX9", events[0].TransactionID)
	require.Equal(t, int32(500), events[0].Amount)
}

func TestCallbackCancelSkipsExecute(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeBkashClient{})
	ctx := context.Background()

	_, err := env.svc.InitiatePayment(ctx, "demo-user-001", "linkedin", "")
	require.NoError(t, err)

	intent, err := env.svc.HandleCallback(ctx, "TR0001", CallbackCancel)
	require.NoError(t, err)
	require.Equal(t, model.StatusCancelled, intent.Status)
	require.Equal(t, int32(0), env.bkash.executeCalls.Load())

	// Cancellations are not ledger events.
	require.Empty(t, env.sink.all())
}

func TestCallbackUnknownReference(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeBkashClient{})

	_, err := env.svc.HandleCallback(context.Background(), "TR-forged", CallbackSuccess)
	require.ErrorIs(t, err, ErrUnknownReference)
	require.EqualValues(t, 0, env.intentCount(t))
}

func TestCallbackExecuteFailure(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeBkashClient{
		executeFunc: func(ctx context.Context, paymentID string) (*client.ExecutePaymentResponse, error) {
			return nil, &client.GatewayError{Op: "execute payment", Code: "2062", Message: "The payment has already been completed"}
		},
	})
	ctx := context.Background()

	_, err := env.svc.InitiatePayment(ctx, "demo-user-001", "linkedin", "")
	require.NoError(t, err)

	intent, err := env.svc.HandleCallback(ctx, "TR0001", CallbackSuccess)
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, intent.Status)
	require.Contains(t, intent.Metadata["error"], "2062")
	require.Empty(t, intent.Metadata["requiresReview"])

	events := env.sink.all()
	require.Len(t, events, 1)
	require.Equal(t, notification.EventFailed, events[0].Type)
}

func TestCallbackExecuteTimeoutFlagsReview(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeBkashClient{
		executeFunc: func(ctx context.Context, paymentID string) (*client.ExecutePaymentResponse, error) {
			return nil, &client.TransportError{Op: "execute payment", Err: errors.New("context deadline exceeded")}
		},
	})
	ctx := context.Background()

	_, err := env.svc.InitiatePayment(ctx, "demo-user-001", "linkedin", "")
	require.NoError(t, err)

	intent, err := env.svc.HandleCallback(ctx, "TR0001", CallbackSuccess)
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, intent.Status)
	// The charge may have landed provider-side; flag for manual
	// reconciliation.
	require.Equal(t, "true", intent.Metadata["requiresReview"])
}

func TestCallbackIdempotentAfterTerminal(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeBkashClient{})
	ctx := context.Background()

	_, err := env.svc.InitiatePayment(ctx, "demo-user-001", "linkedin", "")
	require.NoError(t, err)

	first, err := env.svc.HandleCallback(ctx, "TR0001", CallbackSuccess)
	require.NoError(t, err)

	// Retried redirect: stored result, no second execute.
	second, err := env.svc.HandleCallback(ctx, "TR0001", CallbackSuccess)
	require.NoError(t, err)
	require.Equal(t, first.Status, second.Status)
	require.Equal(t, first.Metadata["transactionId"], second.Metadata["transactionId"])
	require.Equal(t, int32(1), env.bkash.executeCalls.Load())
	require.Len(t, env.sink.all(), 1)
}

func TestConcurrentDoubleCallback(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeBkashClient{})
	ctx := context.Background()

	_, err := env.svc.InitiatePayment(ctx, "demo-user-001", "linkedin", "")
	require.NoError(t, err)

	const callers = 8
	var wg sync.WaitGroup
	results := make([]*model.PurchaseIntent, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.svc.HandleCallback(ctx, "TR0001", CallbackSuccess)
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(1), env.bkash.executeCalls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, model.StatusCompleted, results[i].Status)
	}
	require.EqualValues(t, 1, env.intentCount(t))
	require.Len(t, env.sink.all(), 1)
}

func TestSyncPaymentStatus(t *testing.T) {
	t.Parallel()

	t.Run("pending stays pending while initiated", func(t *testing.T) {
		env := newTestEnv(t, &fakeBkashClient{})
		ctx := context.Background()

		_, err := env.svc.InitiatePayment(ctx, "demo-user-001", "linkedin", "")
		require.NoError(t, err)

		intent, err := env.svc.SyncPaymentStatus(ctx, "TR0001")
		require.NoError(t, err)
		require.Equal(t, model.StatusPending, intent.Status)
	})

	t.Run("provider-side cancel lands as cancelled", func(t *testing.T) {
		env := newTestEnv(t, &fakeBkashClient{
			queryFunc: func(ctx context.Context, paymentID string) (*client.QueryPaymentResponse, error) {
				return &client.QueryPaymentResponse{TransactionStatus: "Cancelled"}, nil
			},
		})
		ctx := context.Background()

		_, err := env.svc.InitiatePayment(ctx, "demo-user-001", "linkedin", "")
		require.NoError(t, err)

		intent, err := env.svc.SyncPaymentStatus(ctx, "TR0001")
		require.NoError(t, err)
		require.Equal(t, model.StatusCancelled, intent.Status)
		require.Equal(t, int32(0), env.bkash.executeCalls.Load())
	})

	t.Run("terminal intent skips the gateway", func(t *testing.T) {
		queried := false
		env := newTestEnv(t, &fakeBkashClient{
			queryFunc: func(ctx context.Context, paymentID string) (*client.QueryPaymentResponse, error) {
				queried = true
				return &client.QueryPaymentResponse{TransactionStatus: "Completed"}, nil
			},
		})
		ctx := context.Background()

		_, err := env.svc.InitiatePayment(ctx, "demo-user-001", "linkedin", "")
		require.NoError(t, err)
		_, err = env.svc.HandleCallback(ctx, "TR0001", CallbackSuccess)
		require.NoError(t, err)

		intent, err := env.svc.SyncPaymentStatus(ctx, "TR0001")
		require.NoError(t, err)
		require.Equal(t, model.StatusCompleted, intent.Status)
		require.False(t, queried)
	})

	t.Run("unknown reference rejected", func(t *testing.T) {
		env := newTestEnv(t, &fakeBkashClient{})

		_, err := env.svc.SyncPaymentStatus(context.Background(), "TR-forged")
		require.ErrorIs(t, err, ErrUnknownReference)
	})
}

func TestRefundPayment(t *testing.T) {
	t.Parallel()

	t.Run("completed purchase refunds and records metadata", func(t *testing.T) {
		var refundReq *client.RefundPaymentRequest
		env := newTestEnv(t, &fakeBkashClient{
			refundFunc: func(ctx context.Context, req *client.RefundPaymentRequest) (*client.RefundPaymentResponse, error) {
				refundReq = req
				return &client.RefundPaymentResponse{RefundTransactionID: "RF1"}, nil
			},
		})
		ctx := context.Background()

		resp, err := env.svc.InitiatePayment(ctx, "demo-user-001", "linkedin", "")
		require.NoError(t, err)
		_, err = env.svc.HandleCallback(ctx, "TR0001", CallbackSuccess)
		require.NoError(t, err)

		refundTrxID, err := env.svc.RefundPayment(ctx, resp.PurchaseID, "customer request")
		require.NoError(t, err)
		require.Equal(t, "RF1", refundTrxID)
		require.Equal(t, "TX9", refundReq.TransactionID)
		require.Equal(t, "TR0001", refundReq.PaymentID)

		stored := env.intentByRef(t, "TR0001")
		require.Equal(t, model.StatusCompleted, stored.Status)
		require.Equal(t, "RF1", stored.Metadata["refundTrxId"])
	})

	t.Run("pending purchase is not refundable", func(t *testing.T) {
		env := newTestEnv(t, &fakeBkashClient{})
		ctx := context.Background()

		resp, err := env.svc.InitiatePayment(ctx, "demo-user-001", "linkedin", "")
		require.NoError(t, err)

		_, err = env.svc.RefundPayment(ctx, resp.PurchaseID, "customer request")
		require.ErrorIs(t, err, ErrNotRefundable)
	})

	t.Run("concurrent refunds reach the gateway once", func(t *testing.T) {
		var refunds atomic.Int32
		env := newTestEnv(t, &fakeBkashClient{
			refundFunc: func(ctx context.Context, req *client.RefundPaymentRequest) (*client.RefundPaymentResponse, error) {
				refunds.Add(1)
				// Hold the refund open so the second request races the
				// first instead of seeing its stored result.
				time.Sleep(50 * time.Millisecond)
				return &client.RefundPaymentResponse{RefundTransactionID: "RF1"}, nil
			},
		})
		ctx := context.Background()

		resp, err := env.svc.InitiatePayment(ctx, "demo-user-001", "linkedin", "")
		require.NoError(t, err)
		_, err = env.svc.HandleCallback(ctx, "TR0001", CallbackSuccess)
		require.NoError(t, err)

		const callers = 4
		var wg sync.WaitGroup
		ids := make([]string, callers)
		errs := make([]error, callers)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ids[i], errs[i] = env.svc.RefundPayment(ctx, resp.PurchaseID, "customer request")
			}(i)
		}
		wg.Wait()

		require.Equal(t, int32(1), refunds.Load())
		for i := 0; i < callers; i++ {
			require.NoError(t, errs[i])
			require.Equal(t, "RF1", ids[i])
		}
	})

	t.Run("repeated refund returns the stored refund id", func(t *testing.T) {
		var refunds atomic.Int32
		env := newTestEnv(t, &fakeBkashClient{
			refundFunc: func(ctx context.Context, req *client.RefundPaymentRequest) (*client.RefundPaymentResponse, error) {
				refunds.Add(1)
				return &client.RefundPaymentResponse{RefundTransactionID: "RF1"}, nil
			},
		})
		ctx := context.Background()

		resp, err := env.svc.InitiatePayment(ctx, "demo-user-001", "linkedin", "")
		require.NoError(t, err)
		_, err = env.svc.HandleCallback(ctx, "TR0001", CallbackSuccess)
		require.NoError(t, err)

		first, err := env.svc.RefundPayment(ctx, resp.PurchaseID, "customer request")
		require.NoError(t, err)
		second, err := env.svc.RefundPayment(ctx, resp.PurchaseID, "customer request")
		require.NoError(t, err)
		require.Equal(t, first, second)
		require.Equal(t, int32(1), refunds.Load())
	})
}
