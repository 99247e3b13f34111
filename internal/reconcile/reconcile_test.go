package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fcartres/proyectofinal-sub001/internal/apperr"
	"github.com/fcartres/proyectofinal-sub001/internal/locks"
	"github.com/fcartres/proyectofinal-sub001/internal/logging"
	"github.com/fcartres/proyectofinal-sub001/internal/models"
	"github.com/fcartres/proyectofinal-sub001/internal/payments"
	"github.com/fcartres/proyectofinal-sub001/internal/storage"
)

type fakeGateway struct {
	mu       sync.Mutex
	payments map[string]payments.PaymentDetails
	err      error
	lookups  int
}

func (f *fakeGateway) CreatePreference(ctx context.Context, p payments.Preference) (payments.PreferenceResult, error) {
	return payments.PreferenceResult{}, errors.New("not used")
}

func (f *fakeGateway) GetPayment(ctx context.Context, id string) (payments.PaymentDetails, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if f.err != nil {
		return payments.PaymentDetails{}, f.err
	}
	d, ok := f.payments[id]
	if !ok {
		return payments.PaymentDetails{}, errors.New("resource_missing")
	}
	return d, nil
}

func (f *fakeGateway) SearchPaymentsByReference(ctx context.Context, ref string) ([]payments.PaymentDetails, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []payments.PaymentDetails
	for _, d := range f.payments {
		if d.ExternalReference == ref {
			out = append(out, d)
		}
	}
	return out, nil
}

type fixture struct {
	proc  *Processor
	store *storage.MemoryStore
	gw    *fakeGateway
	route models.Route
	now   time.Time
}

func newFixture(t *testing.T, capacity int) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	route := store.AddRoute(models.Route{ID: 500, DriverID: 100, Name: "Colegio Sur", Capacity: capacity, MonthlyPrice: 45000, Active: true})
	gw := &fakeGateway{payments: map[string]payments.PaymentDetails{}}
	proc := New(store, locks.NewLocalLocker(), gw, nil, logging.Discard())
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	proc.Now = func() time.Time { return now }
	return &fixture{proc: proc, store: store, gw: gw, route: route, now: now}
}

// addRequest creates requests until one with the wanted id exists.
func (f *fixture) addRequest(t *testing.T, wantID, parentID, studentID int64) models.ServiceRequest {
	t.Helper()
	var req models.ServiceRequest
	for req.ID < wantID {
		req = models.ServiceRequest{RouteID: f.route.ID, ParentID: parentID, StudentID: studentID, Status: models.RequestPending}
		require.NoError(t, f.store.WithinTx(context.Background(), func(tx storage.Tx) error {
			return tx.CreateRequest(context.Background(), &req)
		}))
	}
	require.Equal(t, wantID, req.ID)
	return req
}

func (f *fixture) approve(id, ref string, amount int64) {
	f.gw.payments[id] = payments.PaymentDetails{
		ID: id, Status: payments.StatusApproved, RawStatus: "succeeded",
		Amount: amount, Method: "card", ExternalReference: ref,
	}
}

func TestHandleNotification_ApprovedCreatesServiceAndPayment(t *testing.T) {
	f := newFixture(t, 5)
	f.addRequest(t, 42, 7, 70)
	f.approve("pi_1", "solicitud_42_user_7", 45000)

	out, err := f.proc.HandleNotification(context.Background(), Notification{Topic: "payment", ID: "pi_1"})
	require.NoError(t, err)
	assert.Equal(t, Processed, out)

	svcs := f.store.Services()
	require.Len(t, svcs, 1)
	assert.EqualValues(t, 7, svcs[0].ParentID)
	assert.EqualValues(t, 70, svcs[0].StudentID)
	assert.EqualValues(t, 45000, svcs[0].AgreedPrice)
	assert.Equal(t, models.ServiceActive, svcs[0].Status)

	pays := f.store.Payments()
	require.Len(t, pays, 1)
	assert.Equal(t, models.PaymentPaid, pays[0].Status)
	assert.EqualValues(t, 45000, pays[0].Amount)
	require.NotNil(t, pays[0].Reference)
	assert.Equal(t, "pi_1", *pays[0].Reference)
	require.NotNil(t, pays[0].PaidAt)
	assert.True(t, pays[0].Month.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))

	req, _ := f.store.Request(42)
	assert.Equal(t, models.RequestPaid, req.Status)
}

func TestHandleNotification_ReplayIsIdempotent(t *testing.T) {
	f := newFixture(t, 5)
	f.addRequest(t, 42, 7, 70)
	f.approve("pi_1", "solicitud_42_user_7", 45000)
	n := Notification{Topic: "payment", ID: "pi_1"}

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 4)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := f.proc.HandleNotification(context.Background(), n)
			assert.NoError(t, err)
			outcomes[i] = out
		}(i)
	}
	wg.Wait()

	assert.ElementsMatch(t, []Outcome{Processed, Ignored, Ignored, Ignored}, outcomes)
	assert.Len(t, f.store.Services(), 1)
	assert.Len(t, f.store.Payments(), 1)
}

func TestHandleNotification_MalformedReferenceWritesNothing(t *testing.T) {
	f := newFixture(t, 5)
	f.addRequest(t, 1, 7, 70)
	f.approve("pi_bad", "abc123", 45000)

	_, err := f.proc.HandleNotification(context.Background(), Notification{Topic: "payment", ID: "pi_bad", Raw: []byte(`{"data":{"id":"pi_bad"}}`)})
	assert.True(t, apperr.Is(err, apperr.BadReference), "got %v", err)
	assert.Empty(t, f.store.Services())
	assert.Empty(t, f.store.Payments())
}

func TestHandleNotification_IgnoredCases(t *testing.T) {
	f := newFixture(t, 5)
	f.addRequest(t, 1, 7, 70)
	f.gw.payments["pi_pending"] = payments.PaymentDetails{ID: "pi_pending", Status: payments.StatusPending, ExternalReference: "solicitud_1_user_7"}
	f.gw.payments["pi_rejected"] = payments.PaymentDetails{ID: "pi_rejected", Status: payments.StatusRejected, ExternalReference: "solicitud_1_user_7"}

	for _, n := range []Notification{
		{Topic: "merchant_order", ID: "pi_pending"},
		{Topic: "payment", ID: ""},
		{Topic: "payment", ID: "pi_pending"},
		{Topic: "payment", ID: "pi_rejected"},
	} {
		out, err := f.proc.HandleNotification(context.Background(), n)
		require.NoError(t, err)
		assert.Equal(t, Ignored, out, "%+v", n)
	}
	assert.Equal(t, 2, f.gw.lookups, "unrelated topics never reach the gateway")
	assert.Empty(t, f.store.Services())
	req, _ := f.store.Request(1)
	assert.Equal(t, models.RequestPending, req.Status)
}

func TestHandleNotification_GatewayFailure(t *testing.T) {
	f := newFixture(t, 5)
	f.gw.err = errors.New("connection reset")

	_, err := f.proc.HandleNotification(context.Background(), Notification{Topic: "payment", ID: "pi_1"})
	assert.True(t, apperr.Is(err, apperr.GatewayError))
}

func TestHandleNotification_RequestChecks(t *testing.T) {
	f := newFixture(t, 5)
	f.addRequest(t, 1, 7, 70)

	f.approve("pi_missing", "solicitud_99_user_7", 45000)
	_, err := f.proc.HandleNotification(context.Background(), Notification{Topic: "payment", ID: "pi_missing"})
	assert.True(t, apperr.Is(err, apperr.NotFound))

	f.approve("pi_other", "solicitud_1_user_8", 45000)
	_, err = f.proc.HandleNotification(context.Background(), Notification{Topic: "payment", ID: "pi_other"})
	assert.True(t, apperr.Is(err, apperr.BadReference))

	require.NoError(t, f.store.WithinTx(context.Background(), func(tx storage.Tx) error {
		return tx.UpdateRequestStatus(context.Background(), 1, models.RequestCancelled, "", f.now)
	}))
	f.approve("pi_cancelled", "solicitud_1_user_7", 45000)
	_, err = f.proc.HandleNotification(context.Background(), Notification{Topic: "payment", ID: "pi_cancelled"})
	assert.True(t, apperr.Is(err, apperr.NotFound))

	assert.Empty(t, f.store.Services())
	assert.Empty(t, f.store.Payments())
}

func TestHandleNotification_FullRouteRollsBack(t *testing.T) {
	f := newFixture(t, 1)
	f.addRequest(t, 1, 7, 70)
	f.addRequest(t, 2, 8, 80)
	f.approve("pi_a", "solicitud_1_user_7", 45000)
	f.approve("pi_b", "solicitud_2_user_8", 45000)

	_, err := f.proc.HandleNotification(context.Background(), Notification{Topic: "payment", ID: "pi_a"})
	require.NoError(t, err)
	_, err = f.proc.HandleNotification(context.Background(), Notification{Topic: "payment", ID: "pi_b"})
	assert.True(t, apperr.Is(err, apperr.CapacityExceeded))

	assert.Len(t, f.store.Services(), 1)
	assert.Len(t, f.store.Payments(), 1)
	req, _ := f.store.Request(2)
	assert.Equal(t, models.RequestPending, req.Status)
}

func TestHandleNotification_LaterMonthsReuseService(t *testing.T) {
	f := newFixture(t, 5)
	f.addRequest(t, 1, 7, 70)
	f.approve("pi_march", "solicitud_1_user_7", 45000)
	_, err := f.proc.HandleNotification(context.Background(), Notification{Topic: "payment", ID: "pi_march"})
	require.NoError(t, err)

	// a second payment in the same month is a conflict, not a new row
	f.approve("pi_march_2", "solicitud_1_user_7", 45000)
	_, err = f.proc.HandleNotification(context.Background(), Notification{Topic: "payment", ID: "pi_march_2"})
	assert.True(t, apperr.Is(err, apperr.DuplicatePayment))

	april := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	_, err = f.store.CreateMonthlyCharges(context.Background(), april, time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	f.proc.Now = func() time.Time { return april }
	f.approve("pi_april", "solicitud_1_user_7", 46000)
	out, err := f.proc.HandleNotification(context.Background(), Notification{Topic: "payment", ID: "pi_april"})
	require.NoError(t, err)
	assert.Equal(t, Processed, out)

	assert.Len(t, f.store.Services(), 1)
	pays := f.store.Payments()
	require.Len(t, pays, 2)
	assert.Equal(t, models.PaymentPaid, pays[1].Status, "pending April charge is settled in place")
	assert.EqualValues(t, 46000, pays[1].Amount)
}

func TestReconcileRequestAndSweep(t *testing.T) {
	f := newFixture(t, 5)
	f.addRequest(t, 1, 7, 70)
	f.addRequest(t, 2, 8, 80)
	f.approve("pi_lost", "solicitud_1_user_7", 45000)
	f.gw.payments["pi_wait"] = payments.PaymentDetails{ID: "pi_wait", Status: payments.StatusPending, ExternalReference: "solicitud_2_user_8"}

	res, err := f.proc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Checked: 2, Applied: 1}, res)

	req, _ := f.store.Request(1)
	assert.Equal(t, models.RequestPaid, req.Status)

	n, err := f.proc.ReconcileRequest(context.Background(), 1)
	require.NoError(t, err)
	assert.Zero(t, n, "paid requests are no longer open")

	_, err = f.proc.ReconcileRequest(context.Background(), 404)
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

// recordingStore notes the row reads made inside each transaction.
type recordingStore struct {
	storage.Store
	mu    sync.Mutex
	calls []string
}

func (s *recordingStore) WithinTx(ctx context.Context, fn func(storage.Tx) error) error {
	return s.Store.WithinTx(ctx, func(tx storage.Tx) error {
		return fn(recordingTx{Tx: tx, s: s})
	})
}

func (s *recordingStore) record(call string) {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()
}

func (s *recordingStore) indexOf(call string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.calls {
		if c == call {
			return i
		}
	}
	return -1
}

type recordingTx struct {
	storage.Tx
	s *recordingStore
}

func (t recordingTx) GetRequest(ctx context.Context, id int64) (models.ServiceRequest, error) {
	t.s.record("GetRequest")
	return t.Tx.GetRequest(ctx, id)
}

func (t recordingTx) PaymentByReference(ctx context.Context, ref string) (models.Payment, bool, error) {
	t.s.record("PaymentByReference")
	return t.Tx.PaymentByReference(ctx, ref)
}

func TestHandleNotification_LocksRequestBeforeReplayCheck(t *testing.T) {
	f := newFixture(t, 5)
	f.addRequest(t, 3, 7, 70)
	f.approve("pi_1", "solicitud_3_user_7", 45000)
	rec := &recordingStore{Store: f.store}
	f.proc.Store = rec
	n := Notification{Topic: "payment", ID: "pi_1"}

	for _, want := range []Outcome{Processed, Ignored} {
		rec.calls = nil
		out, err := f.proc.HandleNotification(context.Background(), n)
		require.NoError(t, err)
		assert.Equal(t, want, out)

		locked, replay := rec.indexOf("GetRequest"), rec.indexOf("PaymentByReference")
		require.NotEqual(t, -1, locked)
		require.NotEqual(t, -1, replay)
		assert.Less(t, locked, replay, "request row is read before the replay check")
	}
	assert.Len(t, f.store.Payments(), 1)
}

func TestHandleNotification_SettlesStampedMonth(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5)
	f.addRequest(t, 1, 7, 70)
	f.approve("pi_march", "solicitud_1_user_7", 45000)
	_, err := f.proc.HandleNotification(ctx, Notification{Topic: "payment", ID: "pi_march"})
	require.NoError(t, err)

	april := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	may := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	_, err = f.store.CreateMonthlyCharges(ctx, april, time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	lateNow := time.Date(2026, 5, 3, 9, 0, 0, 0, time.UTC)
	_, err = f.store.MarkOverdue(ctx, lateNow)
	require.NoError(t, err)
	f.proc.Now = func() time.Time { return lateNow }

	// April's overdue charge paid in May
	late := payments.PaymentDetails{ID: "pi_april", Status: payments.StatusApproved, Amount: 45000, Method: "card",
		ExternalReference: "solicitud_1_user_7", Month: april.AddDate(0, 0, 14)}
	f.gw.payments[late.ID] = late
	out, err := f.proc.HandleNotification(ctx, Notification{Topic: "payment", ID: "pi_april"})
	require.NoError(t, err)
	assert.Equal(t, Processed, out)

	byMonth := map[string]models.Payment{}
	for _, p := range f.store.Payments() {
		byMonth[p.Month.Format("2006-01")] = p
	}
	require.Len(t, byMonth, 2, "no May row is booked")
	require.Contains(t, byMonth, "2026-04")
	assert.Equal(t, models.PaymentPaid, byMonth["2026-04"].Status)
	require.NotNil(t, byMonth["2026-04"].Reference)
	assert.Equal(t, "pi_april", *byMonth["2026-04"].Reference)

	late.ID = "pi_april_2"
	f.gw.payments[late.ID] = late
	_, err = f.proc.HandleNotification(ctx, Notification{Topic: "payment", ID: "pi_april_2"})
	assert.True(t, apperr.Is(err, apperr.DuplicatePayment))

	// without a stamped month the payment settles the current one
	f.approve("pi_may", "solicitud_1_user_7", 45000)
	_, err = f.proc.HandleNotification(ctx, Notification{Topic: "payment", ID: "pi_may"})
	require.NoError(t, err)
	var mays int
	for _, p := range f.store.Payments() {
		if p.Month.Equal(may) {
			mays++
			assert.Equal(t, models.PaymentPaid, p.Status)
		}
	}
	assert.Equal(t, 1, mays)
}
