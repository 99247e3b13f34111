package main

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fcartres/proyectofinal-sub001/internal/auth"
	"github.com/fcartres/proyectofinal-sub001/internal/config"
	"github.com/fcartres/proyectofinal-sub001/internal/locks"
	"github.com/fcartres/proyectofinal-sub001/internal/logging"
	"github.com/fcartres/proyectofinal-sub001/internal/models"
	"github.com/fcartres/proyectofinal-sub001/internal/payments"
	"github.com/fcartres/proyectofinal-sub001/internal/storage"
)

type stubGateway struct {
	byRef map[string][]payments.PaymentDetails
}

func (s *stubGateway) CreatePreference(context.Context, payments.Preference) (payments.PreferenceResult, error) {
	return payments.PreferenceResult{}, errors.New("not used")
}

func (s *stubGateway) GetPayment(context.Context, string) (payments.PaymentDetails, error) {
	return payments.PaymentDetails{}, errors.New("not used")
}

func (s *stubGateway) SearchPaymentsByReference(_ context.Context, ref string) ([]payments.PaymentDetails, error) {
	return s.byRef[ref], nil
}

func newTestApp(t *testing.T) (*app, *storage.MemoryStore, *stubGateway) {
	t.Helper()
	store := storage.NewMemoryStore()
	store.AddRoute(models.Route{ID: 10, DriverID: 100, Name: "Colegio Norte", Capacity: 2, MonthlyPrice: 45000, Active: true})
	gw := &stubGateway{byRef: map[string][]payments.PaymentDetails{}}
	now := time.Date(2026, 3, 20, 9, 0, 0, 0, time.UTC)
	a := &app{
		cfg:     config.ServerConfig{JWTSecret: "cli-secret", JWTIssuer: "transporte-escolar", BillingDueDay: 10},
		logger:  logging.Discard(),
		open:    func(context.Context) (storage.Store, func(), error) { return store, func() {}, nil },
		gateway: gw,
		locker:  locks.NewLocalLocker(),
		now:     func() time.Time { return now },
	}
	return a, store, gw
}

func execute(t *testing.T, a *app, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(a)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func addPendingRequest(t *testing.T, store *storage.MemoryStore, parentID int64) models.ServiceRequest {
	t.Helper()
	req := models.ServiceRequest{RouteID: 10, ParentID: parentID, StudentID: parentID * 10, Status: models.RequestPending}
	require.NoError(t, store.WithinTx(context.Background(), func(tx storage.Tx) error {
		return tx.CreateRequest(context.Background(), &req)
	}))
	return req
}

func TestTokenCommand(t *testing.T) {
	a, _, _ := newTestApp(t)
	out, err := execute(t, a, "token", "--user", "7", "--role", "conductor", "--email", "c@example.com")
	require.NoError(t, err)

	id, err := auth.NewVerifier("cli-secret", "transporte-escolar").Verify(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, auth.Identity{UserID: 7, Email: "c@example.com", Role: models.RoleDriver}, id)

	_, err = execute(t, a, "token", "--user", "7", "--role", "admin")
	assert.Error(t, err)
	_, err = execute(t, a, "token")
	assert.Error(t, err)
}

func TestReconcileCommand_SingleRequest(t *testing.T) {
	a, store, gw := newTestApp(t)
	req := addPendingRequest(t, store, 7)
	ref := payments.FormatReference(req.ID, 7)
	gw.byRef[ref] = []payments.PaymentDetails{{
		ID: "pi_9", Status: payments.StatusApproved, Amount: 45000, Method: "card", ExternalReference: ref,
	}}

	out, err := execute(t, a, "reconcile", strconv.FormatInt(req.ID, 10))
	require.NoError(t, err)
	assert.Contains(t, out, "1 payment(s) applied")
	require.Len(t, store.Services(), 1)
	require.Len(t, store.Payments(), 1)
	assert.Equal(t, models.PaymentPaid, store.Payments()[0].Status)

	_, err = execute(t, a, "reconcile", "abc")
	assert.Error(t, err)
}

func TestReconcileCommand_Sweep(t *testing.T) {
	a, store, gw := newTestApp(t)
	paid := addPendingRequest(t, store, 7)
	addPendingRequest(t, store, 8)
	ref := payments.FormatReference(paid.ID, 7)
	gw.byRef[ref] = []payments.PaymentDetails{{ID: "pi_1", Status: payments.StatusApproved, Amount: 45000, ExternalReference: ref}}

	out, err := execute(t, a, "reconcile")
	require.NoError(t, err)
	assert.Contains(t, out, "checked 2 request(s), applied 1 payment(s)")
}

func TestChargesAndOverdueCommands(t *testing.T) {
	a, store, gw := newTestApp(t)
	req := addPendingRequest(t, store, 7)
	ref := payments.FormatReference(req.ID, 7)
	gw.byRef[ref] = []payments.PaymentDetails{{ID: "pi_1", Status: payments.StatusApproved, Amount: 45000, ExternalReference: ref}}
	_, err := execute(t, a, "reconcile")
	require.NoError(t, err)

	// March was settled by the reconciled payment.
	out, err := execute(t, a, "charges")
	require.NoError(t, err)
	assert.Contains(t, out, "2026-03: 0 charge(s) created")

	out, err = execute(t, a, "charges", "--month", "2026-02")
	require.NoError(t, err)
	assert.Contains(t, out, "2026-02: 1 charge(s) created")

	out, err = execute(t, a, "overdue")
	require.NoError(t, err)
	assert.Contains(t, out, "1 payment(s) marked overdue")

	_, err = execute(t, a, "charges", "--month", "marzo")
	assert.Error(t, err)
}

func TestParseMonth(t *testing.T) {
	m, err := parseMonth("2026-04")
	require.NoError(t, err)
	assert.True(t, m.Equal(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)))
	_, err = parseMonth("04/2026")
	assert.Error(t, err)
}
