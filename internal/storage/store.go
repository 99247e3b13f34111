package storage

import (
	"context"
	"errors"
	"time"

	"github.com/fcartres/proyectofinal-sub001/internal/models"
)

var (
	// ErrNotFound is returned when a referenced row does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict is returned when a write violates a uniqueness constraint.
	ErrConflict = errors.New("storage: unique constraint violated")
)

// Tx exposes the row-level operations available inside one atomic transaction.
// Get* and Lock* reads lock the row they return until the transaction ends.
type Tx interface {
	GetRoute(ctx context.Context, id int64) (models.Route, error)
	LockRoute(ctx context.Context, id int64) (models.Route, error)

	GetRequest(ctx context.Context, id int64) (models.ServiceRequest, error)
	CreateRequest(ctx context.Context, r *models.ServiceRequest) error
	HasOpenRequest(ctx context.Context, routeID, studentID int64) (bool, error)
	UpdateRequestStatus(ctx context.Context, id int64, status models.RequestStatus, note string, at time.Time) error

	CountActiveServices(ctx context.Context, routeID int64) (int, error)
	GetService(ctx context.Context, id int64) (models.Service, error)
	ServiceByRequest(ctx context.Context, requestID int64) (models.Service, bool, error)
	CreateService(ctx context.Context, s *models.Service) error
	PatchService(ctx context.Context, id int64, p models.ServicePatch) (models.Service, error)

	PaymentByReference(ctx context.Context, ref string) (models.Payment, bool, error)
	PaymentForMonth(ctx context.Context, serviceID int64, month time.Time) (models.Payment, bool, error)
	CreatePayment(ctx context.Context, p *models.Payment) error
	MarkPaymentPaid(ctx context.Context, id, amount int64, ref, method string, at time.Time) error

	HasEvaluation(ctx context.Context, serviceID, evaluatorID int64) (bool, error)
	CreateEvaluation(ctx context.Context, e *models.Evaluation) error
	AverageRating(ctx context.Context, evaluatedID int64) (avg float64, n int, err error)
	SetDriverRating(ctx context.Context, driverID int64, avg float64) error
}

// Store is the relational store shared by every operation.
type Store interface {
	// WithinTx runs fn in one transaction. A non-nil error from fn rolls back
	// every write made through the Tx.
	WithinTx(ctx context.Context, fn func(Tx) error) error

	ListOpenRequests(ctx context.Context) ([]models.ServiceRequest, error)
	CreateMonthlyCharges(ctx context.Context, month, due time.Time) (int64, error)
	MarkOverdue(ctx context.Context, now time.Time) (int64, error)
}
