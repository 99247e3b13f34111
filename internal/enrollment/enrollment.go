// Package enrollment handles the parent side of a seat request: opening it,
// withdrawing it and starting the hosted payment that can convert it.
package enrollment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fcartres/proyectofinal-sub001/internal/apperr"
	"github.com/fcartres/proyectofinal-sub001/internal/events"
	"github.com/fcartres/proyectofinal-sub001/internal/locks"
	"github.com/fcartres/proyectofinal-sub001/internal/logging"
	"github.com/fcartres/proyectofinal-sub001/internal/models"
	"github.com/fcartres/proyectofinal-sub001/internal/payments"
	"github.com/fcartres/proyectofinal-sub001/internal/storage"
)

// CheckoutConfig controls the payment preferences handed to the gateway.
type CheckoutConfig struct {
	SuccessURL    string
	FailureURL    string
	PreferenceTTL time.Duration
}

type Service struct {
	Store    storage.Store
	Locker   locks.Locker
	Gateway  payments.Gateway
	Events   events.Publisher
	Logger   *slog.Logger
	Checkout CheckoutConfig
	Now      func() time.Time
}

func New(store storage.Store, locker locks.Locker, gw payments.Gateway, pub events.Publisher, logger *slog.Logger, cfg CheckoutConfig) *Service {
	if locker == nil {
		locker = locks.NewLocalLocker()
	}
	if pub == nil {
		pub = events.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{Store: store, Locker: locker, Gateway: gw, Events: pub, Logger: logger, Checkout: cfg, Now: time.Now}
}

type NewRequest struct {
	RouteID   int64  `json:"ruta_id"`
	StudentID int64  `json:"estudiante_id"`
	Note      string `json:"nota,omitempty"`
}

// CreateRequest opens a pending request for a seat on an active route.
func (s *Service) CreateRequest(ctx context.Context, parentID int64, in NewRequest) (models.ServiceRequest, error) {
	const op = "enrollment.CreateRequest"
	if in.RouteID <= 0 || in.StudentID <= 0 {
		return models.ServiceRequest{}, apperr.E(apperr.Invalid, op, "ruta_id and estudiante_id are required")
	}

	var (
		req      models.ServiceRequest
		driverID int64
	)
	err := s.Store.WithinTx(ctx, func(tx storage.Tx) error {
		route, err := tx.GetRoute(ctx, in.RouteID)
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.E(apperr.NotFound, op, "route not found")
		} else if err != nil {
			return err
		}
		if !route.Active {
			return apperr.E(apperr.Invalid, op, "route is not accepting students")
		}
		open, err := tx.HasOpenRequest(ctx, route.ID, in.StudentID)
		if err != nil {
			return err
		}
		if open {
			return apperr.E(apperr.Invalid, op, "student already has an open request on this route")
		}
		driverID = route.DriverID
		req = models.ServiceRequest{
			RouteID:   route.ID,
			ParentID:  parentID,
			StudentID: in.StudentID,
			Status:    models.RequestPending,
			Note:      in.Note,
			CreatedAt: s.Now().UTC(),
		}
		return tx.CreateRequest(ctx, &req)
	})
	if err != nil {
		return models.ServiceRequest{}, err
	}
	log := logging.FromContext(ctx, s.Logger)
	log.Info("request created", "solicitud_id", req.ID, "ruta_id", req.RouteID)
	events.Emit(ctx, log, s.Events, events.New(events.RequestCreated, req.ID, req, parentID, driverID))
	return req, nil
}

// CancelRequest withdraws a request the parent owns while it is still pending.
func (s *Service) CancelRequest(ctx context.Context, requestID, parentID int64) (models.ServiceRequest, error) {
	const op = "enrollment.CancelRequest"
	release, err := s.Locker.Acquire(ctx, locks.RequestKey(requestID))
	if err != nil {
		return models.ServiceRequest{}, apperr.Wrap(apperr.Internal, op, err)
	}
	defer release()

	var req models.ServiceRequest
	err = s.Store.WithinTx(ctx, func(tx storage.Tx) error {
		req, err = tx.GetRequest(ctx, requestID)
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.E(apperr.NotFound, op, "request not found")
		} else if err != nil {
			return err
		}
		if req.ParentID != parentID {
			return apperr.E(apperr.Forbidden, op, "request belongs to another parent")
		}
		if req.Status != models.RequestPending {
			return apperr.E(apperr.NotFound, op, "request already resolved")
		}
		now := s.Now().UTC()
		if err := tx.UpdateRequestStatus(ctx, req.ID, models.RequestCancelled, "", now); err != nil {
			return err
		}
		req.Status, req.RespondedAt = models.RequestCancelled, &now
		return nil
	})
	if err != nil {
		return models.ServiceRequest{}, err
	}
	events.Emit(ctx, s.Logger, s.Events, events.New(events.RequestCancelled, req.ID, req, parentID))
	return req, nil
}

// CreateCheckout opens a payment preference for an open request. The
// preference carries the reference that reconciliation later parses and the
// billing month it settles. A zero month means the current one; earlier
// months can only be paid once the service exists.
func (s *Service) CreateCheckout(ctx context.Context, requestID, parentID int64, payerEmail string, month time.Time) (payments.PreferenceResult, error) {
	const op = "enrollment.CreateCheckout"
	current := models.MonthOf(s.Now())
	if month.IsZero() {
		month = current
	}
	month = models.MonthOf(month)
	if month.After(current) {
		return payments.PreferenceResult{}, apperr.E(apperr.Invalid, op, "cannot pay a future month")
	}
	var (
		req   models.ServiceRequest
		route models.Route
		price int64
	)
	err := s.Store.WithinTx(ctx, func(tx storage.Tx) error {
		var err error
		req, err = tx.GetRequest(ctx, requestID)
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.E(apperr.NotFound, op, "request not found")
		} else if err != nil {
			return err
		}
		if req.ParentID != parentID {
			return apperr.E(apperr.Forbidden, op, "request belongs to another parent")
		}
		if req.Status == models.RequestRejected || req.Status == models.RequestCancelled {
			return apperr.E(apperr.NotFound, op, "request is closed")
		}
		if route, err = tx.GetRoute(ctx, req.RouteID); err != nil {
			return err
		}
		price = route.MonthlyPrice
		svc, ok, err := tx.ServiceByRequest(ctx, req.ID)
		if err != nil {
			return err
		}
		if !ok {
			if !month.Equal(current) {
				return apperr.E(apperr.Invalid, op, "only the current month can be paid before the service starts")
			}
			return nil
		}
		if month.Before(models.MonthOf(svc.StartDate)) {
			return apperr.E(apperr.Invalid, op, "month is before the service start")
		}
		price = svc.AgreedPrice
		charge, ok, err := tx.PaymentForMonth(ctx, svc.ID, month)
		if err != nil {
			return err
		}
		if ok {
			if charge.Status == models.PaymentPaid {
				return apperr.E(apperr.DuplicatePayment, op, "month already paid")
			}
			price = charge.Amount
		}
		return nil
	})
	if err != nil {
		return payments.PreferenceResult{}, err
	}

	pref := payments.Preference{
		Items: []payments.Item{{
			Title:     fmt.Sprintf("Transporte escolar - %s", route.Name),
			Quantity:  1,
			UnitPrice: price,
		}},
		Payer:             payments.Payer{Email: payerEmail},
		BackURLs:          payments.BackURLs{Success: s.Checkout.SuccessURL, Failure: s.Checkout.FailureURL},
		ExternalReference: payments.FormatReference(req.ID, parentID),
		Month:             month,
	}
	if s.Checkout.PreferenceTTL > 0 {
		pref.ExpiresAt = s.Now().Add(s.Checkout.PreferenceTTL)
	}
	res, err := s.Gateway.CreatePreference(ctx, pref)
	if err != nil {
		if apperr.KindOf(err) == apperr.Internal {
			err = apperr.Wrap(apperr.GatewayError, op, err)
		}
		return payments.PreferenceResult{}, err
	}
	logging.FromContext(ctx, s.Logger).Info("checkout created", "solicitud_id", req.ID, "preference_id", res.ID, "monto", price, "mes", month.Format("2006-01"))
	return res, nil
}
