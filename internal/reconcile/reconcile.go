// Package reconcile applies payment outcomes reported by the gateway.
//
// A notification only carries a provider payment id, so every notification is
// confirmed against the gateway before anything is written. Approved payments
// are applied at most once per provider id; replays are reported as ignored.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fcartres/proyectofinal-sub001/internal/allocator"
	"github.com/fcartres/proyectofinal-sub001/internal/apperr"
	"github.com/fcartres/proyectofinal-sub001/internal/events"
	"github.com/fcartres/proyectofinal-sub001/internal/locks"
	"github.com/fcartres/proyectofinal-sub001/internal/logging"
	"github.com/fcartres/proyectofinal-sub001/internal/models"
	"github.com/fcartres/proyectofinal-sub001/internal/observability"
	"github.com/fcartres/proyectofinal-sub001/internal/payments"
	"github.com/fcartres/proyectofinal-sub001/internal/storage"
)

// TopicPayment is the only notification topic that carries payment outcomes.
const TopicPayment = payments.TopicPayment

type Outcome string

const (
	Processed Outcome = "processed"
	Ignored   Outcome = "ignored"
)

// Notification is an inbound gateway webhook. Raw is kept for logging only.
type Notification struct {
	Topic string
	ID    string
	Raw   []byte
}

type Processor struct {
	Store   storage.Store
	Locker  locks.Locker
	Gateway payments.Gateway
	Events  events.Publisher
	Logger  *slog.Logger
	Now     func() time.Time
}

func New(store storage.Store, locker locks.Locker, gw payments.Gateway, pub events.Publisher, logger *slog.Logger) *Processor {
	if locker == nil {
		locker = locks.NewLocalLocker()
	}
	if pub == nil {
		pub = events.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{Store: store, Locker: locker, Gateway: gw, Events: pub, Logger: logger, Now: time.Now}
}

// HandleNotification confirms the notified payment with the gateway and applies it.
// Errors leave the notification unconsumed; the gateway's redelivery retries it.
func (p *Processor) HandleNotification(ctx context.Context, n Notification) (Outcome, error) {
	log := logging.FromContext(ctx, p.Logger).With("topic", n.Topic, "payment_id", n.ID)
	if n.Topic != TopicPayment || n.ID == "" {
		log.Debug("notification ignored")
		observability.PaymentNotifications.WithLabelValues(string(Ignored)).Inc()
		return Ignored, nil
	}

	details, err := p.Gateway.GetPayment(ctx, n.ID)
	if err != nil {
		if apperr.KindOf(err) == apperr.Internal {
			err = apperr.Wrap(apperr.GatewayError, "reconcile.HandleNotification", err)
		}
		log.Error("payment lookup failed", "error", err)
		observability.PaymentNotifications.WithLabelValues(apperr.KindOf(err).String()).Inc()
		return "", err
	}
	if details.ID == "" {
		details.ID = n.ID
	}

	out, err := p.apply(ctx, log, details, n.Raw)
	if err != nil {
		observability.PaymentNotifications.WithLabelValues(apperr.KindOf(err).String()).Inc()
		return "", err
	}
	observability.PaymentNotifications.WithLabelValues(string(out)).Inc()
	return out, nil
}

// ReconcileRequest looks up every payment the gateway holds for an open request
// and applies the approved ones. It recovers webhooks that never arrived.
func (p *Processor) ReconcileRequest(ctx context.Context, requestID int64) (applied int, err error) {
	const op = "reconcile.ReconcileRequest"
	var req models.ServiceRequest
	err = p.Store.WithinTx(ctx, func(tx storage.Tx) error {
		req, err = tx.GetRequest(ctx, requestID)
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.E(apperr.NotFound, op, "request not found")
		}
		return err
	})
	if err != nil {
		return 0, err
	}
	if !req.Status.Open() {
		return 0, nil
	}

	log := logging.FromContext(ctx, p.Logger).With("solicitud_id", requestID)
	found, err := p.Gateway.SearchPaymentsByReference(ctx, payments.FormatReference(req.ID, req.ParentID))
	if err != nil {
		if apperr.KindOf(err) == apperr.Internal {
			err = apperr.Wrap(apperr.GatewayError, op, err)
		}
		return 0, err
	}
	for _, d := range found {
		if d.Status != payments.StatusApproved {
			continue
		}
		out, err := p.apply(ctx, log.With("payment_id", d.ID), d, nil)
		switch {
		case apperr.Is(err, apperr.DuplicatePayment):
			continue
		case err != nil:
			return applied, err
		case out == Processed:
			applied++
		}
	}
	return applied, nil
}

// SweepResult summarizes one reconciliation pass.
type SweepResult struct {
	Checked int
	Applied int
}

// Sweep reconciles every open request. Failures on one request do not stop
// the pass; they are joined into the returned error.
func (p *Processor) Sweep(ctx context.Context) (SweepResult, error) {
	open, err := p.Store.ListOpenRequests(ctx)
	if err != nil {
		return SweepResult{}, err
	}
	var (
		res  SweepResult
		errs []error
	)
	for _, req := range open {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		n, err := p.ReconcileRequest(ctx, req.ID)
		res.Checked++
		res.Applied += n
		if err != nil {
			p.Logger.Warn("reconcile request failed", "solicitud_id", req.ID, "error", err)
			errs = append(errs, err)
		}
	}
	return res, errors.Join(errs...)
}

func (p *Processor) apply(ctx context.Context, log *slog.Logger, d payments.PaymentDetails, raw []byte) (Outcome, error) {
	const op = "reconcile.apply"
	requestID, userID, err := payments.ParseReference(d.ExternalReference)
	if err != nil {
		log.Error("malformed external reference", "external_reference", d.ExternalReference, "payload", string(raw))
		return "", err
	}
	log = log.With("solicitud_id", requestID, "status", d.Status, "raw_status", d.RawStatus)
	if d.Status != payments.StatusApproved {
		log.Info("payment not approved, nothing applied")
		return Ignored, nil
	}

	release, err := p.Locker.Acquire(ctx, locks.RequestKey(requestID))
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, op, err)
	}
	defer release()

	var (
		outcome = Processed
		req     models.ServiceRequest
		svc     models.Service
		payment models.Payment
		created bool
	)
	err = p.Store.WithinTx(ctx, func(tx storage.Tx) error {
		// GetRequest takes the request row lock first, so concurrent deliveries
		// of one payment serialize before the replay check reads.
		req, err = tx.GetRequest(ctx, requestID)
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.E(apperr.NotFound, op, "request not found")
		} else if err != nil {
			return err
		}
		if _, seen, err := tx.PaymentByReference(ctx, d.ID); err != nil {
			return err
		} else if seen {
			outcome = Ignored
			return nil
		}
		if req.ParentID != userID {
			return apperr.E(apperr.BadReference, op, "reference user does not own the request")
		}
		if req.Status == models.RequestRejected || req.Status == models.RequestCancelled {
			return apperr.E(apperr.NotFound, op, "request is closed")
		}

		now := p.Now().UTC()
		var ok bool
		svc, ok, err = tx.ServiceByRequest(ctx, req.ID)
		if err != nil {
			return err
		}
		if !ok {
			route, err := tx.LockRoute(ctx, req.RouteID)
			if err != nil {
				return err
			}
			if svc, err = allocator.CreateService(ctx, tx, req, route, now); err != nil {
				return err
			}
			created = true
		}

		// the month stamped at checkout wins; a late payment settles that month
		month := models.MonthOf(now)
		if !d.Month.IsZero() {
			month = models.MonthOf(d.Month)
		}
		existing, ok, err := tx.PaymentForMonth(ctx, svc.ID, month)
		if err != nil {
			return err
		}
		switch {
		case ok && existing.Status == models.PaymentPaid:
			return apperr.E(apperr.DuplicatePayment, op, "month already paid")
		case ok:
			if err := tx.MarkPaymentPaid(ctx, existing.ID, d.Amount, d.ID, d.Method, now); err != nil {
				return err
			}
			payment = existing
			payment.Status, payment.Amount, payment.Method = models.PaymentPaid, d.Amount, d.Method
			payment.PaidAt, payment.Reference = &now, &d.ID
		default:
			ref := d.ID
			payment = models.Payment{
				ServiceID: svc.ID,
				Amount:    d.Amount,
				Month:     month,
				DueDate:   now,
				Method:    d.Method,
				Status:    models.PaymentPaid,
				PaidAt:    &now,
				Reference: &ref,
			}
			if err := tx.CreatePayment(ctx, &payment); err != nil {
				if errors.Is(err, storage.ErrConflict) {
					return apperr.E(apperr.DuplicatePayment, op, "payment already recorded")
				}
				return err
			}
		}

		if req.Status != models.RequestPaid {
			if err := tx.UpdateRequestStatus(ctx, req.ID, models.RequestPaid, "", now); err != nil {
				return err
			}
			req.Status = models.RequestPaid
		}
		return nil
	})
	if err != nil {
		if apperr.Is(err, apperr.CapacityExceeded) {
			observability.CapacityRejections.Inc()
			log.Error("approved payment for a full route needs manual follow-up", "error", err)
		} else {
			log.Warn("payment not applied", "error", err)
		}
		return "", err
	}
	if outcome == Ignored {
		log.Info("payment already applied")
		return Ignored, nil
	}

	log.Info("payment applied", "servicio_id", svc.ID, "monto", d.Amount, "service_created", created)
	evs := []events.Event{events.New(events.PaymentApplied, payment.ID, payment, req.ParentID)}
	if created {
		observability.ActiveServicesCreated.WithLabelValues("payment").Inc()
		evs = append(evs, events.New(events.ServiceCreated, svc.ID, svc, req.ParentID))
	}
	events.Emit(ctx, log, p.Events, evs...)
	return Processed, nil
}
