// Package allocator turns pending service requests into active services
// without ever exceeding a route's seat capacity.
package allocator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fcartres/proyectofinal-sub001/internal/apperr"
	"github.com/fcartres/proyectofinal-sub001/internal/events"
	"github.com/fcartres/proyectofinal-sub001/internal/locks"
	"github.com/fcartres/proyectofinal-sub001/internal/logging"
	"github.com/fcartres/proyectofinal-sub001/internal/models"
	"github.com/fcartres/proyectofinal-sub001/internal/observability"
	"github.com/fcartres/proyectofinal-sub001/internal/storage"
)

type Allocator struct {
	Store  storage.Store
	Locker locks.Locker
	Events events.Publisher
	Logger *slog.Logger
	Now    func() time.Time
}

func New(store storage.Store, locker locks.Locker, pub events.Publisher, logger *slog.Logger) *Allocator {
	if locker == nil {
		locker = locks.NewLocalLocker()
	}
	if pub == nil {
		pub = events.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Allocator{Store: store, Locker: locker, Events: pub, Logger: logger, Now: time.Now}
}

// Resolution is the outcome of a driver decision. Service is set on accept.
type Resolution struct {
	Request models.ServiceRequest `json:"solicitud"`
	Service *models.Service       `json:"servicio,omitempty"`
}

// ResolveRequest applies a driver's accept or reject decision to a pending request.
// Accepting re-reads the route's live occupancy and creates the service in the
// same transaction, so concurrent accepts on one route cannot overbook it.
func (a *Allocator) ResolveRequest(ctx context.Context, requestID, driverID int64, decision models.Decision, note string) (Resolution, error) {
	const op = "allocator.ResolveRequest"
	if decision != models.DecisionAccept && decision != models.DecisionReject {
		return Resolution{}, apperr.E(apperr.Invalid, op, "decision must be accept or reject")
	}
	log := logging.FromContext(ctx, a.Logger).With("solicitud_id", requestID, "conductor_id", driverID, "decision", decision)

	routeID, err := a.routeOfRequest(ctx, requestID)
	if err != nil {
		return Resolution{}, err
	}

	var res Resolution
	err = a.withRouteLock(ctx, routeID, func() error {
		return a.Store.WithinTx(ctx, func(tx storage.Tx) error {
			req, err := tx.GetRequest(ctx, requestID)
			if err != nil {
				return notFound(op, "request not found", err)
			}
			if req.Status != models.RequestPending {
				return apperr.E(apperr.NotFound, op, "request already resolved")
			}
			route, err := tx.LockRoute(ctx, req.RouteID)
			if err != nil {
				return notFound(op, "route not found", err)
			}
			if route.DriverID != driverID {
				return apperr.E(apperr.Forbidden, op, "route belongs to another driver")
			}

			now := a.Now().UTC()
			if decision == models.DecisionReject {
				if err := tx.UpdateRequestStatus(ctx, req.ID, models.RequestRejected, note, now); err != nil {
					return err
				}
				req.Status, req.RespondedAt = models.RequestRejected, &now
				if note != "" {
					req.Note = note
				}
				res.Request = req
				return nil
			}

			if !route.Active {
				return apperr.E(apperr.Invalid, op, "route is not active")
			}
			svc, err := createService(ctx, tx, op, req, route, now)
			if err != nil {
				return err
			}
			if err := tx.UpdateRequestStatus(ctx, req.ID, models.RequestAccepted, note, now); err != nil {
				return err
			}
			req.Status, req.RespondedAt = models.RequestAccepted, &now
			if note != "" {
				req.Note = note
			}
			res = Resolution{Request: req, Service: &svc}
			return nil
		})
	})
	observability.RequestsResolved.WithLabelValues(string(decision), apperr.Label(err)).Inc()
	if err != nil {
		if apperr.Is(err, apperr.CapacityExceeded) {
			observability.CapacityRejections.Inc()
		}
		log.Info("request resolution refused", "error", err)
		return Resolution{}, err
	}

	log.Info("request resolved", "estado", res.Request.Status)
	evs := []events.Event{events.New(events.RequestResolved, res.Request.ID, res.Request, res.Request.ParentID, driverID)}
	if res.Service != nil {
		observability.ActiveServicesCreated.WithLabelValues("accept").Inc()
		evs = append(evs, events.New(events.ServiceCreated, res.Service.ID, res.Service, res.Service.ParentID, driverID))
	}
	events.Emit(ctx, log, a.Events, evs...)
	return res, nil
}

// UpdateService applies a driver's partial update to one of their services.
// Moving a service back to active takes a seat and is capacity checked.
func (a *Allocator) UpdateService(ctx context.Context, serviceID, driverID int64, patch models.ServicePatch) (models.Service, error) {
	const op = "allocator.UpdateService"
	if patch.Empty() {
		return models.Service{}, apperr.E(apperr.Invalid, op, "nothing to update")
	}
	if patch.Status != nil && !patch.Status.Valid() {
		return models.Service{}, apperr.E(apperr.Invalid, op, "unknown service state")
	}
	if patch.AgreedPrice != nil && *patch.AgreedPrice < 0 {
		return models.Service{}, apperr.E(apperr.Invalid, op, "price must not be negative")
	}

	var routeID int64
	err := a.Store.WithinTx(ctx, func(tx storage.Tx) error {
		svc, err := tx.GetService(ctx, serviceID)
		if err != nil {
			return notFound(op, "service not found", err)
		}
		routeID = svc.RouteID
		return nil
	})
	if err != nil {
		return models.Service{}, err
	}

	var updated models.Service
	err = a.withRouteLock(ctx, routeID, func() error {
		return a.Store.WithinTx(ctx, func(tx storage.Tx) error {
			svc, err := tx.GetService(ctx, serviceID)
			if err != nil {
				return notFound(op, "service not found", err)
			}
			route, err := tx.LockRoute(ctx, svc.RouteID)
			if err != nil {
				return notFound(op, "route not found", err)
			}
			if route.DriverID != driverID {
				return apperr.E(apperr.Forbidden, op, "service belongs to another driver")
			}
			if svc.Status == models.ServiceFinished || svc.Status == models.ServiceCancelled {
				return apperr.E(apperr.Invalid, op, "service is closed")
			}
			if patch.Status != nil && *patch.Status == models.ServiceActive && svc.Status != models.ServiceActive {
				if err := checkCapacity(ctx, tx, op, route); err != nil {
					return err
				}
			}
			updated, err = tx.PatchService(ctx, svc.ID, patch)
			return err
		})
	})
	if err != nil {
		return models.Service{}, err
	}
	events.Emit(ctx, a.Logger, a.Events, events.New(events.ServiceUpdated, updated.ID, updated, updated.ParentID, driverID))
	return updated, nil
}

func (a *Allocator) routeOfRequest(ctx context.Context, requestID int64) (int64, error) {
	var routeID int64
	err := a.Store.WithinTx(ctx, func(tx storage.Tx) error {
		req, err := tx.GetRequest(ctx, requestID)
		if err != nil {
			return notFound("allocator.ResolveRequest", "request not found", err)
		}
		routeID = req.RouteID
		return nil
	})
	return routeID, err
}

func (a *Allocator) withRouteLock(ctx context.Context, routeID int64, fn func() error) error {
	release, err := a.Locker.Acquire(ctx, locks.RouteKey(routeID))
	if err != nil {
		return apperr.Wrap(apperr.Internal, "allocator.lock", err)
	}
	defer release()
	return fn()
}

// CreateService inserts an active service for req after checking the route's
// capacity. tx must hold the route row lock.
func CreateService(ctx context.Context, tx storage.Tx, req models.ServiceRequest, route models.Route, now time.Time) (models.Service, error) {
	return createService(ctx, tx, "allocator.CreateService", req, route, now)
}

func createService(ctx context.Context, tx storage.Tx, op string, req models.ServiceRequest, route models.Route, now time.Time) (models.Service, error) {
	if err := checkCapacity(ctx, tx, op, route); err != nil {
		return models.Service{}, err
	}
	svc := models.Service{
		RequestID:   req.ID,
		RouteID:     route.ID,
		ParentID:    req.ParentID,
		StudentID:   req.StudentID,
		AgreedPrice: route.MonthlyPrice,
		Status:      models.ServiceActive,
		StartDate:   now,
	}
	if err := tx.CreateService(ctx, &svc); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return models.Service{}, apperr.E(apperr.NotFound, op, "request already has a service")
		}
		return models.Service{}, err
	}
	return svc, nil
}

func checkCapacity(ctx context.Context, tx storage.Tx, op string, route models.Route) error {
	active, err := tx.CountActiveServices(ctx, route.ID)
	if err != nil {
		return err
	}
	if active >= route.Capacity {
		return apperr.E(apperr.CapacityExceeded, op, "no seats left on this route")
	}
	return nil
}

func notFound(op, msg string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.E(apperr.NotFound, op, msg)
	}
	return err
}
