// Package rating records evaluations between the parties of a service and
// keeps each driver's aggregate rating equal to the mean of every rating
// they have received.
package rating

import (
	"context"
	"errors"
	"log/slog"

	"github.com/fcartres/proyectofinal-sub001/internal/apperr"
	"github.com/fcartres/proyectofinal-sub001/internal/events"
	"github.com/fcartres/proyectofinal-sub001/internal/locks"
	"github.com/fcartres/proyectofinal-sub001/internal/logging"
	"github.com/fcartres/proyectofinal-sub001/internal/models"
	"github.com/fcartres/proyectofinal-sub001/internal/observability"
	"github.com/fcartres/proyectofinal-sub001/internal/storage"
)

const (
	MinRating = 1
	MaxRating = 5
)

type Input struct {
	ServiceID   int64    `json:"servicio_id"`
	EvaluatorID int64    `json:"-"`
	EvaluatedID int64    `json:"evaluado_id"`
	Rating      int      `json:"calificacion"`
	Comment     string   `json:"comentario,omitempty"`
	Aspects     []string `json:"aspectos,omitempty"`
}

type Aggregator struct {
	Store  storage.Store
	Locker locks.Locker
	Events events.Publisher
	Logger *slog.Logger
}

func New(store storage.Store, locker locks.Locker, pub events.Publisher, logger *slog.Logger) *Aggregator {
	if locker == nil {
		locker = locks.NewLocalLocker()
	}
	if pub == nil {
		pub = events.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{Store: store, Locker: locker, Events: pub, Logger: logger}
}

// Submit inserts the evaluation and recomputes the evaluated user's average in
// the same transaction.
func (a *Aggregator) Submit(ctx context.Context, in Input) (models.Evaluation, error) {
	ev, update, err := a.submit(ctx, in)
	observability.EvaluationsTotal.WithLabelValues(apperr.Label(err)).Inc()
	if err != nil {
		return models.Evaluation{}, err
	}
	log := logging.FromContext(ctx, a.Logger)
	log.Info("evaluation recorded", "servicio_id", ev.ServiceID, "evaluado_id", ev.EvaluatedID, "calificacion", ev.Rating)
	if update != nil {
		events.Emit(ctx, log, a.Events, events.New(events.RatingUpdated, update.UserID, *update, update.UserID))
	}
	return ev, nil
}

func (a *Aggregator) submit(ctx context.Context, in Input) (models.Evaluation, *events.RatingUpdate, error) {
	const op = "rating.Submit"
	if in.Rating < MinRating || in.Rating > MaxRating {
		return models.Evaluation{}, nil, apperr.E(apperr.InvalidRating, op, "rating must be between 1 and 5")
	}
	if in.EvaluatorID == in.EvaluatedID {
		return models.Evaluation{}, nil, apperr.E(apperr.Invalid, op, "users cannot evaluate themselves")
	}

	release, err := a.Locker.Acquire(ctx, locks.RatingKey(in.EvaluatedID))
	if err != nil {
		return models.Evaluation{}, nil, apperr.Wrap(apperr.Internal, op, err)
	}
	defer release()

	var (
		ev     models.Evaluation
		update *events.RatingUpdate
	)
	err = a.Store.WithinTx(ctx, func(tx storage.Tx) error {
		svc, err := tx.GetService(ctx, in.ServiceID)
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.E(apperr.NotFound, op, "service not found")
		} else if err != nil {
			return err
		}
		if svc.Status != models.ServiceActive {
			return apperr.E(apperr.Unauthorized, op, "only active services can be evaluated")
		}
		route, err := tx.GetRoute(ctx, svc.RouteID)
		if err != nil {
			return err
		}
		if !parties(svc.ParentID, route.DriverID, in.EvaluatorID, in.EvaluatedID) {
			return apperr.E(apperr.Unauthorized, op, "evaluator and evaluated must be the parties of the service")
		}

		dup, err := tx.HasEvaluation(ctx, svc.ID, in.EvaluatorID)
		if err != nil {
			return err
		}
		if dup {
			return apperr.E(apperr.DuplicateEvaluation, op, "service already evaluated by this user")
		}
		ev = models.Evaluation{
			ServiceID:   svc.ID,
			EvaluatorID: in.EvaluatorID,
			EvaluatedID: in.EvaluatedID,
			Rating:      in.Rating,
			Comment:     in.Comment,
			Aspects:     in.Aspects,
		}
		if err := tx.CreateEvaluation(ctx, &ev); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				return apperr.E(apperr.DuplicateEvaluation, op, "service already evaluated by this user")
			}
			return err
		}

		avg, n, err := tx.AverageRating(ctx, in.EvaluatedID)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		// only drivers carry an aggregate; parents' ratings are history only
		if in.EvaluatedID != route.DriverID {
			return nil
		}
		if err := tx.SetDriverRating(ctx, in.EvaluatedID, avg); err != nil {
			return err
		}
		update = &events.RatingUpdate{UserID: in.EvaluatedID, Average: avg, Count: n}
		return nil
	})
	if err != nil {
		return models.Evaluation{}, nil, err
	}
	return ev, update, nil
}

func parties(parentID, driverID, evaluator, evaluated int64) bool {
	return (evaluator == parentID && evaluated == driverID) ||
		(evaluator == driverID && evaluated == parentID)
}
