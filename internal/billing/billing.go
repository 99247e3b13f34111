// Package billing owns the monthly payment lifecycle: a pending charge per
// active service each month, and overdue marking once the due date passes.
package billing

import (
	"context"
	"log/slog"
	"time"

	"github.com/fcartres/proyectofinal-sub001/internal/models"
	"github.com/fcartres/proyectofinal-sub001/internal/storage"
)

type Biller struct {
	Store  storage.Store
	DueDay int
	Logger *slog.Logger
}

func New(store storage.Store, dueDay int, logger *slog.Logger) *Biller {
	if dueDay < 1 || dueDay > 28 {
		dueDay = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Biller{Store: store, DueDay: dueDay, Logger: logger}
}

// DueDate is the payment deadline for the month containing t.
func (b *Biller) DueDate(t time.Time) time.Time {
	m := models.MonthOf(t)
	return time.Date(m.Year(), m.Month(), b.DueDay, 0, 0, 0, 0, time.UTC)
}

// GenerateMonthlyCharges creates the pending payment of month for every active
// service that has none. Running it twice for a month is a no-op.
func (b *Biller) GenerateMonthlyCharges(ctx context.Context, month time.Time) (int64, error) {
	n, err := b.Store.CreateMonthlyCharges(ctx, models.MonthOf(month), b.DueDate(month))
	if err != nil {
		return 0, err
	}
	b.Logger.Info("monthly charges generated", "mes", models.MonthOf(month).Format("2006-01"), "created", n)
	return n, nil
}

// MarkOverdue flags pending payments whose due date is before now.
func (b *Biller) MarkOverdue(ctx context.Context, now time.Time) (int64, error) {
	n, err := b.Store.MarkOverdue(ctx, now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		b.Logger.Info("payments marked overdue", "count", n)
	}
	return n, nil
}
