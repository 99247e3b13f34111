package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/fcartres/proyectofinal-sub001/internal/models"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

const (
	routeColumns   = `id, conductor_id, nombre, capacidad, precio_mensual, activa, created_at`
	requestColumns = `id, ruta_id, padre_id, estudiante_id, estado, nota, fecha_respuesta, created_at`
	serviceColumns = `id, solicitud_id, ruta_id, padre_id, estudiante_id, precio_acordado, estado, fecha_inicio, created_at`
	paymentColumns = `id, servicio_id, monto, mes_correspondiente, fecha_vencimiento, metodo_pago, estado_pago, fecha_pago, referencia_pago, created_at`
)

// PostgresStore implements Store on PostgreSQL. Capacity checks are serialized
// per route by locking the route row; reconciliation is serialized per request
// by locking the request row.
type PostgresStore struct {
	db *sqlx.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing handle.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: sqlx.NewDb(db, "postgres")}
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, schemaSQL)
	return err
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) WithinTx(ctx context.Context, fn func(Tx) error) (err error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()
	if err := fn(&pgTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) ListOpenRequests(ctx context.Context) ([]models.ServiceRequest, error) {
	var out []models.ServiceRequest
	err := p.db.SelectContext(ctx, &out, `
		SELECT `+requestColumns+`
		FROM solicitudes
		WHERE estado IN ('pendiente', 'aceptada')
		ORDER BY id`)
	return out, err
}

func (p *PostgresStore) CreateMonthlyCharges(ctx context.Context, month, due time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO pagos (servicio_id, monto, mes_correspondiente, fecha_vencimiento, estado_pago)
		SELECT s.id, s.precio_acordado, $1, $2, 'pendiente'
		FROM servicios s
		WHERE s.estado = 'activo'
		ON CONFLICT (servicio_id, mes_correspondiente) DO NOTHING`,
		models.MonthOf(month), due)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (p *PostgresStore) MarkOverdue(ctx context.Context, now time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE pagos SET estado_pago = 'vencido'
		WHERE estado_pago = 'pendiente' AND fecha_vencimiento < $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type pgTx struct {
	tx *sqlx.Tx
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrConflict, pqErr.Constraint)
	}
	return err
}

func expectRow(res sql.Result, err error) error {
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) GetRoute(ctx context.Context, id int64) (models.Route, error) {
	var r models.Route
	err := t.tx.GetContext(ctx, &r, `SELECT `+routeColumns+` FROM rutas WHERE id = $1`, id)
	return r, mapErr(err)
}

func (t *pgTx) LockRoute(ctx context.Context, id int64) (models.Route, error) {
	var r models.Route
	err := t.tx.GetContext(ctx, &r, `SELECT `+routeColumns+` FROM rutas WHERE id = $1 FOR UPDATE`, id)
	return r, mapErr(err)
}

func (t *pgTx) GetRequest(ctx context.Context, id int64) (models.ServiceRequest, error) {
	var r models.ServiceRequest
	err := t.tx.GetContext(ctx, &r, `SELECT `+requestColumns+` FROM solicitudes WHERE id = $1 FOR UPDATE`, id)
	return r, mapErr(err)
}

func (t *pgTx) CreateRequest(ctx context.Context, r *models.ServiceRequest) error {
	err := t.tx.QueryRowxContext(ctx, `
		INSERT INTO solicitudes (ruta_id, padre_id, estudiante_id, estado, nota)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		r.RouteID, r.ParentID, r.StudentID, r.Status, r.Note).Scan(&r.ID, &r.CreatedAt)
	return mapErr(err)
}

func (t *pgTx) HasOpenRequest(ctx context.Context, routeID, studentID int64) (bool, error) {
	var exists bool
	err := t.tx.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM solicitudes
			WHERE ruta_id = $1 AND estudiante_id = $2 AND estado IN ('pendiente', 'aceptada')
		)`, routeID, studentID)
	return exists, err
}

func (t *pgTx) UpdateRequestStatus(ctx context.Context, id int64, status models.RequestStatus, note string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE solicitudes
		SET estado = $2, nota = COALESCE(NULLIF($3::text, ''), nota), fecha_respuesta = $4
		WHERE id = $1`, id, status, note, at)
	return expectRow(res, err)
}

func (t *pgTx) CountActiveServices(ctx context.Context, routeID int64) (int, error) {
	var n int
	err := t.tx.GetContext(ctx, &n, `SELECT COUNT(*) FROM servicios WHERE ruta_id = $1 AND estado = 'activo'`, routeID)
	return n, err
}

func (t *pgTx) GetService(ctx context.Context, id int64) (models.Service, error) {
	var s models.Service
	err := t.tx.GetContext(ctx, &s, `SELECT `+serviceColumns+` FROM servicios WHERE id = $1 FOR UPDATE`, id)
	return s, mapErr(err)
}

func (t *pgTx) ServiceByRequest(ctx context.Context, requestID int64) (models.Service, bool, error) {
	var s models.Service
	err := t.tx.GetContext(ctx, &s, `SELECT `+serviceColumns+` FROM servicios WHERE solicitud_id = $1`, requestID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Service{}, false, nil
	}
	return s, err == nil, err
}

func (t *pgTx) CreateService(ctx context.Context, s *models.Service) error {
	err := t.tx.QueryRowxContext(ctx, `
		INSERT INTO servicios (solicitud_id, ruta_id, padre_id, estudiante_id, precio_acordado, estado, fecha_inicio)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`,
		s.RequestID, s.RouteID, s.ParentID, s.StudentID, s.AgreedPrice, s.Status, s.StartDate).Scan(&s.ID, &s.CreatedAt)
	return mapErr(err)
}

// PatchService touches only the fields set in p; the statement text never varies.
func (t *pgTx) PatchService(ctx context.Context, id int64, p models.ServicePatch) (models.Service, error) {
	var status *string
	if p.Status != nil {
		s := string(*p.Status)
		status = &s
	}
	var s models.Service
	err := t.tx.GetContext(ctx, &s, `
		UPDATE servicios
		SET estado = COALESCE($2::text, estado),
		    precio_acordado = COALESCE($3::bigint, precio_acordado)
		WHERE id = $1
		RETURNING `+serviceColumns, id, status, p.AgreedPrice)
	return s, mapErr(err)
}

func (t *pgTx) PaymentByReference(ctx context.Context, ref string) (models.Payment, bool, error) {
	var p models.Payment
	err := t.tx.GetContext(ctx, &p, `SELECT `+paymentColumns+` FROM pagos WHERE referencia_pago = $1`, ref)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Payment{}, false, nil
	}
	return p, err == nil, err
}

func (t *pgTx) PaymentForMonth(ctx context.Context, serviceID int64, month time.Time) (models.Payment, bool, error) {
	var p models.Payment
	err := t.tx.GetContext(ctx, &p, `
		SELECT `+paymentColumns+` FROM pagos
		WHERE servicio_id = $1 AND mes_correspondiente = $2
		FOR UPDATE`, serviceID, models.MonthOf(month))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Payment{}, false, nil
	}
	return p, err == nil, err
}

func (t *pgTx) CreatePayment(ctx context.Context, p *models.Payment) error {
	p.Month = models.MonthOf(p.Month)
	err := t.tx.QueryRowxContext(ctx, `
		INSERT INTO pagos (servicio_id, monto, mes_correspondiente, fecha_vencimiento, metodo_pago, estado_pago, fecha_pago, referencia_pago)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at`,
		p.ServiceID, p.Amount, p.Month, p.DueDate, p.Method, p.Status, p.PaidAt, p.Reference).Scan(&p.ID, &p.CreatedAt)
	return mapErr(err)
}

func (t *pgTx) MarkPaymentPaid(ctx context.Context, id, amount int64, ref, method string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE pagos
		SET estado_pago = 'pagado', monto = $2, referencia_pago = $3, metodo_pago = $4, fecha_pago = $5
		WHERE id = $1`, id, amount, ref, method, at)
	return expectRow(res, err)
}

func (t *pgTx) HasEvaluation(ctx context.Context, serviceID, evaluatorID int64) (bool, error) {
	var exists bool
	err := t.tx.GetContext(ctx, &exists, `
		SELECT EXISTS (SELECT 1 FROM evaluaciones WHERE servicio_id = $1 AND evaluador_id = $2)`,
		serviceID, evaluatorID)
	return exists, err
}

func (t *pgTx) CreateEvaluation(ctx context.Context, e *models.Evaluation) error {
	aspects := pq.StringArray(e.Aspects)
	if aspects == nil {
		aspects = pq.StringArray{}
	}
	err := t.tx.QueryRowxContext(ctx, `
		INSERT INTO evaluaciones (servicio_id, evaluador_id, evaluado_id, calificacion, comentario, aspectos)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		e.ServiceID, e.EvaluatorID, e.EvaluatedID, e.Rating, e.Comment, aspects).Scan(&e.ID, &e.CreatedAt)
	return mapErr(err)
}

func (t *pgTx) AverageRating(ctx context.Context, evaluatedID int64) (float64, int, error) {
	var (
		avg float64
		n   int
	)
	err := t.tx.QueryRowxContext(ctx, `
		SELECT COALESCE(AVG(calificacion), 0)::float8, COUNT(*)
		FROM evaluaciones WHERE evaluado_id = $1`, evaluatedID).Scan(&avg, &n)
	return avg, n, err
}

func (t *pgTx) SetDriverRating(ctx context.Context, driverID int64, avg float64) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE conductores SET calificacion_promedio = $2 WHERE usuario_id = $1`, driverID, avg)
	return err
}
