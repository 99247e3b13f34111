package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fcartres/proyectofinal-sub001/internal/models"
)

// MemoryStore keeps every table in process. Transactions are fully serialized
// and rolled back by restoring a snapshot taken when they begin.
type MemoryStore struct {
	mu   sync.Mutex
	data memData
}

type memData struct {
	seq         int64
	routes      map[int64]models.Route
	requests    map[int64]models.ServiceRequest
	services    map[int64]models.Service
	payments    map[int64]models.Payment
	evaluations map[int64]models.Evaluation
	ratings     map[int64]float64 // conductores.calificacion_promedio by driver user id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: memData{
		routes:      make(map[int64]models.Route),
		requests:    make(map[int64]models.ServiceRequest),
		services:    make(map[int64]models.Service),
		payments:    make(map[int64]models.Payment),
		evaluations: make(map[int64]models.Evaluation),
		ratings:     make(map[int64]float64),
	}}
}

func (d memData) clone() memData {
	c := memData{
		seq:         d.seq,
		routes:      make(map[int64]models.Route, len(d.routes)),
		requests:    make(map[int64]models.ServiceRequest, len(d.requests)),
		services:    make(map[int64]models.Service, len(d.services)),
		payments:    make(map[int64]models.Payment, len(d.payments)),
		evaluations: make(map[int64]models.Evaluation, len(d.evaluations)),
		ratings:     make(map[int64]float64, len(d.ratings)),
	}
	for k, v := range d.routes {
		c.routes[k] = v
	}
	for k, v := range d.requests {
		c.requests[k] = v
	}
	for k, v := range d.services {
		c.services[k] = v
	}
	for k, v := range d.payments {
		c.payments[k] = v
	}
	for k, v := range d.evaluations {
		c.evaluations[k] = v
	}
	for k, v := range d.ratings {
		c.ratings[k] = v
	}
	return c
}

func (m *MemoryStore) nextID() int64 {
	m.data.seq++
	return m.data.seq
}

func (m *MemoryStore) WithinTx(ctx context.Context, fn func(Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	snapshot := m.data.clone()
	if err := fn(&memTx{m: m}); err != nil {
		m.data = snapshot
		return err
	}
	return nil
}

// AddRoute registers a route and its driver profile. Routes are owned by the
// CRUD side of the system; this exists for local runs and tests.
func (m *MemoryStore) AddRoute(r models.Route) models.Route {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == 0 {
		r.ID = m.nextID()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	m.data.routes[r.ID] = r
	if _, ok := m.data.ratings[r.DriverID]; !ok {
		m.data.ratings[r.DriverID] = 0
	}
	return r
}

func (m *MemoryStore) Request(id int64) (models.ServiceRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.data.requests[id]
	return r, ok
}

func (m *MemoryStore) Services() []models.Service {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Service, 0, len(m.data.services))
	for _, s := range m.data.services {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *MemoryStore) Payments() []models.Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Payment, 0, len(m.data.payments))
	for _, p := range m.data.payments {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *MemoryStore) DriverRating(driverID int64) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data.ratings[driverID]
	return v, ok
}

func (m *MemoryStore) ListOpenRequests(ctx context.Context) ([]models.ServiceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ServiceRequest
	for _, r := range m.data.requests {
		if r.Status.Open() {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) CreateMonthlyCharges(ctx context.Context, month, due time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	month = models.MonthOf(month)
	var n int64
	for _, s := range m.data.services {
		if s.Status != models.ServiceActive {
			continue
		}
		if _, ok := (&memTx{m: m}).paymentForMonth(s.ID, month); ok {
			continue
		}
		id := m.nextID()
		m.data.payments[id] = models.Payment{
			ID: id, ServiceID: s.ID, Amount: s.AgreedPrice, Month: month, DueDate: due,
			Status: models.PaymentPending, CreatedAt: time.Now().UTC(),
		}
		n++
	}
	return n, nil
}

func (m *MemoryStore) MarkOverdue(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, p := range m.data.payments {
		if p.Status == models.PaymentPending && p.DueDate.Before(now) {
			p.Status = models.PaymentOverdue
			m.data.payments[id] = p
			n++
		}
	}
	return n, nil
}

// memTx runs with MemoryStore.mu held by WithinTx.
type memTx struct{ m *MemoryStore }

func (t *memTx) GetRoute(ctx context.Context, id int64) (models.Route, error) {
	r, ok := t.m.data.routes[id]
	if !ok {
		return models.Route{}, ErrNotFound
	}
	return r, nil
}

func (t *memTx) LockRoute(ctx context.Context, id int64) (models.Route, error) {
	return t.GetRoute(ctx, id)
}

func (t *memTx) GetRequest(ctx context.Context, id int64) (models.ServiceRequest, error) {
	r, ok := t.m.data.requests[id]
	if !ok {
		return models.ServiceRequest{}, ErrNotFound
	}
	return r, nil
}

func (t *memTx) CreateRequest(ctx context.Context, r *models.ServiceRequest) error {
	r.ID = t.m.nextID()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	t.m.data.requests[r.ID] = *r
	return nil
}

func (t *memTx) HasOpenRequest(ctx context.Context, routeID, studentID int64) (bool, error) {
	for _, r := range t.m.data.requests {
		if r.RouteID == routeID && r.StudentID == studentID && r.Status.Open() {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) UpdateRequestStatus(ctx context.Context, id int64, status models.RequestStatus, note string, at time.Time) error {
	r, ok := t.m.data.requests[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = status
	if note != "" {
		r.Note = note
	}
	r.RespondedAt = &at
	t.m.data.requests[id] = r
	return nil
}

func (t *memTx) CountActiveServices(ctx context.Context, routeID int64) (int, error) {
	n := 0
	for _, s := range t.m.data.services {
		if s.RouteID == routeID && s.Status == models.ServiceActive {
			n++
		}
	}
	return n, nil
}

func (t *memTx) GetService(ctx context.Context, id int64) (models.Service, error) {
	s, ok := t.m.data.services[id]
	if !ok {
		return models.Service{}, ErrNotFound
	}
	return s, nil
}

func (t *memTx) ServiceByRequest(ctx context.Context, requestID int64) (models.Service, bool, error) {
	for _, s := range t.m.data.services {
		if s.RequestID == requestID {
			return s, true, nil
		}
	}
	return models.Service{}, false, nil
}

func (t *memTx) CreateService(ctx context.Context, s *models.Service) error {
	if _, ok, _ := t.ServiceByRequest(ctx, s.RequestID); ok {
		return ErrConflict
	}
	s.ID = t.m.nextID()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	t.m.data.services[s.ID] = *s
	return nil
}

func (t *memTx) PatchService(ctx context.Context, id int64, p models.ServicePatch) (models.Service, error) {
	s, ok := t.m.data.services[id]
	if !ok {
		return models.Service{}, ErrNotFound
	}
	if p.Status != nil {
		s.Status = *p.Status
	}
	if p.AgreedPrice != nil {
		s.AgreedPrice = *p.AgreedPrice
	}
	t.m.data.services[id] = s
	return s, nil
}

func (t *memTx) PaymentByReference(ctx context.Context, ref string) (models.Payment, bool, error) {
	for _, p := range t.m.data.payments {
		if p.Reference != nil && *p.Reference == ref {
			return p, true, nil
		}
	}
	return models.Payment{}, false, nil
}

func (t *memTx) paymentForMonth(serviceID int64, month time.Time) (models.Payment, bool) {
	for _, p := range t.m.data.payments {
		if p.ServiceID == serviceID && p.Month.Equal(month) {
			return p, true
		}
	}
	return models.Payment{}, false
}

func (t *memTx) PaymentForMonth(ctx context.Context, serviceID int64, month time.Time) (models.Payment, bool, error) {
	p, ok := t.paymentForMonth(serviceID, models.MonthOf(month))
	return p, ok, nil
}

func (t *memTx) CreatePayment(ctx context.Context, p *models.Payment) error {
	p.Month = models.MonthOf(p.Month)
	if _, ok := t.paymentForMonth(p.ServiceID, p.Month); ok {
		return ErrConflict
	}
	if p.Reference != nil {
		if _, ok, _ := t.PaymentByReference(ctx, *p.Reference); ok {
			return ErrConflict
		}
	}
	p.ID = t.m.nextID()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	t.m.data.payments[p.ID] = *p
	return nil
}

func (t *memTx) MarkPaymentPaid(ctx context.Context, id, amount int64, ref, method string, at time.Time) error {
	p, ok := t.m.data.payments[id]
	if !ok {
		return ErrNotFound
	}
	if _, dup, _ := t.PaymentByReference(ctx, ref); dup {
		return ErrConflict
	}
	p.Status = models.PaymentPaid
	p.Amount = amount
	p.Method = method
	p.PaidAt = &at
	p.Reference = &ref
	t.m.data.payments[id] = p
	return nil
}

func (t *memTx) HasEvaluation(ctx context.Context, serviceID, evaluatorID int64) (bool, error) {
	for _, e := range t.m.data.evaluations {
		if e.ServiceID == serviceID && e.EvaluatorID == evaluatorID {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) CreateEvaluation(ctx context.Context, e *models.Evaluation) error {
	if dup, _ := t.HasEvaluation(ctx, e.ServiceID, e.EvaluatorID); dup {
		return ErrConflict
	}
	e.ID = t.m.nextID()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	t.m.data.evaluations[e.ID] = *e
	return nil
}

func (t *memTx) AverageRating(ctx context.Context, evaluatedID int64) (float64, int, error) {
	sum, n := 0, 0
	for _, e := range t.m.data.evaluations {
		if e.EvaluatedID == evaluatedID {
			sum += e.Rating
			n++
		}
	}
	if n == 0 {
		return 0, 0, nil
	}
	return float64(sum) / float64(n), n, nil
}

func (t *memTx) SetDriverRating(ctx context.Context, driverID int64, avg float64) error {
	if _, ok := t.m.data.ratings[driverID]; !ok {
		return nil
	}
	t.m.data.ratings[driverID] = avg
	return nil
}
