package models

import "time"

type Role string

const (
	RoleParent Role = "padre"
	RoleDriver Role = "conductor"
)

func (r Role) Valid() bool { return r == RoleParent || r == RoleDriver }

type RequestStatus string

const (
	RequestPending   RequestStatus = "pendiente"
	RequestAccepted  RequestStatus = "aceptada"
	RequestRejected  RequestStatus = "rechazada"
	RequestPaid      RequestStatus = "pagada"
	RequestCancelled RequestStatus = "cancelada"
)

// Terminal reports whether no further driver or parent action can change the request.
// A paid request still accepts later monthly payments through reconciliation.
func (s RequestStatus) Terminal() bool {
	return s == RequestRejected || s == RequestCancelled || s == RequestPaid
}

// Open reports whether the request may still be converted by a payment approval.
func (s RequestStatus) Open() bool { return s == RequestPending || s == RequestAccepted }

type ServiceStatus string

const (
	ServiceActive    ServiceStatus = "activo"
	ServicePaused    ServiceStatus = "pausado"
	ServiceFinished  ServiceStatus = "finalizado"
	ServiceCancelled ServiceStatus = "cancelado"
)

func (s ServiceStatus) Valid() bool {
	switch s {
	case ServiceActive, ServicePaused, ServiceFinished, ServiceCancelled:
		return true
	}
	return false
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pendiente"
	PaymentPaid      PaymentStatus = "pagado"
	PaymentOverdue   PaymentStatus = "vencido"
	PaymentCancelled PaymentStatus = "cancelado"
)

type Decision string

const (
	DecisionAccept Decision = "accept"
	DecisionReject Decision = "reject"
)

type Route struct {
	ID           int64     `db:"id" json:"id"`
	DriverID     int64     `db:"conductor_id" json:"conductor_id"`
	Name         string    `db:"nombre" json:"nombre"`
	Capacity     int       `db:"capacidad" json:"capacidad"`
	MonthlyPrice int64     `db:"precio_mensual" json:"precio_mensual"`
	Active       bool      `db:"activa" json:"activa"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

type ServiceRequest struct {
	ID          int64         `db:"id" json:"id"`
	RouteID     int64         `db:"ruta_id" json:"ruta_id"`
	ParentID    int64         `db:"padre_id" json:"padre_id"`
	StudentID   int64         `db:"estudiante_id" json:"estudiante_id"`
	Status      RequestStatus `db:"estado" json:"estado"`
	Note        string        `db:"nota" json:"nota,omitempty"`
	RespondedAt *time.Time    `db:"fecha_respuesta" json:"fecha_respuesta,omitempty"`
	CreatedAt   time.Time     `db:"created_at" json:"created_at"`
}

type Service struct {
	ID          int64         `db:"id" json:"id"`
	RequestID   int64         `db:"solicitud_id" json:"solicitud_id"`
	RouteID     int64         `db:"ruta_id" json:"ruta_id"`
	ParentID    int64         `db:"padre_id" json:"padre_id"`
	StudentID   int64         `db:"estudiante_id" json:"estudiante_id"`
	AgreedPrice int64         `db:"precio_acordado" json:"precio_acordado"`
	Status      ServiceStatus `db:"estado" json:"estado"`
	StartDate   time.Time     `db:"fecha_inicio" json:"fecha_inicio"`
	CreatedAt   time.Time     `db:"created_at" json:"created_at"`
}

// ServicePatch carries the optional fields of a partial service update.
// Nil fields are left untouched.
type ServicePatch struct {
	Status      *ServiceStatus `json:"estado,omitempty"`
	AgreedPrice *int64         `json:"precio_acordado,omitempty"`
}

func (p ServicePatch) Empty() bool { return p.Status == nil && p.AgreedPrice == nil }

type Payment struct {
	ID        int64         `db:"id" json:"id"`
	ServiceID int64         `db:"servicio_id" json:"servicio_id"`
	Amount    int64         `db:"monto" json:"monto"`
	Month     time.Time     `db:"mes_correspondiente" json:"mes_correspondiente"`
	DueDate   time.Time     `db:"fecha_vencimiento" json:"fecha_vencimiento"`
	Method    string        `db:"metodo_pago" json:"metodo_pago"`
	Status    PaymentStatus `db:"estado_pago" json:"estado_pago"`
	PaidAt    *time.Time    `db:"fecha_pago" json:"fecha_pago,omitempty"`
	Reference *string       `db:"referencia_pago" json:"referencia_pago,omitempty"`
	CreatedAt time.Time     `db:"created_at" json:"created_at"`
}

type Evaluation struct {
	ID          int64     `db:"id" json:"id"`
	ServiceID   int64     `db:"servicio_id" json:"servicio_id"`
	EvaluatorID int64     `db:"evaluador_id" json:"evaluador_id"`
	EvaluatedID int64     `db:"evaluado_id" json:"evaluado_id"`
	Rating      int       `db:"calificacion" json:"calificacion"`
	Comment     string    `db:"comentario" json:"comentario,omitempty"`
	Aspects     []string  `db:"aspectos" json:"aspectos,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// MonthOf truncates t to the first day of its month in UTC.
func MonthOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
