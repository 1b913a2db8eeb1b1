package api

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hackgods/clinic-reservation/internal/appointment"
)

type DownPaymentRequest struct {
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod string          `json:"payment_method" validate:"max=32"`
}

type CreateAppointmentRequest struct {
	PatientID        string              `json:"patient_id" validate:"required,uuid"`
	DoctorID         string              `json:"doctor_id" validate:"required,uuid"`
	BranchID         string              `json:"branch_id" validate:"omitempty,uuid"`
	Date             string              `json:"date" validate:"required,datetime=2006-01-02"`
	Time             string              `json:"time" validate:"required,clock"`
	Type             string              `json:"type" validate:"omitempty,oneof=walk_in teleconsultation follow_up"`
	Concern          string              `json:"concern" validate:"max=500"`
	PaymentConfirmed bool                `json:"payment_confirmed"`
	DownPayment      *DownPaymentRequest `json:"down_payment"`
}

type UpdateAppointmentRequest struct {
	DoctorID *string `json:"doctor_id" validate:"omitempty,uuid"`
	BranchID *string `json:"branch_id" validate:"omitempty,uuid"`
	Date     *string `json:"date" validate:"omitempty,datetime=2006-01-02"`
	Time     *string `json:"time" validate:"omitempty,clock"`
	Type     *string `json:"type" validate:"omitempty,oneof=walk_in teleconsultation follow_up"`
	Concern  *string `json:"concern" validate:"omitempty,max=500"`
}

type CheckInRequest struct {
	PaymentReceived bool            `json:"payment_received"`
	Fee             decimal.Decimal `json:"fee"`
	PaymentMethod   string          `json:"payment_method" validate:"max=32"`
}

type CancelRequest struct {
	Reason string `json:"reason" validate:"max=200"`
}

type CreateBillRequest struct {
	AppointmentID string          `json:"appointment_id" validate:"omitempty,uuid"`
	PatientID     string          `json:"patient_id" validate:"omitempty,uuid"`
	DoctorID      string          `json:"doctor_id" validate:"omitempty,uuid"`
	Amount        decimal.Decimal `json:"amount"`
	Kind          string          `json:"kind" validate:"omitempty,oneof=down_payment consultation other"`
	PaymentMethod string          `json:"payment_method" validate:"max=32"`
	DueDate       *time.Time      `json:"due_date"`
}

type PayBillRequest struct {
	PaymentMethod string `json:"payment_method" validate:"max=32"`
}

type AppointmentResponse struct {
	ID          uuid.UUID  `json:"id"`
	PatientID   uuid.UUID  `json:"patient_id"`
	DoctorID    uuid.UUID  `json:"doctor_id"`
	BranchID    *uuid.UUID `json:"branch_id,omitempty"`
	Date        string     `json:"date"`
	Time        string     `json:"time"`
	Status      string     `json:"status"`
	Type        string     `json:"type"`
	Concern     string     `json:"concern,omitempty"`
	CheckInTime *time.Time `json:"check_in_time,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:          a.ID,
		PatientID:   a.PatientID,
		DoctorID:    a.DoctorID,
		BranchID:    a.BranchID,
		Date:        a.Date,
		Time:        a.Time,
		Status:      string(a.Status),
		Type:        string(a.Type),
		Concern:     a.Concern,
		CheckInTime: a.CheckInTime,
		CreatedAt:   a.CreatedAt,
		UpdatedAt:   a.UpdatedAt,
	}
}

type AppointmentListResponse struct {
	Appointments []AppointmentResponse `json:"appointments"`
	Limit        int                   `json:"limit"`
	Offset       int                   `json:"offset"`
}

type BillResponse struct {
	ID            uuid.UUID  `json:"id"`
	AppointmentID *uuid.UUID `json:"appointment_id,omitempty"`
	PatientID     uuid.UUID  `json:"patient_id"`
	DoctorID      uuid.UUID  `json:"doctor_id"`
	Amount        string     `json:"amount"`
	Status        string     `json:"status"`
	Kind          string     `json:"kind"`
	PaymentMethod string     `json:"payment_method,omitempty"`
	DueDate       time.Time  `json:"due_date"`
	PaidAt        *time.Time `json:"paid_at,omitempty"`
	ReceiptNo     string     `json:"receipt_no"`
	CreatedAt     time.Time  `json:"created_at"`
}

func toBillResponse(b *appointment.Bill, now time.Time) BillResponse {
	return BillResponse{
		ID:            b.ID,
		AppointmentID: b.AppointmentID,
		PatientID:     b.PatientID,
		DoctorID:      b.DoctorID,
		Amount:        b.Amount.StringFixed(2),
		Status:        string(b.DisplayStatus(now)),
		Kind:          string(b.Kind),
		PaymentMethod: b.PaymentMethod,
		DueDate:       b.DueDate,
		PaidAt:        b.PaidAt,
		ReceiptNo:     b.ReceiptNo,
		CreatedAt:     b.CreatedAt,
	}
}

type AvailabilityResponse struct {
	DoctorID  *uuid.UUID `json:"doctor_id,omitempty"`
	Date      string     `json:"date"`
	Time      string     `json:"time"`
	Available bool       `json:"available"`
}

type SlotResponse struct {
	Time      string `json:"time"`
	Available bool   `json:"available"`
}

type SlotsResponse struct {
	DoctorID uuid.UUID      `json:"doctor_id"`
	Date     string         `json:"date"`
	Slots    []SlotResponse `json:"slots"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type ConflictResponse struct {
	ErrorKind string `json:"error_kind"`
	Message   string `json:"message"`
}

type RaceLostResponse struct {
	Error                string    `json:"error"`
	CanReschedule        bool      `json:"can_reschedule"`
	AppointmentID        uuid.UUID `json:"appointment_id"`
	WinningAppointmentID uuid.UUID `json:"winning_appointment_id"`
}

type ValidationErrorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields"`
}
