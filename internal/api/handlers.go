package api

import (
	"context"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hackgods/clinic-reservation/internal/appointment"
)

func createAppointmentHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateAppointmentRequest
		if err := decodeBody(r, &req, false); err != nil {
			writeServiceError(w, r, err)
			return
		}

		in := appointment.CreateRequest{
			PatientID:        uuid.MustParse(req.PatientID),
			DoctorID:         uuid.MustParse(req.DoctorID),
			BranchID:         optionalUUID(req.BranchID),
			Date:             req.Date,
			Time:             req.Time,
			Type:             appointment.AppointmentType(req.Type),
			Concern:          req.Concern,
			PaymentConfirmed: req.PaymentConfirmed,
		}
		if req.DownPayment != nil {
			in.DownPayment = &appointment.Payment{
				Amount: req.DownPayment.Amount,
				Method: req.DownPayment.PaymentMethod,
			}
		}

		appt, err := svc.CreateAppointment(r.Context(), in)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
	}
}

func getAppointmentHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		appt, err := svc.GetAppointment(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func listAppointmentsHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		fields := map[string]string{}

		f := appointment.ListFilter{Date: q.Get("date"), Time: q.Get("time")}
		f.PatientID = queryUUID(q.Get("patient_id"), "patient_id", fields)
		f.DoctorID = queryUUID(q.Get("doctor_id"), "doctor_id", fields)
		f.Limit = queryInt(q.Get("limit"), "limit", fields)
		f.Offset = queryInt(q.Get("offset"), "offset", fields)
		if raw := q.Get("status"); raw != "" {
			for _, s := range strings.Split(raw, ",") {
				status, err := appointment.ParseAppointmentStatus(strings.TrimSpace(s))
				if err != nil {
					fields["status"] = err.Error()
					break
				}
				f.Statuses = append(f.Statuses, status)
			}
		}
		if len(fields) > 0 {
			writeServiceError(w, r, &appointment.ValidationError{Fields: fields})
			return
		}

		list, err := svc.ListAppointments(r.Context(), f)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		limit := f.Limit
		if limit <= 0 {
			limit = 20
		} else if limit > 100 {
			limit = 100
		}
		resp := AppointmentListResponse{
			Appointments: make([]AppointmentResponse, 0, len(list)),
			Limit:        limit,
			Offset:       max(f.Offset, 0),
		}
		for i := range list {
			resp.Appointments = append(resp.Appointments, toAppointmentResponse(&list[i]))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func updateAppointmentHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		var req UpdateAppointmentRequest
		if err := decodeBody(r, &req, false); err != nil {
			writeServiceError(w, r, err)
			return
		}

		in := appointment.UpdateRequest{
			Date:    req.Date,
			Time:    req.Time,
			Concern: req.Concern,
		}
		if req.DoctorID != nil {
			in.DoctorID = optionalUUID(*req.DoctorID)
		}
		if req.BranchID != nil {
			in.BranchID = optionalUUID(*req.BranchID)
		}
		if req.Type != nil {
			t := appointment.AppointmentType(*req.Type)
			in.Type = &t
		}

		appt, err := svc.UpdateAppointment(r.Context(), id, in)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func listAppointmentBillsHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		var want []appointment.BillStatus
		if raw := r.URL.Query().Get("status"); raw != "" {
			for _, s := range strings.Split(raw, ",") {
				status, err := appointment.ParseBillStatus(strings.TrimSpace(s))
				if err != nil {
					writeServiceError(w, r, &appointment.ValidationError{Fields: map[string]string{"status": err.Error()}})
					return
				}
				want = append(want, status)
			}
		}

		bills, err := svc.ListBills(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		now := svc.Now()
		resp := make([]BillResponse, 0, len(bills))
		for i := range bills {
			// filter on what the client sees, so overdue matches
			if len(want) > 0 && !slices.Contains(want, bills[i].DisplayStatus(now)) {
				continue
			}
			resp = append(resp, toBillResponse(&bills[i], now))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func checkInHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		var req CheckInRequest
		if err := decodeBody(r, &req, true); err != nil {
			writeServiceError(w, r, err)
			return
		}

		appt, err := svc.CheckIn(r.Context(), id, appointment.CheckInRequest{
			PaymentReceived: req.PaymentReceived,
			Fee:             req.Fee,
			PaymentMethod:   req.PaymentMethod,
		})
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func completeAppointmentHandler(svc *appointment.Service) http.HandlerFunc {
	return transitionHandler(svc.CompleteAppointment)
}

func noShowHandler(svc *appointment.Service) http.HandlerFunc {
	return transitionHandler(svc.MarkNoShow)
}

func transitionHandler(fn func(context.Context, uuid.UUID) (*appointment.Appointment, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		appt, err := fn(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func cancelAppointmentHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		var req CancelRequest
		if err := decodeBody(r, &req, true); err != nil {
			writeServiceError(w, r, err)
			return
		}

		appt, err := svc.CancelAppointment(r.Context(), id, req.Reason)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func availabilityHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		fields := map[string]string{}
		doctorID := queryUUID(q.Get("doctor_id"), "doctor_id", fields)
		if len(fields) > 0 {
			writeServiceError(w, r, &appointment.ValidationError{Fields: fields})
			return
		}

		date, clock := q.Get("date"), q.Get("time")
		available, err := svc.CheckAvailability(r.Context(), doctorID, date, clock)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		resp := AvailabilityResponse{Date: date, Time: clock, Available: available}
		if doctorID != uuid.Nil {
			resp.DoctorID = &doctorID
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func listSlotsHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		date := r.URL.Query().Get("date")

		slots, err := svc.ListSlots(r.Context(), id, date)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		resp := SlotsResponse{DoctorID: id, Date: date, Slots: make([]SlotResponse, 0, len(slots))}
		for _, s := range slots {
			resp.Slots = append(resp.Slots, SlotResponse{Time: s.Time, Available: s.Available})
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func createBillHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateBillRequest
		if err := decodeBody(r, &req, false); err != nil {
			writeServiceError(w, r, err)
			return
		}

		bill, err := svc.CreateBill(r.Context(), appointment.CreateBillRequest{
			AppointmentID: optionalUUID(req.AppointmentID),
			PatientID:     uuidOrNil(req.PatientID),
			DoctorID:      uuidOrNil(req.DoctorID),
			Amount:        req.Amount,
			Kind:          appointment.BillKind(req.Kind),
			PaymentMethod: req.PaymentMethod,
			DueDate:       req.DueDate,
		})
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, toBillResponse(bill, svc.Now()))
	}
}

func getBillHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		bill, err := svc.GetBill(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toBillResponse(bill, svc.Now()))
	}
}

func payBillHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		var req PayBillRequest
		if err := decodeBody(r, &req, true); err != nil {
			writeServiceError(w, r, err)
			return
		}

		bill, err := svc.ConfirmPayment(r.Context(), id, req.PaymentMethod)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toBillResponse(bill, svc.Now()))
	}
}

func cancelBillHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		bill, err := svc.CancelBill(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toBillResponse(bill, svc.Now()))
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// optionalUUID expects a string that already passed uuid validation.
func optionalUUID(s string) *uuid.UUID {
	if s == "" {
		return nil
	}
	id := uuid.MustParse(s)
	return &id
}

func uuidOrNil(s string) uuid.UUID {
	if s == "" {
		return uuid.Nil
	}
	return uuid.MustParse(s)
}

func queryUUID(raw, field string, fields map[string]string) uuid.UUID {
	if raw == "" {
		return uuid.Nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		fields[field] = "must be a UUID"
	}
	return id
}

func queryInt(raw, field string, fields map[string]string) int {
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		fields[field] = "must be a non-negative integer"
	}
	return n
}
