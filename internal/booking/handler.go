package booking

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/dentaldesk/pkg/logging"
)

const defaultScheduleSpan = 7 * 24 * time.Hour

// Handler serves the operator views of the booking ledger.
type Handler struct {
	svc    *Service
	logger *logging.Logger
}

func NewHandler(svc *Service, logger *logging.Logger) *Handler {
	if svc == nil {
		panic("booking: service cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{svc: svc, logger: logger}
}

type scheduleResponse struct {
	DentistID    string        `json:"dentist_id"`
	From         time.Time     `json:"from"`
	To           time.Time     `json:"to"`
	Appointments []Appointment `json:"appointments"`
}

// DentistAppointments handles GET /admin/dentists/{id}/appointments?from=&to=.
// from and to accept RFC 3339 timestamps or clinic-local YYYY-MM-DD dates; the
// default window is the next seven days.
func (h *Handler) DentistAppointments(w http.ResponseWriter, r *http.Request) {
	dentistID := strings.TrimSpace(chi.URLParam(r, "id"))
	if dentistID == "" {
		http.Error(w, "dentist id is required", http.StatusBadRequest)
		return
	}
	loc := h.svc.Location()
	from := h.svc.Now().In(loc)
	to := from.Add(defaultScheduleSpan)
	if raw := r.URL.Query().Get("from"); raw != "" {
		t, err := parseScheduleBound(raw, loc)
		if err != nil {
			http.Error(w, "invalid from", http.StatusBadRequest)
			return
		}
		from, to = t, t.Add(defaultScheduleSpan)
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		t, err := parseScheduleBound(raw, loc)
		if err != nil {
			http.Error(w, "invalid to", http.StatusBadRequest)
			return
		}
		to = t
	}

	appts, err := h.svc.DentistSchedule(r.Context(), dentistID, from, to)
	switch {
	case errors.Is(err, ErrNotFound):
		http.Error(w, "dentist not found", http.StatusNotFound)
		return
	case errors.Is(err, ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		h.logger.Error("failed to load dentist schedule", "error", err, "dentist_id", dentistID)
		http.Error(w, "Failed to load schedule", http.StatusInternalServerError)
		return
	}
	if appts == nil {
		appts = []Appointment{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(scheduleResponse{
		DentistID:    dentistID,
		From:         from,
		To:           to,
		Appointments: appts,
	}); err != nil {
		h.logger.Error("failed to write JSON response", "error", err)
	}
}

func parseScheduleBound(raw string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02", raw, loc)
}
