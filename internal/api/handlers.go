// Package api provides HTTP handlers for MedPipe endpoints.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/BTreeMap/MedPipe/internal/models"
	"github.com/BTreeMap/MedPipe/internal/phone"
	"github.com/BTreeMap/MedPipe/internal/stack"
	"github.com/BTreeMap/MedPipe/internal/store"
)

// medicationsRequest is the body of PUT /api/user/{phone}/medications.
type medicationsRequest struct {
	Medications []models.MedicationInput `json:"medications"`
}

// caregiversRequest is the body of PUT /api/user/{phone}/caregivers.
type caregiversRequest struct {
	Caregivers []models.Caregiver `json:"caregivers"`
}

// stackResult is the result of GET /api/user/{phone}/stack.
type stackResult struct {
	Entries []models.StackEntry `json:"entries"`
	Text    string              `json:"text"`
}

func pathPhone(r *http.Request) string {
	return phone.Canonical(mux.Vars(r)["phone"])
}

// setupHandler creates an account (POST /api/user/setup).
func (s *Server) setupHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req models.SetupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.setupHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	req.Normalize()
	req.Phone = phone.Canonical(req.Phone)
	if err := req.Validate(); err != nil {
		slog.Warn("Server.setupHandler: validation failed", "error", err, "phone", req.Phone)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	user := &models.User{
		Phone:       req.Phone,
		Name:        req.Name,
		Timezone:    req.Timezone,
		Medications: models.ToMedications(req.Medications),
		Caregivers:  req.Caregivers,
	}
	if err := s.st.CreateUser(r.Context(), user); err != nil {
		if errors.Is(err, store.ErrUserExists) {
			writeJSONResponse(w, http.StatusConflict, models.Error("An account with this phone number already exists"))
			return
		}
		slog.Error("Server.setupHandler: failed to create user", "error", err, "phone", req.Phone)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to create account"))
		return
	}
	slog.Info("Server.setupHandler: account created", "phone", user.Phone, "medications", len(user.Medications), "caregivers", len(user.Caregivers))
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Account created successfully", user))
}

// getUserHandler returns one user document (GET /api/user/{phone}).
func (s *Server) getUserHandler(w http.ResponseWriter, r *http.Request) {
	p := pathPhone(r)
	user, err := s.st.GetUser(r.Context(), p)
	if err != nil {
		slog.Error("Server.getUserHandler: failed to load user", "error", err, "phone", p)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load account"))
		return
	}
	if user == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("No account found with this phone number"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(user))
}

// updateMedicationsHandler replaces a user's medication list
// (PUT /api/user/{phone}/medications). Reminder state starts fresh.
func (s *Server) updateMedicationsHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	p := pathPhone(r)
	var req medicationsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	for i := range req.Medications {
		req.Medications[i].Normalize()
	}
	if err := models.ValidateMedicationInputs(req.Medications); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	meds := models.ToMedications(req.Medications)
	matched, err := s.st.UpdateMedications(r.Context(), p, meds)
	if err != nil {
		slog.Error("Server.updateMedicationsHandler: update failed", "error", err, "phone", p)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to update medications"))
		return
	}
	if !matched {
		writeJSONResponse(w, http.StatusNotFound, models.Error("No account found with this phone number"))
		return
	}
	slog.Info("Server.updateMedicationsHandler: medications replaced", "phone", p, "count", len(meds))
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Medications updated", meds))
}

// updateCaregiversHandler replaces a user's caregivers (PUT /api/user/{phone}/caregivers).
func (s *Server) updateCaregiversHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	p := pathPhone(r)
	var req caregiversRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := models.ValidateCaregivers(req.Caregivers); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	caregivers := append([]models.Caregiver{}, req.Caregivers...)
	matched, err := s.st.UpdateUser(r.Context(), p, models.UserUpdate{Caregivers: &caregivers})
	if err != nil {
		slog.Error("Server.updateCaregiversHandler: update failed", "error", err, "phone", p)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to update caregivers"))
		return
	}
	if !matched {
		writeJSONResponse(w, http.StatusNotFound, models.Error("No account found with this phone number"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Caregivers updated", caregivers))
}

// stackHandler shows the current stack without changing any state
// (GET /api/user/{phone}/stack).
func (s *Server) stackHandler(w http.ResponseWriter, r *http.Request) {
	p := pathPhone(r)
	user, err := s.st.GetUser(r.Context(), p)
	if err != nil {
		slog.Error("Server.stackHandler: failed to load user", "error", err, "phone", p)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load account"))
		return
	}
	if user == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("No account found with this phone number"))
		return
	}
	entries, _ := s.builder.Classify(user, s.now())
	if entries == nil {
		entries = []models.StackEntry{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(stackResult{Entries: entries, Text: stack.Format(entries)}))
}

// receiptsHandler returns all recorded send outcomes (GET /receipts).
func (s *Server) receiptsHandler(w http.ResponseWriter, r *http.Request) {
	receipts, err := s.st.GetReceipts()
	if err != nil {
		slog.Error("Server.receiptsHandler: failed to fetch receipts", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch receipts"))
		return
	}
	slog.Debug("Server.receiptsHandler: receipts fetched", "count", len(receipts))
	writeJSONResponse(w, http.StatusOK, models.Success(receipts))
}

// healthHandler provides a health check endpoint for monitoring and load balancing
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": s.now().UTC().Format(time.RFC3339),
	}
	statusCode := http.StatusOK
	if _, err := s.st.GetUser(r.Context(), ""); err != nil {
		slog.Warn("Server.healthHandler: store check failed", "error", err)
		healthData["status"] = "degraded"
		healthData["error"] = "Store unavailable"
		statusCode = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, statusCode, healthData)
}
