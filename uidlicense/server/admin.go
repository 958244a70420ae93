package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/CloudNativeWorks/cnw-uid-license/uidlicense"
)

type createLicenseBody struct {
	ExpireDate  time.Time `json:"expire_date" validate:"required"`
	MaxUsage    int       `json:"max_usage" validate:"required,gt=0"`
	LicenseType string    `json:"license_type" validate:"omitempty,oneof=STANDARD PREMIUM LIFETIME"`
	MaxUsers    int       `json:"max_users" validate:"omitempty,gte=1"`
}

type statusBody struct {
	Status string `json:"status" validate:"required"`
}

func (s *Server) handleCreateLicense(w http.ResponseWriter, r *http.Request) {
	var body createLicenseBody
	if err := s.decode(r, &body); err != nil {
		s.respondError(w, r, err)
		return
	}
	lic, err := s.manager.CreateLicense(r.Context(), uidlicense.CreateLicenseRequest{
		ExpireDate:  body.ExpireDate,
		MaxUsage:    body.MaxUsage,
		LicenseType: uidlicense.LicenseType(body.LicenseType),
		MaxUsers:    body.MaxUsers,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.metrics.licensesCreated.Inc()
	writeData(w, r, http.StatusCreated, lic)
}

func (s *Server) handleListLicenses(w http.ResponseWriter, r *http.Request) {
	list, err := s.manager.ListLicenses(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, list)
}

func (s *Server) handleSetLicenseStatus(w http.ResponseWriter, r *http.Request) {
	var body statusBody
	if err := s.decode(r, &body); err != nil {
		s.respondError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.manager.SetLicenseStatus(r.Context(), id, uidlicense.LicenseStatus(body.Status)); err != nil {
		s.respondError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]string{"id": id, "status": body.Status})
}

func (s *Server) handleDeleteLicense(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.manager.DeleteLicense(r.Context(), id); err != nil {
		s.respondError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) handleListBindingDetails(w http.ResponseWriter, r *http.Request) {
	list, err := s.manager.ListBindingDetails(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, list)
}

func (s *Server) handleSetBindingStatus(w http.ResponseWriter, r *http.Request) {
	var body statusBody
	if err := s.decode(r, &body); err != nil {
		s.respondError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.manager.SetBindingStatus(r.Context(), id, uidlicense.BindingStatus(body.Status)); err != nil {
		s.respondError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]string{"id": id, "status": body.Status})
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	d, err := s.manager.Dashboard(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, d)
}
