package server

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/CloudNativeWorks/cnw-uid-license/uidlicense"
)

type activateBody struct {
	GameUID    string `json:"game_uid" validate:"required,min=6,max=12"`
	LicenseKey string `json:"license_key" validate:"required"`
	UserRef    string `json:"user_ref" validate:"omitempty,max=128"`
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	var body activateBody
	if err := s.decode(r, &body); err != nil {
		s.metrics.observeActivation(err)
		s.respondError(w, r, err)
		return
	}

	b, err := s.manager.Activate(r.Context(), uidlicense.ActivateRequest{
		GameUID:    body.GameUID,
		LicenseKey: body.LicenseKey,
		UserRef:    body.UserRef,
	})
	s.metrics.observeActivation(err)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, dataResponse{Data: b, Message: uidlicense.ActivationMessage(b)})
}

// handleUnbind serves the public deactivation, which leaves paused and
// banned bindings to administrators.
func (s *Server) handleUnbind(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.manager.Unbind(r.Context(), id); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.metrics.deactivations.Inc()
	writeData(w, r, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.manager.Deactivate(r.Context(), id); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.metrics.deactivations.Inc()
	writeData(w, r, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) handleListBindings(w http.ResponseWriter, r *http.Request) {
	filter := uidlicense.BindingFilter{
		UserRef:    r.URL.Query().Get("user_ref"),
		LicenseKey: r.URL.Query().Get("license_key"),
	}
	if filter.UserRef == "" && filter.LicenseKey == "" {
		s.respondError(w, r, fmt.Errorf("%w: user_ref or license_key is required", uidlicense.ErrInvalidInput))
		return
	}
	list, err := s.manager.ListBindings(r.Context(), filter)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, list)
}

func (s *Server) handleReceipt(w http.ResponseWriter, r *http.Request) {
	file, err := s.manager.IssueReceipt(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, file)
}
