package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/buhmarket/internal/chat"
	"github.com/buhmarket/internal/logger"
	"github.com/buhmarket/internal/model"
	"github.com/buhmarket/internal/repository"
)

// Inviter создаёт приглашение специалисту (notify.Emitter).
type Inviter interface {
	JobInvitation(ctx context.Context, job *model.Job, specialistID string) (model.Notification, error)
}

type ProfileStore interface {
	GetProfile(ctx context.Context, id string) (*model.Profile, error)
}

// JobHandler — действия заказчика над заказом, порождающие уведомления.
type JobHandler struct {
	jobs     chat.JobStore
	profiles ProfileStore
	inviter  Inviter
}

func NewJobHandler(jobs chat.JobStore, profiles ProfileStore, inviter Inviter) *JobHandler {
	return &JobHandler{jobs: jobs, profiles: profiles, inviter: inviter}
}

type inviteRequest struct {
	SpecialistID string `json:"specialist_id"`
}

// Invite POST /api/jobs/{jobId}/invite — приглашение специалиста откликнуться на заказ.
func (h *JobHandler) Invite(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req inviteRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	req.SpecialistID = strings.TrimSpace(req.SpecialistID)
	if req.SpecialistID == "" {
		writeError(w, http.StatusBadRequest, "specialist_id required")
		return
	}
	if req.SpecialistID == userID {
		writeError(w, http.StatusBadRequest, "cannot invite yourself")
		return
	}

	ctx := r.Context()
	j, err := h.jobs.GetByID(ctx, chi.URLParam(r, "jobId"))
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		logger.Errorf("invite: get job: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if j.ClientID != userID {
		writeError(w, http.StatusForbidden, "only the job owner can invite")
		return
	}
	if _, err := h.profiles.GetProfile(ctx, req.SpecialistID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "specialist not found")
			return
		}
		logger.Errorf("invite: get profile: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	n, err := h.inviter.JobInvitation(ctx, j, req.SpecialistID)
	if err != nil {
		logger.Errorf("invite job=%s: %v", j.ID, err)
		writeError(w, http.StatusInternalServerError, "failed to send invitation")
		return
	}
	writeJSON(w, http.StatusCreated, n)
}
