package report

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"examroom/internal/app/apiresp"
	"examroom/internal/auth"
	"examroom/internal/exam"

	"go.uber.org/zap"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type exporter interface {
	ExportHistory(ctx context.Context, studentID int64) ([]byte, error)
}

type Handler struct {
	svc exporter
	log *zap.Logger
}

func NewHandler(svc exporter, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{svc: svc, log: log}
}

func (h *Handler) ExportHistory(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}

	b, err := h.svc.ExportHistory(r.Context(), user.ID)
	if err != nil {
		if errors.Is(err, exam.ErrInvalidInput) {
			apiresp.WriteError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		h.log.Error("export history", zap.Int64("user_id", user.ID), zap.Error(err))
		apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	filename := fmt.Sprintf("exam-history-%d.xlsx", user.ID)
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}
