package exam

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"examroom/internal/app/apiresp"
	"examroom/internal/auth"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

type examService interface {
	ListMyExams(ctx context.Context, studentID int64) ([]Exam, error)
	GetExamDetail(ctx context.Context, studentID, examID int64) (*ExamDetail, error)
	RecordAnswer(ctx context.Context, in RecordAnswerInput) (*AnswerRecord, bool, error)
	SubmitExam(ctx context.Context, studentID, examID int64) (*Submission, bool, error)
	GetExamResult(ctx context.Context, studentID, examID int64, withAnswers bool) (*ExamResult, error)
	AttemptedExams(ctx context.Context, studentID int64) ([]AttemptedExam, error)
	Dashboard(ctx context.Context, studentID int64) (*Dashboard, error)
}

type Handler struct {
	svc      examService
	log      *zap.Logger
	validate *validator.Validate
}

// Pointers let the validator tell a missing field from a zero value.
type recordAnswerRequest struct {
	AnswerText     *string    `json:"answer_text" validate:"required,min=1"`
	AnswerDuration *int       `json:"answer_duration" validate:"required,gte=0,lte=86400"`
	AnswerMarks    *float64   `json:"answer_marks" validate:"required"`
	IsAnswered     *bool      `json:"is_answered" validate:"required"`
	AnswerTime     *time.Time `json:"answer_time" validate:"required"`
}

func NewHandler(svc examService, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{svc: svc, log: log, validate: v}
}

func (h *Handler) ListMyExams(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}

	exams, err := h.svc.ListMyExams(r.Context(), user.ID)
	if err != nil {
		h.writeServiceError(w, r, err, "list exams")
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, "Exams retrieved successfully", map[string]any{"exams": exams})
}

func (h *Handler) GetExamDetail(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	examID, err := parsePathID(r, "id")
	if err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid exam id")
		return
	}

	detail, err := h.svc.GetExamDetail(r.Context(), user.ID, examID)
	if err != nil {
		h.writeServiceError(w, r, err, "get exam detail")
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, "Exam details retrieved successfully", map[string]any{"exam": detail})
}

func (h *Handler) RecordAnswer(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	examID, err := parsePathID(r, "id")
	if err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid exam id")
		return
	}
	questionID, err := parsePathID(r, "questionID")
	if err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid question id")
		return
	}

	var req recordAnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, validationMessage(err))
		return
	}

	rec, created, err := h.svc.RecordAnswer(r.Context(), RecordAnswerInput{
		StudentID:      user.ID,
		ExamID:         examID,
		QuestionID:     questionID,
		AnswerText:     *req.AnswerText,
		AnswerDuration: *req.AnswerDuration,
		AnswerMarks:    *req.AnswerMarks,
		IsAnswered:     *req.IsAnswered,
		AnswerTime:     *req.AnswerTime,
	})
	if err != nil {
		h.writeServiceError(w, r, err, "record answer")
		return
	}

	msg := "Answer updated successfully"
	if created {
		msg = "Answer recorded successfully"
	}
	apiresp.WriteOK(w, r, http.StatusOK, msg, map[string]any{"answer": rec})
}

func (h *Handler) SubmitExam(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	examID, err := parsePathID(r, "id")
	if err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid exam id")
		return
	}

	sub, created, err := h.svc.SubmitExam(r.Context(), user.ID, examID)
	if err != nil {
		h.writeServiceError(w, r, err, "submit exam")
		return
	}

	msg := "Exam already submitted"
	if created {
		msg = "Exam submitted successfully"
		h.log.Info("exam submitted",
			zap.Int64("user_id", user.ID),
			zap.Int64("exam_id", examID),
			zap.Float64("score", sub.Score),
		)
	}
	apiresp.WriteOK(w, r, http.StatusOK, msg, map[string]any{"submission": sub})
}

func (h *Handler) GetExamResult(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	examID, err := parsePathID(r, "id")
	if err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid exam id")
		return
	}
	withAnswers := strings.EqualFold(strings.TrimSpace(r.URL.Query().Get("include")), "answers")

	result, err := h.svc.GetExamResult(r.Context(), user.ID, examID, withAnswers)
	if err != nil {
		h.writeServiceError(w, r, err, "get exam result")
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, "Exam result retrieved successfully", map[string]any{"result": result})
}

func (h *Handler) AttemptedExams(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}

	items, err := h.svc.AttemptedExams(r.Context(), user.ID)
	if err != nil {
		h.writeServiceError(w, r, err, "attempted exams")
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, "Attempted exams retrieved successfully", map[string]any{"exams": items})
}

func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}

	d, err := h.svc.Dashboard(r.Context(), user.ID)
	if err != nil {
		h.writeServiceError(w, r, err, "dashboard")
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, "Dashboard retrieved successfully", map[string]any{"dashboard": d})
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error, op string) {
	switch {
	case errors.Is(err, ErrInvalidInput):
		apiresp.WriteError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrExamNotAssigned):
		apiresp.WriteError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, ErrExamNotFound), errors.Is(err, ErrQuestionNotFound), errors.Is(err, ErrSubmissionNotFound):
		apiresp.WriteError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrExamAlreadySubmitted):
		apiresp.WriteError(w, r, http.StatusConflict, err.Error())
	default:
		h.log.Error(op, zap.String("path", r.URL.Path), zap.Error(err))
		apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func validationMessage(err error) string {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) || len(ve) == 0 {
		return "invalid request body"
	}
	fe := ve[0]
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "min":
		return fmt.Sprintf("%s must not be empty", fe.Field())
	case "gte":
		return fmt.Sprintf("%s must be >= %s", fe.Field(), fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be <= %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}

func parsePathID(r *http.Request, key string) (int64, error) {
	raw := strings.TrimSpace(chi.URLParam(r, key))
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return id, nil
}
