package app

import (
	"database/sql"
	"net/http"
	"time"

	"examroom/internal/app/apiresp"
	"examroom/internal/app/observability"
	"examroom/internal/auth"
	"examroom/internal/exam"
	"examroom/internal/report"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// NewRouter wires every handler. rdb may be nil, in which case progress
// views always read from the database.
func NewRouter(cfg Config, db *sql.DB, rdb *redis.Client, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}

	metrics := observability.NewCollector(db, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)
	r.Use(middleware.Recoverer)

	authSvc := auth.NewService(db, auth.ServiceConfig{SessionTTL: cfg.SessionTTL})
	authHandler := auth.NewHandler(authSvc, log, cfg.IsProduction())

	examSvc := exam.NewService(db, exam.NewProgressCache(rdb, cfg.ProgressCacheTTL), log)
	examHandler := exam.NewHandler(examSvc, log)

	reportHandler := report.NewHandler(report.NewService(examSvc), log)

	loginLimiter := NewIPRateLimiter(cfg.AuthRateLimitPerMin, time.Minute)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		apiresp.WriteOK(w, r, http.StatusOK, "ok", nil)
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(CSRFMiddleware(cfg.CSRFEnforced))

		api.With(RateLimitMiddleware(loginLimiter)).Post("/auth/login-password", authHandler.LoginPassword)

		api.Group(func(secure chi.Router) {
			secure.Use(authHandler.RequireAuth)
			secure.Get("/auth/me", authHandler.Me)
			secure.Post("/auth/logout", authHandler.Logout)

			secure.Route("/student", func(student chi.Router) {
				student.Use(authHandler.RequireRoles(auth.RoleStudent))

				student.Get("/exams", examHandler.ListMyExams)
				student.Get("/exams/{id}", examHandler.GetExamDetail)
				student.Put("/exams/{id}/answers/{questionID}", examHandler.RecordAnswer)
				student.Post("/exams/{id}/submit", examHandler.SubmitExam)
				student.Get("/exams/{id}/result", examHandler.GetExamResult)
				student.Get("/history", examHandler.AttemptedExams)
				student.Get("/history/export", reportHandler.ExportHistory)
				student.Get("/dashboard", examHandler.Dashboard)
			})
		})
	})

	return r
}
