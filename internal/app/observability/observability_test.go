package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestNormalizedPath(t *testing.T) {
	got := normalizedPath("/api/v1/student/exams/123/answers/9")
	want := "/api/v1/student/exams/{id}/answers/{id}"
	if got != want {
		t.Fatalf("normalizedPath mismatch got=%s want=%s", got, want)
	}
}

func TestExtractExamID(t *testing.T) {
	if id := extractExamID("/api/v1/student/exams/456/submit"); id != 456 {
		t.Fatalf("expected 456, got %d", id)
	}
	if id := extractExamID("/api/v1/student/dashboard"); id != 0 {
		t.Fatalf("expected 0 for non-exam path, got %d", id)
	}
}

func TestMiddlewareRecordsRoutePattern(t *testing.T) {
	c := NewCollector(nil, nil)

	r := chi.NewRouter()
	r.Use(c.Middleware)
	r.Get("/exams/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	r.Method(http.MethodGet, "/metrics", c.Handler())

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/exams/42", nil))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 from metrics, got %d", w.Code)
	}
	body := w.Body.String()
	want := `examroom_http_requests_total{method="GET",route="/exams/{id}",status="418"} 1`
	if !strings.Contains(body, want) {
		t.Fatalf("expected %q in metrics output:\n%s", want, body)
	}
}
