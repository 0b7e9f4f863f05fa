package report

import (
	"bytes"
	"context"
	"fmt"

	"examroom/internal/exam"

	"github.com/xuri/excelize/v2"
)

type historySource interface {
	AttemptedExams(ctx context.Context, studentID int64) ([]exam.AttemptedExam, error)
}

type Service struct {
	src historySource
}

func NewService(src historySource) *Service {
	return &Service{src: src}
}

var historyHeaders = []string{
	"exam_id",
	"exam_name",
	"university_name",
	"total_score",
	"total_marks",
	"total_questions_answered",
	"completed_at",
	"status",
}

// ExportHistory renders the student's attempted exams as an xlsx workbook.
func (s *Service) ExportHistory(ctx context.Context, studentID int64) ([]byte, error) {
	items, err := s.src.AttemptedExams(ctx, studentID)
	if err != nil {
		return nil, err
	}
	return BuildHistoryWorkbook(items)
}

func BuildHistoryWorkbook(items []exam.AttemptedExam) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	sheet := f.GetSheetName(0)
	for i, h := range historyHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}
	for i, it := range items {
		row := i + 2
		completedAt := ""
		if !it.CompletedAt.IsZero() {
			completedAt = it.CompletedAt.UTC().Format("2006-01-02 15:04:05")
		}
		values := []any{
			it.ExamID,
			it.ExamName,
			it.UniversityName,
			it.TotalScore,
			it.TotalMarks,
			it.TotalQuestionsAnswered,
			completedAt,
			it.Status,
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			_ = f.SetCellValue(sheet, cell, v)
		}
	}
	_ = f.SetColWidth(sheet, "A", "H", 22)

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("write excel: %w", err)
	}
	return buf.Bytes(), nil
}
