package exam

import (
	"math"
	"sort"
	"time"

	"examroom/internal/question"
)

const (
	StatusCompleted  = "completed"
	StatusInProgress = "in_progress"
	StatusNotStarted = "not_started"

	SubmissionPending = "pending"
)

type Grade struct {
	IsCorrect bool
	Marks     float64
}

// GradeAnswer compares the submitted text with the canonical answer exactly.
// No trimming or case folding is applied.
func GradeAnswer(q question.Question, answerText string) Grade {
	if answerText == q.Answer {
		return Grade{IsCorrect: true, Marks: q.Marks}
	}
	return Grade{IsCorrect: false, Marks: 0}
}

type answerAggregate struct {
	Marks    float64
	Duration int
}

type submissionTotals struct {
	Score           float64
	QuestionsSolved int
	DurationSecs    int
}

func summarizeAnswers(rows []answerAggregate) submissionTotals {
	var out submissionTotals
	for _, r := range rows {
		out.Score += r.Marks
		out.DurationSecs += r.Duration
	}
	out.QuestionsSolved = len(rows)
	out.Score = roundMarks(out.Score)
	return out
}

func progressStatus(p ExamProgress) string {
	switch {
	case p.Submitted:
		return StatusCompleted
	case p.Answered > 0:
		return StatusInProgress
	default:
		return StatusNotStarted
	}
}

// attemptedFromProgress keeps exams with at least one answer, newest first.
func attemptedFromProgress(items []ExamProgress) []AttemptedExam {
	out := make([]AttemptedExam, 0, len(items))
	for _, p := range items {
		if p.Answered == 0 {
			continue
		}
		var completedAt time.Time
		if p.LastAnswerAt != nil {
			completedAt = *p.LastAnswerAt
		}
		out = append(out, AttemptedExam{
			ExamID:                 p.ExamID,
			ExamName:               p.ExamName,
			UniversityName:         p.UniversityName,
			TotalScore:             p.Score,
			TotalMarks:             p.TotalMarks,
			TotalQuestionsAnswered: p.Answered,
			CompletedAt:            completedAt,
			Status:                 progressStatus(p),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CompletedAt.After(out[j].CompletedAt)
	})
	return out
}

func buildDashboard(items []ExamProgress) Dashboard {
	d := Dashboard{Exams: make([]ExamProgress, 0, len(items))}
	var submittedScore float64
	for _, p := range items {
		p.Status = progressStatus(p)
		d.TotalAssigned++
		switch p.Status {
		case StatusCompleted:
			d.Submitted++
			if p.SubmittedScore != nil {
				submittedScore += *p.SubmittedScore
			}
		case StatusInProgress:
			d.InProgress++
		default:
			d.NotStarted++
		}
		d.Exams = append(d.Exams, p)
	}
	if d.Submitted > 0 {
		d.AverageScore = roundMarks(submittedScore / float64(d.Submitted))
	}
	return d
}

func roundMarks(v float64) float64 {
	return math.Round(v*100) / 100
}
