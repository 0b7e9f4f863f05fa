package exam

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"examroom/internal/question"

	"go.uber.org/zap"
)

var (
	ErrInvalidInput         = errors.New("invalid input")
	ErrExamNotFound         = errors.New("exam not found")
	ErrExamNotAssigned      = errors.New("exam not assigned to student")
	ErrQuestionNotFound     = question.ErrQuestionNotFound
	ErrExamAlreadySubmitted = errors.New("exam already submitted")
	ErrSubmissionNotFound   = errors.New("exam result not found")
)

// MaxAnswerDurationSecs caps the time reported for a single answer.
const MaxAnswerDurationSecs = 86400

type Service struct {
	db    *sql.DB
	cache ProgressCache
	log   *zap.Logger
}

type Exam struct {
	ID              int64      `json:"id"`
	Name            string     `json:"name"`
	Code            string     `json:"code"`
	StartAt         *time.Time `json:"start_at,omitempty"`
	EndAt           *time.Time `json:"end_at,omitempty"`
	DurationMinutes int        `json:"duration_minutes"`
	TotalMarks      float64    `json:"total_marks"`
	UniversityID    *int64     `json:"university_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

type ExamDetail struct {
	Exam
	Questions []question.PublicQuestion `json:"questions"`
}

type RecordAnswerInput struct {
	StudentID      int64
	ExamID         int64
	QuestionID     int64
	AnswerText     string
	AnswerDuration int
	// AnswerMarks is accepted from the client but never stored; marks come
	// from grading.
	AnswerMarks float64
	IsAnswered  bool
	AnswerTime  time.Time
}

type AnswerRecord struct {
	ID             int64     `json:"id"`
	StudentID      int64     `json:"student_id"`
	ExamID         int64     `json:"exam_id"`
	QuestionID     int64     `json:"question_id"`
	AnswerText     string    `json:"answer_text"`
	IsCorrect      bool      `json:"is_correct"`
	IsAnswered     bool      `json:"is_answered"`
	AnswerMarks    float64   `json:"answer_marks"`
	AnswerDuration int       `json:"answer_duration"`
	AnswerTime     time.Time `json:"answer_time"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type Submission struct {
	ID                   int64     `json:"id"`
	StudentID            int64     `json:"student_id"`
	ExamID               int64     `json:"exam_id"`
	Status               string    `json:"status"`
	Score                float64   `json:"exam_score"`
	TotalQuestionsSolved int       `json:"total_questions_solved"`
	DurationSecs         int       `json:"duration_by_student"`
	SubmittedAt          time.Time `json:"submitted_at"`
}

type ResultAnswer struct {
	QuestionID    int64   `json:"question_id"`
	SeqNo         int     `json:"seq_no"`
	Prompt        string  `json:"prompt"`
	AnswerText    *string `json:"answer_text"`
	CorrectAnswer string  `json:"correct_answer"`
	IsCorrect     bool    `json:"is_correct"`
	AnswerMarks   float64 `json:"answer_marks"`
	Marks         float64 `json:"marks"`
}

type ExamResult struct {
	Submission Submission     `json:"submission"`
	Answers    []ResultAnswer `json:"answers,omitempty"`
}

// ExamProgress is one assigned exam seen from the student's side.
type ExamProgress struct {
	ExamID         int64      `json:"exam_id"`
	ExamName       string     `json:"exam_name"`
	UniversityName string     `json:"university_name"`
	TotalMarks     float64    `json:"total_marks"`
	TotalQuestions int        `json:"total_questions"`
	Answered       int        `json:"answered"`
	Score          float64    `json:"score"`
	LastAnswerAt   *time.Time `json:"last_answer_at,omitempty"`
	Submitted      bool       `json:"submitted"`
	SubmittedScore *float64   `json:"submitted_score,omitempty"`
	SubmittedAt    *time.Time `json:"submitted_at,omitempty"`
	Status         string     `json:"status"`
}

type AttemptedExam struct {
	ExamID                 int64     `json:"exam_id"`
	ExamName               string    `json:"exam_name"`
	UniversityName         string    `json:"university_name"`
	TotalScore             float64   `json:"total_score"`
	TotalMarks             float64   `json:"total_marks"`
	TotalQuestionsAnswered int       `json:"total_questions_answered"`
	CompletedAt            time.Time `json:"completed_at"`
	Status                 string    `json:"status"`
}

type Dashboard struct {
	TotalAssigned int            `json:"total_assigned"`
	Submitted     int            `json:"submitted"`
	InProgress    int            `json:"in_progress"`
	NotStarted    int            `json:"not_started"`
	AverageScore  float64        `json:"average_score"`
	Exams         []ExamProgress `json:"exams"`
}

func NewService(db *sql.DB, cache ProgressCache, log *zap.Logger) *Service {
	if cache == nil {
		cache = noopProgressCache{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{db: db, cache: cache, log: log}
}

const examColumns = `
	e.id, e.name, e.code, e.start_at, e.end_at, e.duration_minutes,
	e.total_marks, e.university_id, e.created_at, e.updated_at`

func (s *Service) ListMyExams(ctx context.Context, studentID int64) ([]Exam, error) {
	if studentID <= 0 {
		return nil, ErrInvalidInput
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+examColumns+`
		FROM exams e
		JOIN exam_students es ON es.exam_id = e.id
		WHERE es.student_id = $1
		ORDER BY e.id ASC
	`, studentID)
	if err != nil {
		return nil, fmt.Errorf("query assigned exams: %w", err)
	}
	defer rows.Close()

	out := make([]Exam, 0)
	for rows.Next() {
		item, err := scanExam(rows)
		if err != nil {
			return nil, fmt.Errorf("scan assigned exam: %w", err)
		}
		out = append(out, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assigned exams: %w", err)
	}
	return out, nil
}

// GetExamDetail returns nil without error when the exam does not exist or
// the student is not assigned to it.
func (s *Service) GetExamDetail(ctx context.Context, studentID, examID int64) (*ExamDetail, error) {
	if studentID <= 0 || examID <= 0 {
		return nil, ErrInvalidInput
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+examColumns+`
		FROM exams e
		JOIN exam_students es ON es.exam_id = e.id AND es.student_id = $2
		WHERE e.id = $1
	`, examID, studentID)

	ex, err := scanExam(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query exam detail: %w", err)
	}

	questions, err := question.ListByExam(ctx, s.db, examID)
	if err != nil {
		return nil, err
	}
	public := make([]question.PublicQuestion, 0, len(questions))
	for _, q := range questions {
		public = append(public, q.Public())
	}
	return &ExamDetail{Exam: *ex, Questions: public}, nil
}

// RecordAnswer grades and upserts one answer. The bool result reports
// whether a new record was created.
func (s *Service) RecordAnswer(ctx context.Context, in RecordAnswerInput) (*AnswerRecord, bool, error) {
	if in.StudentID <= 0 || in.ExamID <= 0 || in.QuestionID <= 0 || in.AnswerText == "" || in.AnswerTime.IsZero() {
		return nil, false, ErrInvalidInput
	}
	if in.AnswerDuration < 0 || in.AnswerDuration > MaxAnswerDurationSecs {
		return nil, false, ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin record answer tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := checkAccess(ctx, tx, in.StudentID, in.ExamID); err != nil {
		return nil, false, err
	}
	if err := lockAssignment(ctx, tx, in.StudentID, in.ExamID, false); err != nil {
		return nil, false, err
	}

	var submitted bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM exam_submissions
			WHERE student_id = $1 AND exam_id = $2
		)
	`, in.StudentID, in.ExamID).Scan(&submitted); err != nil {
		return nil, false, fmt.Errorf("check submission: %w", err)
	}
	if submitted {
		return nil, false, ErrExamAlreadySubmitted
	}

	q, err := question.Find(ctx, tx, in.ExamID, in.QuestionID)
	if err != nil {
		return nil, false, err
	}
	grade := GradeAnswer(*q, in.AnswerText)

	var (
		rec      AnswerRecord
		inserted bool
	)
	err = tx.QueryRowContext(ctx, `
		INSERT INTO student_answers (
			student_id, exam_id, question_id, answer_text, is_correct, is_answered,
			answer_marks, answer_duration, answer_time, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now()
		)
		ON CONFLICT (student_id, exam_id, question_id) DO UPDATE SET
			answer_text = EXCLUDED.answer_text,
			is_correct = EXCLUDED.is_correct,
			is_answered = EXCLUDED.is_answered,
			answer_marks = EXCLUDED.answer_marks,
			answer_duration = EXCLUDED.answer_duration,
			answer_time = EXCLUDED.answer_time,
			updated_at = now()
		RETURNING
			id, student_id, exam_id, question_id, answer_text, is_correct, is_answered,
			answer_marks, answer_duration, answer_time, created_at, updated_at,
			(xmax = 0) AS inserted
	`,
		in.StudentID, in.ExamID, in.QuestionID, in.AnswerText, grade.IsCorrect, in.IsAnswered,
		grade.Marks, in.AnswerDuration, in.AnswerTime,
	).Scan(
		&rec.ID, &rec.StudentID, &rec.ExamID, &rec.QuestionID, &rec.AnswerText, &rec.IsCorrect, &rec.IsAnswered,
		&rec.AnswerMarks, &rec.AnswerDuration, &rec.AnswerTime, &rec.CreatedAt, &rec.UpdatedAt,
		&inserted,
	)
	if err != nil {
		return nil, false, fmt.Errorf("upsert answer: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit record answer: %w", err)
	}
	s.invalidateProgress(ctx, in.StudentID)
	return &rec, inserted, nil
}

// SubmitExam finalizes the exam once. Repeat calls return the stored record
// with created=false.
func (s *Service) SubmitExam(ctx context.Context, studentID, examID int64) (*Submission, bool, error) {
	if studentID <= 0 || examID <= 0 {
		return nil, false, ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin submit tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := checkAccess(ctx, tx, studentID, examID); err != nil {
		return nil, false, err
	}
	if err := lockAssignment(ctx, tx, studentID, examID, true); err != nil {
		return nil, false, err
	}

	answers, err := loadAnswerAggregates(ctx, tx, studentID, examID)
	if err != nil {
		return nil, false, err
	}
	totals := summarizeAnswers(answers)

	sub, err := scanSubmission(tx.QueryRowContext(ctx, `
		INSERT INTO exam_submissions (
			student_id, exam_id, status, score, total_questions_solved, duration_secs, submitted_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, now()
		)
		ON CONFLICT (student_id, exam_id) DO NOTHING
		RETURNING `+submissionColumns,
		studentID, examID, SubmissionPending, totals.Score, totals.QuestionsSolved, totals.DurationSecs,
	))
	created := true
	if errors.Is(err, sql.ErrNoRows) {
		created = false
		sub, err = loadSubmission(ctx, tx, studentID, examID)
		if err != nil {
			return nil, false, fmt.Errorf("load existing submission: %w", err)
		}
	} else if err != nil {
		return nil, false, fmt.Errorf("insert submission: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit submit: %w", err)
	}
	if created {
		s.invalidateProgress(ctx, studentID)
	}
	return sub, created, nil
}

func (s *Service) GetExamResult(ctx context.Context, studentID, examID int64, withAnswers bool) (*ExamResult, error) {
	if studentID <= 0 || examID <= 0 {
		return nil, ErrInvalidInput
	}

	sub, err := loadSubmission(ctx, s.db, studentID, examID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSubmissionNotFound
		}
		return nil, fmt.Errorf("query submission: %w", err)
	}

	out := &ExamResult{Submission: *sub}
	if !withAnswers {
		return out, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT
			q.id,
			q.seq_no,
			q.prompt,
			q.answer,
			q.marks,
			sa.answer_text,
			COALESCE(sa.is_correct, FALSE),
			COALESCE(sa.answer_marks, 0)
		FROM questions q
		LEFT JOIN student_answers sa
			ON sa.question_id = q.id
			AND sa.exam_id = q.exam_id
			AND sa.student_id = $2
		WHERE q.exam_id = $1
		ORDER BY q.seq_no ASC, q.id ASC
	`, examID, studentID)
	if err != nil {
		return nil, fmt.Errorf("query result answers: %w", err)
	}
	defer rows.Close()

	out.Answers = make([]ResultAnswer, 0)
	for rows.Next() {
		var (
			item       ResultAnswer
			answerText sql.NullString
		)
		if err := rows.Scan(
			&item.QuestionID,
			&item.SeqNo,
			&item.Prompt,
			&item.CorrectAnswer,
			&item.Marks,
			&answerText,
			&item.IsCorrect,
			&item.AnswerMarks,
		); err != nil {
			return nil, fmt.Errorf("scan result answer: %w", err)
		}
		if answerText.Valid {
			item.AnswerText = &answerText.String
		}
		out.Answers = append(out.Answers, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate result answers: %w", err)
	}
	return out, nil
}

func (s *Service) AttemptedExams(ctx context.Context, studentID int64) ([]AttemptedExam, error) {
	if studentID <= 0 {
		return nil, ErrInvalidInput
	}
	items, err := s.loadProgress(ctx, studentID)
	if err != nil {
		return nil, err
	}
	return attemptedFromProgress(items), nil
}

func (s *Service) Dashboard(ctx context.Context, studentID int64) (*Dashboard, error) {
	if studentID <= 0 {
		return nil, ErrInvalidInput
	}
	items, err := s.loadProgress(ctx, studentID)
	if err != nil {
		return nil, err
	}
	d := buildDashboard(items)
	return &d, nil
}

func (s *Service) loadProgress(ctx context.Context, studentID int64) ([]ExamProgress, error) {
	return readThroughProgress(ctx, s.cache, s.log, studentID, func(ctx context.Context) ([]ExamProgress, error) {
		return queryProgress(ctx, s.db, studentID)
	})
}

// readThroughProgress serves the cached entry for the student's current
// version, loading and storing it on a miss. The version is taken before
// load runs, so a write that invalidates during the load leaves this
// snapshot under a version nobody reads.
func readThroughProgress(
	ctx context.Context,
	cache ProgressCache,
	log *zap.Logger,
	studentID int64,
	load func(context.Context) ([]ExamProgress, error),
) ([]ExamProgress, error) {
	version, err := cache.Version(ctx, studentID)
	if err != nil {
		log.Warn("progress cache version", zap.Int64("student_id", studentID), zap.Error(err))
		return load(ctx)
	}

	if items, ok, err := cache.Get(ctx, studentID, version); err != nil {
		log.Warn("progress cache get", zap.Int64("student_id", studentID), zap.Error(err))
	} else if ok {
		return items, nil
	}

	items, err := load(ctx)
	if err != nil {
		return nil, err
	}
	if err := cache.Set(ctx, studentID, version, items); err != nil {
		log.Warn("progress cache set", zap.Int64("student_id", studentID), zap.Error(err))
	}
	return items, nil
}

func (s *Service) invalidateProgress(ctx context.Context, studentID int64) {
	if err := s.cache.Invalidate(ctx, studentID); err != nil {
		s.log.Warn("progress cache invalidate", zap.Int64("student_id", studentID), zap.Error(err))
	}
}

func queryProgress(ctx context.Context, q queryable, studentID int64) ([]ExamProgress, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT
			e.id,
			e.name,
			COALESCE(u.name, ''),
			e.total_marks,
			(SELECT COUNT(*) FROM questions qq WHERE qq.exam_id = e.id),
			COUNT(sa.id),
			COALESCE(SUM(sa.answer_marks) FILTER (WHERE sa.is_correct), 0),
			MAX(sa.answer_time),
			sub.score,
			sub.submitted_at
		FROM exam_students es
		JOIN exams e ON e.id = es.exam_id
		LEFT JOIN universities u ON u.id = e.university_id
		LEFT JOIN student_answers sa
			ON sa.exam_id = e.id
			AND sa.student_id = es.student_id
		LEFT JOIN exam_submissions sub
			ON sub.exam_id = e.id
			AND sub.student_id = es.student_id
		WHERE es.student_id = $1
		GROUP BY e.id, e.name, u.name, e.total_marks, sub.score, sub.submitted_at
		ORDER BY e.id ASC
	`, studentID)
	if err != nil {
		return nil, fmt.Errorf("query exam progress: %w", err)
	}
	defer rows.Close()

	out := make([]ExamProgress, 0)
	for rows.Next() {
		var (
			p              ExamProgress
			lastAnswerAt   sql.NullTime
			submittedScore sql.NullFloat64
			submittedAt    sql.NullTime
		)
		if err := rows.Scan(
			&p.ExamID,
			&p.ExamName,
			&p.UniversityName,
			&p.TotalMarks,
			&p.TotalQuestions,
			&p.Answered,
			&p.Score,
			&lastAnswerAt,
			&submittedScore,
			&submittedAt,
		); err != nil {
			return nil, fmt.Errorf("scan exam progress: %w", err)
		}
		if lastAnswerAt.Valid {
			p.LastAnswerAt = &lastAnswerAt.Time
		}
		if submittedAt.Valid {
			p.Submitted = true
			p.SubmittedAt = &submittedAt.Time
			score := submittedScore.Float64
			p.SubmittedScore = &score
		}
		p.Status = progressStatus(p)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate exam progress: %w", err)
	}
	return out, nil
}

// checkAccess distinguishes a missing exam from one the student is not
// assigned to.
func checkAccess(ctx context.Context, q queryable, studentID, examID int64) error {
	var assigned bool
	err := q.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM exam_students
			WHERE exam_id = e.id AND student_id = $2
		)
		FROM exams e
		WHERE e.id = $1
	`, examID, studentID).Scan(&assigned)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrExamNotFound
		}
		return fmt.Errorf("check exam access: %w", err)
	}
	if !assigned {
		return ErrExamNotAssigned
	}
	return nil
}

// lockAssignment serializes answer writes against submission for one
// student and exam. Writers share the lock; submit takes it exclusively.
func lockAssignment(ctx context.Context, tx *sql.Tx, studentID, examID int64, exclusive bool) error {
	query := `
		SELECT student_id FROM exam_students
		WHERE exam_id = $1 AND student_id = $2
		FOR SHARE
	`
	if exclusive {
		query = `
			SELECT student_id FROM exam_students
			WHERE exam_id = $1 AND student_id = $2
			FOR UPDATE
		`
	}
	var id int64
	if err := tx.QueryRowContext(ctx, query, examID, studentID).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrExamNotAssigned
		}
		return fmt.Errorf("lock assignment: %w", err)
	}
	return nil
}

func loadAnswerAggregates(ctx context.Context, q queryable, studentID, examID int64) ([]answerAggregate, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT answer_marks, answer_duration
		FROM student_answers
		WHERE student_id = $1 AND exam_id = $2
		ORDER BY question_id ASC
	`, studentID, examID)
	if err != nil {
		return nil, fmt.Errorf("query answers for submit: %w", err)
	}
	defer rows.Close()

	out := make([]answerAggregate, 0)
	for rows.Next() {
		var a answerAggregate
		if err := rows.Scan(&a.Marks, &a.Duration); err != nil {
			return nil, fmt.Errorf("scan answer for submit: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate answers for submit: %w", err)
	}
	return out, nil
}

const submissionColumns = `id, student_id, exam_id, status, score, total_questions_solved, duration_secs, submitted_at`

func loadSubmission(ctx context.Context, q queryable, studentID, examID int64) (*Submission, error) {
	return scanSubmission(q.QueryRowContext(ctx, `
		SELECT `+submissionColumns+`
		FROM exam_submissions
		WHERE student_id = $1 AND exam_id = $2
	`, studentID, examID))
}

func scanSubmission(scanner interface{ Scan(dest ...any) error }) (*Submission, error) {
	var out Submission
	if err := scanner.Scan(
		&out.ID,
		&out.StudentID,
		&out.ExamID,
		&out.Status,
		&out.Score,
		&out.TotalQuestionsSolved,
		&out.DurationSecs,
		&out.SubmittedAt,
	); err != nil {
		return nil, err
	}
	return &out, nil
}

func scanExam(scanner interface{ Scan(dest ...any) error }) (*Exam, error) {
	var (
		out          Exam
		startAt      sql.NullTime
		endAt        sql.NullTime
		universityID sql.NullInt64
	)
	if err := scanner.Scan(
		&out.ID,
		&out.Name,
		&out.Code,
		&startAt,
		&endAt,
		&out.DurationMinutes,
		&out.TotalMarks,
		&universityID,
		&out.CreatedAt,
		&out.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if startAt.Valid {
		out.StartAt = &startAt.Time
	}
	if endAt.Valid {
		out.EndAt = &endAt.Time
	}
	if universityID.Valid {
		out.UniversityID = &universityID.Int64
	}
	return &out, nil
}

type queryable interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}
