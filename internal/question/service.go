package question

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrQuestionNotFound = errors.New("question not found")

// Queryer is satisfied by *sql.DB and *sql.Tx.
type Queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// Question carries the canonical answer and must not be serialized to
// students before submission; use Public for that.
type Question struct {
	ID      int64    `json:"id"`
	ExamID  int64    `json:"exam_id"`
	SeqNo   int      `json:"seq_no"`
	Prompt  string   `json:"prompt"`
	Options []string `json:"options"`
	Answer  string   `json:"answer"`
	Marks   float64  `json:"marks"`
}

type PublicQuestion struct {
	ID      int64    `json:"id"`
	SeqNo   int      `json:"seq_no"`
	Prompt  string   `json:"prompt"`
	Options []string `json:"options"`
	Marks   float64  `json:"marks"`
}

func (q Question) Public() PublicQuestion {
	opts := q.Options
	if opts == nil {
		opts = []string{}
	}
	return PublicQuestion{
		ID:      q.ID,
		SeqNo:   q.SeqNo,
		Prompt:  q.Prompt,
		Options: opts,
		Marks:   q.Marks,
	}
}

const questionColumns = `id, exam_id, seq_no, prompt, options, answer, marks`

// Find loads a question only when it belongs to the given exam.
func Find(ctx context.Context, q Queryer, examID, questionID int64) (*Question, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+questionColumns+`
		FROM questions
		WHERE id = $1 AND exam_id = $2
	`, questionID, examID)

	out, err := scanQuestion(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrQuestionNotFound
		}
		return nil, fmt.Errorf("query question: %w", err)
	}
	return out, nil
}

func ListByExam(ctx context.Context, q Queryer, examID int64) ([]Question, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+questionColumns+`
		FROM questions
		WHERE exam_id = $1
		ORDER BY seq_no ASC, id ASC
	`, examID)
	if err != nil {
		return nil, fmt.Errorf("query exam questions: %w", err)
	}
	defer rows.Close()

	out := make([]Question, 0)
	for rows.Next() {
		item, err := scanQuestion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		out = append(out, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate questions: %w", err)
	}
	return out, nil
}

func scanQuestion(scanner interface{ Scan(dest ...any) error }) (*Question, error) {
	var (
		out        Question
		optionsRaw []byte
	)
	if err := scanner.Scan(
		&out.ID,
		&out.ExamID,
		&out.SeqNo,
		&out.Prompt,
		&optionsRaw,
		&out.Answer,
		&out.Marks,
	); err != nil {
		return nil, err
	}
	opts, err := decodeOptions(optionsRaw)
	if err != nil {
		return nil, err
	}
	out.Options = opts
	return &out, nil
}

func decodeOptions(raw []byte) ([]string, error) {
	if len(raw) == 0 {
		return []string{}, nil
	}
	var opts []string
	if err := json.Unmarshal(raw, &opts); err != nil {
		return nil, fmt.Errorf("decode question options: %w", err)
	}
	if opts == nil {
		opts = []string{}
	}
	return opts, nil
}
