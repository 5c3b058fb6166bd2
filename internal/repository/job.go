package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/buhmarket/internal/logger"
	"github.com/buhmarket/internal/model"
)

const jobCols = `j.id::text, j.title, j.status, j.client_id::text, COALESCE(j.accountant_id::text, ''),
	COALESCE(c.full_name, ''), COALESCE(a.full_name, ''), j.created_at`

const jobJoins = `FROM jobs j
	LEFT JOIN profiles c ON c.id = j.client_id
	LEFT JOIN profiles a ON a.id = j.accountant_id`

type JobRepository struct {
	pool *pgxpool.Pool
}

func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

func scanJob(s rowScanner, j *model.Job) error {
	return s.Scan(&j.ID, &j.Title, &j.Status, &j.ClientID, &j.AccountantID, &j.ClientName, &j.AccountantName, &j.CreatedAt)
}

// ActiveForUser — заказы в работе, где пользователь заказчик или исполнитель.
func (r *JobRepository) ActiveForUser(ctx context.Context, userID string) ([]model.Job, error) {
	defer logger.DeferLogDuration("job.ActiveForUser", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+jobCols+` `+jobJoins+`
		 WHERE j.status = $2 AND (j.client_id = $1 OR j.accountant_id = $1)
		 ORDER BY j.created_at DESC`, userID, model.JobStatusInProgress,
	)
	if err != nil {
		return nil, fmt.Errorf("jobRepo.ActiveForUser query: %w", err)
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		var j model.Job
		if err := scanJob(rows, &j); err != nil {
			return nil, fmt.Errorf("jobRepo.ActiveForUser scan: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("jobRepo.ActiveForUser rows: %w", err)
	}
	return jobs, nil
}

func (r *JobRepository) GetByID(ctx context.Context, id string) (*model.Job, error) {
	defer logger.DeferLogDuration("job.GetByID", time.Now())()
	j := &model.Job{}
	err := scanJob(r.pool.QueryRow(ctx, `SELECT `+jobCols+` `+jobJoins+` WHERE j.id = $1`, id), j)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("jobRepo.GetByID: %w", err)
	}
	return j, nil
}
