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

type ProfileRepository struct {
	pool *pgxpool.Pool
}

func NewProfileRepository(pool *pgxpool.Pool) *ProfileRepository {
	return &ProfileRepository{pool: pool}
}

func (r *ProfileRepository) GetProfile(ctx context.Context, id string) (*model.Profile, error) {
	defer logger.DeferLogDuration("profile.GetProfile", time.Now())()
	p := &model.Profile{}
	err := r.pool.QueryRow(ctx,
		`SELECT id::text, COALESCE(full_name, '') FROM profiles WHERE id = $1`, id,
	).Scan(&p.ID, &p.FullName)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("profileRepo.GetProfile: %w", err)
	}
	return p, nil
}
