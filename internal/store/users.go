package store

import (
	"context"
	"fmt"

	"progenycal/internal/model"
)

const userColumns = `user_id, email, display_name, time_zone, is_admin`

func scanUser(row rowScanner) (model.User, error) {
	var u model.User
	err := row.Scan(&u.UserID, &u.Email, &u.DisplayName, &u.TimeZone, &u.IsAdmin)
	return u, err
}

func (s *Store) CreateUser(ctx context.Context, u model.User) error {
	if u.UserID == "" || u.Email == "" {
		return fmt.Errorf("%w: user id and email are required", model.ErrValidation)
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?)`),
		u.UserID, u.Email, u.DisplayName, u.TimeZone, u.IsAdmin)
	if err != nil {
		return fmt.Errorf("insert user %s: %w", u.UserID, err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, userID string) (model.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, s.q(`
		SELECT `+userColumns+` FROM users WHERE user_id = ?`), userID))
	if err != nil {
		return model.User{}, notFound(err, "user", userID)
	}
	return u, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (model.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, s.q(`
		SELECT `+userColumns+` FROM users WHERE lower(email) = lower(?)`), email))
	if err != nil {
		return model.User{}, notFound(err, "user", email)
	}
	return u, nil
}

func (s *Store) CreateProgeny(ctx context.Context, p model.Progeny) (model.Progeny, error) {
	if p.Name == "" {
		return model.Progeny{}, fmt.Errorf("%w: progeny name is required", model.ErrValidation)
	}
	err := s.db.QueryRowContext(ctx, s.q(`
		INSERT INTO progeny (name, nick_name, admins)
		VALUES (?, ?, ?)
		RETURNING id`),
		p.Name, p.NickName, p.Admins).Scan(&p.ID)
	if err != nil {
		return model.Progeny{}, fmt.Errorf("insert progeny: %w", err)
	}
	return p, nil
}

func (s *Store) GetProgeny(ctx context.Context, id int64) (model.Progeny, error) {
	var p model.Progeny
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT id, name, nick_name, admins FROM progeny WHERE id = ?`), id).
		Scan(&p.ID, &p.Name, &p.NickName, &p.Admins)
	if err != nil {
		return model.Progeny{}, notFound(err, "progeny", id)
	}
	return p, nil
}
