package staff

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/norha/clinic/internal/platform/auth"
	"github.com/norha/clinic/pkg/apperr"
)

type Service struct {
	repo   Repository
	jwtCfg auth.JWTConfig
	logger zerolog.Logger
}

func NewService(repo Repository, jwtCfg auth.JWTConfig, logger zerolog.Logger) *Service {
	return &Service{repo: repo, jwtCfg: jwtCfg, logger: logger}
}

type CreateInput struct {
	Username string  `json:"username"`
	FullName string  `json:"full_name"`
	Role     string  `json:"role"`
	Phone    *string `json:"phone,omitempty"`
	Password string  `json:"password"`
}

func (s *Service) Create(ctx context.Context, in CreateInput) (*Staff, error) {
	if len(in.Password) < 8 {
		return nil, apperr.Validationf("password must be at least 8 characters")
	}
	member := &Staff{
		Username: strings.ToLower(strings.TrimSpace(in.Username)),
		FullName: strings.TrimSpace(in.FullName),
		Role:     strings.ToLower(strings.TrimSpace(in.Role)),
		Phone:    in.Phone,
		Active:   true,
	}
	if err := member.Validate(); err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	member.PasswordHash = string(hash)
	if err := s.repo.Create(ctx, member); err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("staff_id", member.ID.String()).
		Str("username", member.Username).
		Str("role", member.Role).
		Msg("staff account created")
	return member, nil
}

type UpdateInput struct {
	FullName *string `json:"full_name,omitempty"`
	Role     *string `json:"role,omitempty"`
	Phone    *string `json:"phone,omitempty"`
	Password *string `json:"password,omitempty"`
	Active   *bool   `json:"active,omitempty"`
}

func (s *Service) Update(ctx context.Context, id uuid.UUID, in UpdateInput) (*Staff, error) {
	member, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.FullName != nil {
		member.FullName = strings.TrimSpace(*in.FullName)
	}
	if in.Role != nil {
		member.Role = strings.ToLower(strings.TrimSpace(*in.Role))
	}
	if in.Phone != nil {
		member.Phone = in.Phone
	}
	if in.Active != nil {
		member.Active = *in.Active
	}
	if in.Password != nil {
		if len(*in.Password) < 8 {
			return nil, apperr.Validationf("password must be at least 8 characters")
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(*in.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, err
		}
		member.PasswordHash = string(hash)
	}
	if err := member.Validate(); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, member); err != nil {
		return nil, err
	}
	return member, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Staff, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, role string, limit, offset int) ([]*Staff, int, error) {
	return s.repo.List(ctx, role, limit, offset)
}

// LoginResult pairs the issued token with the account it belongs to.
type LoginResult struct {
	Token string `json:"token"`
	Staff *Staff `json:"staff"`
}

// Authenticate checks the credentials and issues a signed token. Unknown
// usernames and bad passwords come back as the same validation error so the
// response does not leak which half was wrong.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*LoginResult, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || password == "" {
		return nil, apperr.Validationf("username and password are required")
	}
	member, err := s.repo.GetByUsername(ctx, username)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, apperr.Validationf("invalid credentials")
	}
	if err != nil {
		return nil, err
	}
	if !member.Active {
		return nil, apperr.Validationf("invalid credentials")
	}
	if bcrypt.CompareHashAndPassword([]byte(member.PasswordHash), []byte(password)) != nil {
		s.logger.Warn().Str("username", username).Msg("failed login attempt")
		return nil, apperr.Validationf("invalid credentials")
	}
	token, err := auth.GenerateToken(s.jwtCfg, member.ID.String(), member.Role, member.FullName)
	if err != nil {
		return nil, err
	}
	return &LoginResult{Token: token, Staff: member}, nil
}
