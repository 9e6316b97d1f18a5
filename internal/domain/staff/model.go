package staff

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/norha/clinic/internal/platform/auth"
	"github.com/norha/clinic/pkg/apperr"
)

var validRoles = map[string]bool{
	auth.RoleAdmin: true, auth.RoleReception: true, auth.RoleDoctor: true,
	auth.RoleCashier: true, auth.RolePharmacy: true,
}

// Staff is a clinic user account. The password hash never leaves the package.
type Staff struct {
	ID           uuid.UUID `db:"id" json:"id"`
	Username     string    `db:"username" json:"username"`
	FullName     string    `db:"full_name" json:"full_name"`
	Role         string    `db:"role" json:"role"`
	Phone        *string   `db:"phone" json:"phone,omitempty"`
	PasswordHash string    `db:"password_hash" json:"-"`
	Active       bool      `db:"active" json:"active"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

func (s *Staff) Validate() error {
	if strings.TrimSpace(s.Username) == "" {
		return apperr.Validationf("username is required")
	}
	if strings.TrimSpace(s.FullName) == "" {
		return apperr.Validationf("full_name is required")
	}
	if !validRoles[s.Role] {
		return apperr.Validationf("invalid role %q", s.Role)
	}
	return nil
}
