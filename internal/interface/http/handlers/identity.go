package handlers

import (
	"context"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/alem-hub/lab-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// IDENTITY
// ══════════════════════════════════════════════════════════════════════════════

const (
	// HeaderUserID carries the student id set by the upstream auth gateway.
	HeaderUserID = "X-User-ID"

	// HeaderStaffToken carries a staff token that marks the caller privileged.
	HeaderStaffToken = "X-Staff-Token"
)

// Identity is the caller of a request.
type Identity struct {
	UserID     shared.UserID
	Privileged bool
}

type identityKey struct{}

// IdentityFromContext returns the identity stored by IdentityMiddleware.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// WithIdentity stores id in ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// StaffTokens verifies staff tokens against bcrypt hashes.
type StaffTokens struct {
	hashes [][]byte
}

// NewStaffTokens creates a verifier from bcrypt hashes. Blank entries are
// skipped.
func NewStaffTokens(hashes []string) *StaffTokens {
	st := &StaffTokens{}
	for _, h := range hashes {
		if h = strings.TrimSpace(h); h != "" {
			st.hashes = append(st.hashes, []byte(h))
		}
	}
	return st
}

// Verify reports whether token matches one of the hashes.
func (s *StaffTokens) Verify(token string) bool {
	if s == nil || token == "" {
		return false
	}
	for _, h := range s.hashes {
		if bcrypt.CompareHashAndPassword(h, []byte(token)) == nil {
			return true
		}
	}
	return false
}

// IdentityMiddleware resolves the caller. Requests without a valid user id
// are refused; a staff token that does not verify is refused too rather than
// silently downgraded.
func IdentityMiddleware(staff *StaffTokens, onError func(w http.ResponseWriter, status int, code, message string)) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			uid, err := shared.NewUserID(r.Header.Get(HeaderUserID))
			if err != nil {
				onError(w, http.StatusUnauthorized, "missing_identity", "A valid "+HeaderUserID+" header is required")
				return
			}

			id := Identity{UserID: uid}
			if token := r.Header.Get(HeaderStaffToken); token != "" {
				if !staff.Verify(token) {
					onError(w, http.StatusForbidden, "invalid_staff_token", "Staff token was not accepted")
					return
				}
				id.Privileged = true
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}
