package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/preciousoreva/oiat/internal/app/storage"
	"github.com/preciousoreva/oiat/pkg/logger"
)

const (
	sessionCookie = "oiat_session"
	csrfHeader    = "X-CSRF-Token"

	sessionTTL = 12 * time.Hour
)

// Auth manages portal sessions: cookie-based authentication with a
// per-session CSRF token validated on every mutation.
type Auth struct {
	store storage.SessionStore
	log   *logger.Logger

	// Login attempts are rate limited portal-wide; credential stuffing
	// against a small operator user base is the threat model.
	loginLimiter *rate.Limiter
}

// NewAuth creates the session manager.
func NewAuth(store storage.SessionStore, log *logger.Logger) *Auth {
	if log == nil {
		log = logger.NewDefault("auth")
	}
	return &Auth{
		store:        store,
		log:          log,
		loginLimiter: rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// HashPassword produces the stored bcrypt hash for a portal user.
func HashPassword(plain string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Login validates credentials and opens a session.
func (a *Auth) Login(ctx context.Context, username, password string) (storage.Session, storage.User, error) {
	if !a.loginLimiter.Allow() {
		return storage.Session{}, storage.User{}, fmt.Errorf("too many login attempts, slow down")
	}

	user, err := a.store.GetUser(ctx, username)
	if err != nil {
		// Burn a comparison anyway so missing users cost the same.
		_ = bcrypt.CompareHashAndPassword(
			[]byte("$2a$10$000000000000000000000uGZLKQuHuJxSi5MrO1qSqIQpcfMd0Fpi"), []byte(password))
		return storage.Session{}, storage.User{}, errUnauthenticated
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return storage.Session{}, storage.User{}, errUnauthenticated
	}

	csrf := make([]byte, 32)
	if _, err := rand.Read(csrf); err != nil {
		return storage.Session{}, storage.User{}, err
	}
	sess := storage.Session{
		ID:        uuid.NewString(),
		Username:  user.Username,
		CSRFToken: hex.EncodeToString(csrf),
		ExpiresAt: time.Now().UTC().Add(sessionTTL),
		CreatedAt: time.Now().UTC(),
	}
	if err := a.store.CreateSession(ctx, sess); err != nil {
		return storage.Session{}, storage.User{}, err
	}
	a.log.Infof("session opened for %s", user.Username)
	return sess, user, nil
}

// Logout closes the request's session, if any.
func (a *Auth) Logout(ctx context.Context, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookie); err == nil {
		_ = a.store.DeleteSession(ctx, cookie.Value)
	}
}

// authenticate resolves the request's session and user.
func (a *Auth) authenticate(r *http.Request) (storage.User, storage.Session, error) {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		return storage.User{}, storage.Session{}, errUnauthenticated
	}
	sess, err := a.store.GetSession(r.Context(), cookie.Value)
	if err != nil {
		return storage.User{}, storage.Session{}, errUnauthenticated
	}
	if time.Now().After(sess.ExpiresAt) {
		_ = a.store.DeleteSession(r.Context(), sess.ID)
		return storage.User{}, storage.Session{}, errUnauthenticated
	}
	user, err := a.store.GetUser(r.Context(), sess.Username)
	if err != nil {
		return storage.User{}, storage.Session{}, errUnauthenticated
	}
	return user, sess, nil
}

type contextKey string

const (
	userKey    contextKey = "portal_user"
	sessionKey contextKey = "portal_session"
)

func userFrom(ctx context.Context) storage.User {
	user, _ := ctx.Value(userKey).(storage.User)
	return user
}

// requireAuth gates a subtree behind a valid session and, for mutating
// methods, a matching CSRF token header.
func (a *Auth) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, sess, err := a.authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
		default:
			if r.Header.Get(csrfHeader) != sess.CSRFToken {
				writeError(w, http.StatusForbidden, errBadCSRF)
				return
			}
		}

		ctx := context.WithValue(r.Context(), userKey, user)
		ctx = context.WithValue(ctx, sessionKey, sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requirePermission gates a handler behind one permission flag.
func requirePermission(check func(storage.User) bool, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !check(userFrom(r.Context())) {
			writeError(w, http.StatusForbidden, errForbidden)
			return
		}
		next(w, r)
	}
}

func setSessionCookie(w http.ResponseWriter, sess storage.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    sess.ID,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

func clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}
