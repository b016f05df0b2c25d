// Package tokens persists and refreshes per-(tenant, realm) OAuth2
// tokens for the remote accounting service. The backing store is a
// single sqlite file restricted to owner read/write; refreshes are
// coalesced per key so concurrent callers share one network call.
package tokens

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/preciousoreva/oiat/pkg/logger"
)

// ErrRefreshFailed marks a refresh rejected by the provider (bad or
// expired refresh token, non-success status). The operator must
// re-authorize the tenant.
var ErrRefreshFailed = errors.New("token refresh failed")

// ErrTokenMissing is returned when no record exists for a key.
var ErrTokenMissing = errors.New("token record missing")

// ExpirySkew is subtracted from the access expiry when judging validity:
// a token is valid while now + ExpirySkew < access_expiry.
const ExpirySkew = 60 * time.Second

const (
	refreshRetries     = 3
	refreshBackoffBase = 500 * time.Millisecond
)

// Record is one stored token set.
type Record struct {
	Tenant        string
	Realm         string
	AccessToken   string
	RefreshToken  string
	AccessExpiry  time.Time
	RefreshExpiry time.Time // zero when the provider did not report one
	Env           string    // e.g. "production", "sandbox"
	UpdatedAt     time.Time
}

// Valid reports whether the access token is usable right now.
func (r Record) Valid(now time.Time) bool {
	return r.AccessToken != "" && now.Add(ExpirySkew).Before(r.AccessExpiry)
}

// Key identifies a token record.
type Key struct {
	Tenant string
	Realm  string
}

// Store is the sqlite-backed token manager.
type Store struct {
	db       *sql.DB
	path     string
	log      *logger.Logger
	endpoint oauth2.Endpoint
	clientID string
	secret   string

	initOnce sync.Once
	initErr  error

	group singleflight.Group

	// test hook: sleep between refresh retries
	sleep func(time.Duration)
}

// Option configures a Store.
type Option func(*Store)

// WithEndpoint overrides the OAuth2 token endpoint (tests point this at
// a local fake).
func WithEndpoint(ep oauth2.Endpoint) Option {
	return func(s *Store) { s.endpoint = ep }
}

// WithLogger attaches a logger.
func WithLogger(log *logger.Logger) Option {
	return func(s *Store) { s.log = log }
}

// Intuit's production token endpoint.
var defaultEndpoint = oauth2.Endpoint{
	TokenURL: "https://oauth.platform.intuit.com/oauth2/v1/tokens/bearer",
}

// Open creates or opens the token store at path (e.g. qbo_tokens.sqlite)
// and tightens its permissions to owner read/write.
func Open(path, clientID, clientSecret string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create token store dir: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open token store: %w", err)
	}

	s := &Store{
		db:       db,
		path:     path,
		endpoint: defaultEndpoint,
		clientID: clientID,
		secret:   clientSecret,
		sleep:    time.Sleep,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.NewDefault("tokens")
	}

	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// init runs the one-time DDL and permission tightening.
func (s *Store) init() error {
	s.initOnce.Do(func() {
		_, err := s.db.Exec(`
			CREATE TABLE IF NOT EXISTS qbo_tokens (
				tenant          TEXT NOT NULL,
				realm           TEXT NOT NULL,
				access_token    TEXT NOT NULL,
				refresh_token   TEXT NOT NULL,
				access_expiry   TIMESTAMP NOT NULL,
				refresh_expiry  TIMESTAMP,
				env             TEXT NOT NULL DEFAULT '',
				updated_at      TIMESTAMP NOT NULL,
				PRIMARY KEY (tenant, realm)
			)
		`)
		if err != nil {
			s.initErr = fmt.Errorf("token store DDL: %w", err)
			return
		}
		s.initErr = s.restrictPermissions()
	})
	return s.initErr
}

// restrictPermissions chmods the store and any sqlite sidecar journals
// to 0600. Sidecars carry token material and must never be readable by
// group or other.
func (s *Store) restrictPermissions() error {
	paths := []string{s.path, s.path + "-wal", s.path + "-shm", s.path + "-journal"}
	for _, p := range paths {
		if err := os.Chmod(p, 0600); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("restrict %s: %w", p, err)
		}
	}
	return nil
}

// Load returns the record for a key, or ErrTokenMissing.
func (s *Store) Load(ctx context.Context, tenant, realm string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tenant, realm, access_token, refresh_token, access_expiry,
			refresh_expiry, env, updated_at
		FROM qbo_tokens WHERE tenant = ? AND realm = ?
	`, tenant, realm)
	return scanRecord(row)
}

// LoadBatch returns the records present for the given keys. Missing keys
// are absent from the result map.
func (s *Store) LoadBatch(ctx context.Context, keys []Key) (map[Key]Record, error) {
	out := make(map[Key]Record, len(keys))
	for _, key := range keys {
		rec, err := s.Load(ctx, key.Tenant, key.Realm)
		if errors.Is(err, ErrTokenMissing) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[key] = rec
	}
	return out, nil
}

// Save upserts a record in a single transaction.
func (s *Store) Save(ctx context.Context, rec Record) error {
	rec.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO qbo_tokens (tenant, realm, access_token, refresh_token,
			access_expiry, refresh_expiry, env, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant, realm) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			access_expiry = excluded.access_expiry,
			refresh_expiry = excluded.refresh_expiry,
			env = excluded.env,
			updated_at = excluded.updated_at
	`, rec.Tenant, rec.Realm, rec.AccessToken, rec.RefreshToken,
		rec.AccessExpiry, nullTime(rec.RefreshExpiry), rec.Env, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save token %s/%s: %w", rec.Tenant, rec.Realm, err)
	}
	return s.restrictPermissions()
}

// StoreFromOAuth persists the result of an operator OAuth bootstrap.
func (s *Store) StoreFromOAuth(ctx context.Context, tenant, realm, access, refresh string, expiresIn time.Duration, env string) error {
	return s.Save(ctx, Record{
		Tenant:       tenant,
		Realm:        realm,
		AccessToken:  access,
		RefreshToken: refresh,
		AccessExpiry: time.Now().UTC().Add(expiresIn),
		Env:          env,
	})
}

// Refresh performs the OAuth2 refresh-token grant for the key and
// persists the result atomically. Concurrent calls for the same key
// coalesce into one network refresh; all callers receive the same
// resulting record.
func (s *Store) Refresh(ctx context.Context, tenant, realm string) (Record, error) {
	v, err, _ := s.group.Do(tenant+"|"+realm, func() (any, error) {
		return s.refreshOnce(ctx, tenant, realm)
	})
	if err != nil {
		return Record{}, err
	}
	return v.(Record), nil
}

func (s *Store) refreshOnce(ctx context.Context, tenant, realm string) (Record, error) {
	rec, err := s.Load(ctx, tenant, realm)
	if err != nil {
		return Record{}, err
	}
	if !rec.RefreshExpiry.IsZero() && time.Now().After(rec.RefreshExpiry) {
		return Record{}, fmt.Errorf("%w: refresh token for %s/%s expired %s",
			ErrRefreshFailed, tenant, realm, rec.RefreshExpiry.Format(time.RFC3339))
	}

	conf := &oauth2.Config{
		ClientID:     s.clientID,
		ClientSecret: s.secret,
		Endpoint:     s.endpoint,
	}
	// Auto-detect re-sends a rejected request in the other auth style,
	// which would make one rejection cost two token calls.
	if conf.Endpoint.AuthStyle == oauth2.AuthStyleAutoDetect {
		conf.Endpoint.AuthStyle = oauth2.AuthStyleInHeader
	}

	var token *oauth2.Token
	for attempt := 0; attempt < refreshRetries; attempt++ {
		if attempt > 0 {
			s.sleep(refreshBackoff(attempt))
		}
		source := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: rec.RefreshToken})
		token, err = source.Token()
		if err == nil {
			break
		}
		if !isTransient(err) {
			return Record{}, fmt.Errorf("%w: %s/%s: %v", ErrRefreshFailed, tenant, realm, err)
		}
		s.log.Warnf("token refresh for %s/%s attempt %d: %v", tenant, realm, attempt+1, err)
	}
	if err != nil {
		return Record{}, fmt.Errorf("%w: %s/%s after %d attempts: %v",
			ErrRefreshFailed, tenant, realm, refreshRetries, err)
	}

	rec.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		rec.RefreshToken = token.RefreshToken
	}
	rec.AccessExpiry = token.Expiry.UTC()
	if err := s.Save(ctx, rec); err != nil {
		return Record{}, err
	}
	s.log.Infof("refreshed token for %s/%s, expires %s", tenant, realm,
		rec.AccessExpiry.Format(time.RFC3339))
	return rec, nil
}

// refreshBackoff is exponential from the base with ±20% jitter.
func refreshBackoff(attempt int) time.Duration {
	backoff := refreshBackoffBase << (attempt - 1)
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(backoff) * jitter)
}

// isTransient reports whether a refresh failure is worth retrying.
// Provider rejections come back as *oauth2.RetrieveError and are final.
func isTransient(err error) bool {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return retrieveErr.Response != nil && retrieveErr.Response.StatusCode >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func scanRecord(row *sql.Row) (Record, error) {
	var (
		rec           Record
		refreshExpiry sql.NullTime
	)
	err := row.Scan(&rec.Tenant, &rec.Realm, &rec.AccessToken, &rec.RefreshToken,
		&rec.AccessExpiry, &refreshExpiry, &rec.Env, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return Record{}, ErrTokenMissing
	}
	if err != nil {
		return Record{}, err
	}
	if refreshExpiry.Valid {
		rec.RefreshExpiry = refreshExpiry.Time
	}
	return rec, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
