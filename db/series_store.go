package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/scrimtrack/scrimtrack/tracker"
)

// sensitiveKeys lists series keys whose values are encrypted at rest when an
// encryption key is configured. The encryption_version column records how
// each row was written so old plaintext rows keep reading correctly.
var sensitiveKeys = map[string]bool{
	"interaction_token": true,
}

const (
	encryptionNone   = 0
	encryptionAESGCM = 1
)

// SeriesStore is the Postgres-backed durable store for one series. Obtain one
// from Provider.Series.
type SeriesStore struct {
	db        *sql.DB
	seriesKey string
}

// Provider hands out series-scoped stores over one shared connection pool.
type Provider struct {
	db *sql.DB
}

func NewProvider(database *sql.DB) *Provider {
	return &Provider{db: database}
}

func (p *Provider) Series(seriesKey string) tracker.Store {
	return &SeriesStore{db: p.db, seriesKey: seriesKey}
}

// ActiveSeries lists every series that has persisted state, used to rehydrate
// trackers after a restart.
func (p *Provider) ActiveSeries(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT DISTINCT series_key FROM tracker_kv WHERE key = 'state'`)
	if err != nil {
		return nil, fmt.Errorf("list active series: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan series key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SeriesStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	var encVersion int
	err := s.db.QueryRowContext(ctx,
		`SELECT value, encryption_version FROM tracker_kv WHERE series_key = $1 AND key = $2`,
		s.seriesKey, key).Scan(&value, &encVersion)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", s.seriesKey, key, err)
	}

	if encVersion == encryptionAESGCM {
		enc, encErr := getEncryptor()
		if encErr != nil {
			return nil, encErr
		}
		if enc == nil {
			return nil, fmt.Errorf("get %s/%s: value is encrypted but ENCRYPTION_KEY is not configured", s.seriesKey, key)
		}
		plain, decErr := enc.Decrypt(value)
		if decErr != nil {
			return nil, fmt.Errorf("decrypt %s/%s: %w", s.seriesKey, key, decErr)
		}
		return plain, nil
	}
	return value, nil
}

func (s *SeriesStore) Put(ctx context.Context, key string, value []byte) error {
	encVersion := encryptionNone
	if sensitiveKeys[key] {
		enc, err := getEncryptor()
		if err != nil {
			return err
		}
		if enc != nil {
			ct, err := enc.Encrypt(value)
			if err != nil {
				return fmt.Errorf("encrypt %s/%s: %w", s.seriesKey, key, err)
			}
			value = ct
			encVersion = encryptionAESGCM
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tracker_kv (series_key, key, value, encryption_version, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (series_key, key)
		DO UPDATE SET value = EXCLUDED.value, encryption_version = EXCLUDED.encryption_version, updated_at = now()`,
		s.seriesKey, key, value, encVersion)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", s.seriesKey, key, err)
	}
	return nil
}

func (s *SeriesStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM tracker_kv WHERE series_key = $1 AND key = $2`, s.seriesKey, key); err != nil {
		return fmt.Errorf("delete %s/%s: %w", s.seriesKey, key, err)
	}
	return nil
}

// DeleteAll removes every row for this series, alarm included. Not
// transactional: a crash between the two deletes leaves an orphan alarm row,
// which rehydration ignores because the state row is gone.
func (s *SeriesStore) DeleteAll(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM tracker_kv WHERE series_key = $1`, s.seriesKey); err != nil {
		return fmt.Errorf("delete all %s: %w", s.seriesKey, err)
	}
	return s.DeleteAlarm(ctx)
}

func (s *SeriesStore) SetAlarm(ctx context.Context, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tracker_alarms (series_key, fire_at, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (series_key)
		DO UPDATE SET fire_at = EXCLUDED.fire_at, updated_at = now()`,
		s.seriesKey, at.UTC())
	if err != nil {
		return fmt.Errorf("set alarm %s: %w", s.seriesKey, err)
	}
	return nil
}

func (s *SeriesStore) GetAlarm(ctx context.Context) (time.Time, error) {
	var at time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT fire_at FROM tracker_alarms WHERE series_key = $1`, s.seriesKey).Scan(&at)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get alarm %s: %w", s.seriesKey, err)
	}
	return at, nil
}

func (s *SeriesStore) DeleteAlarm(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM tracker_alarms WHERE series_key = $1`, s.seriesKey); err != nil {
		return fmt.Errorf("delete alarm %s: %w", s.seriesKey, err)
	}
	return nil
}
