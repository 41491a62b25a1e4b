package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/scrimtrack/scrimtrack/identity"
)

// AssociationStore is the Postgres-backed identity.AssociationStore.
type AssociationStore struct {
	db *sql.DB
}

func NewAssociationStore(database *sql.DB) *AssociationStore {
	return &AssociationStore{db: database}
}

// GetAll fetches stored associations for the given Discord user ids. Users
// with no association are simply absent from the result.
func (s *AssociationStore) GetAll(ctx context.Context, discordUserIDs []string) (map[string]identity.Association, error) {
	out := make(map[string]identity.Association, len(discordUserIDs))
	if len(discordUserIDs) == 0 {
		return out, nil
	}

	// Array binding keeps this a single round trip regardless of roster size.
	rows, err := s.db.QueryContext(ctx, `
		SELECT discord_user_id, xuid, retrievability, reason, last_searched_name, associated_at
		FROM identity_associations
		WHERE discord_user_id = ANY($1)`, discordUserIDs)
	if err != nil {
		return nil, fmt.Errorf("get associations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var a identity.Association
		if err := rows.Scan(&a.DiscordUserID, &a.XUID, &a.Retrievability, &a.Reason, &a.LastSearchedName, &a.AssociatedAt); err != nil {
			return nil, fmt.Errorf("scan association: %w", err)
		}
		out[a.DiscordUserID] = a
	}
	return out, rows.Err()
}

// Upsert writes one association, replacing any previous record for the user.
func (s *AssociationStore) Upsert(ctx context.Context, a identity.Association) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO identity_associations (discord_user_id, xuid, retrievability, reason, last_searched_name, associated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (discord_user_id)
		DO UPDATE SET
			xuid = EXCLUDED.xuid,
			retrievability = EXCLUDED.retrievability,
			reason = EXCLUDED.reason,
			last_searched_name = EXCLUDED.last_searched_name,
			associated_at = EXCLUDED.associated_at`,
		a.DiscordUserID, a.XUID, string(a.Retrievability), string(a.Reason), a.LastSearchedName, a.AssociatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert association: %w", err)
	}
	return nil
}
