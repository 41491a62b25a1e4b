package identity

import (
	"context"
	"time"
)

// Retrievability says whether a user's match history can be fetched through
// their associated account.
type Retrievability string

const (
	RetrievableYes     Retrievability = "yes"
	RetrievableNo      Retrievability = "no"
	RetrievableUnknown Retrievability = "unknown"
)

// Reason records how an association was established.
type Reason string

const (
	ReasonUsernameSearch    Reason = "username_search"
	ReasonDisplayNameSearch Reason = "display_name_search"
	// ReasonGameSimilarity associations come from the fuzzy matcher and stay
	// RetrievableUnknown until confirmed by later match participation.
	ReasonGameSimilarity Reason = "game_similarity"
)

// Association is the persisted mapping from a Discord user to a game account.
type Association struct {
	DiscordUserID    string         `json:"discordUserId"`
	XUID             string         `json:"xuid"`
	Retrievability   Retrievability `json:"retrievability"`
	Reason           Reason         `json:"reason"`
	LastSearchedName string         `json:"lastSearchedName,omitempty"`
	AssociatedAt     time.Time      `json:"associationDate"`
}

// Confident reports whether the association can be used without fuzzy
// matching.
func (a *Association) Confident() bool {
	return a.XUID != "" && a.Reason == ReasonUsernameSearch && a.Retrievability == RetrievableYes
}

// AssociationStore persists associations keyed by Discord user id.
// Implemented by db.AssociationStore.
type AssociationStore interface {
	GetAll(ctx context.Context, discordUserIDs []string) (map[string]Association, error)
	Upsert(ctx context.Context, assoc Association) error
}
