// Package reactions derives display aggregates from a message's raw
// reaction set and owns the toggle rule shared by the optimistic path and
// the reference server.
package reactions

import (
	"time"

	"chatsync/internal/domain"
)

// Group is aggregated reaction info for one emoji.
type Group struct {
	Emoji   string   `json:"emoji"`
	Count   int      `json:"count"`
	UserIDs []string `json:"user_ids"`
}

// Aggregate folds a flat reaction list into per-emoji groups. Groups appear
// in first-seen order among the raw list so the UI does not reshuffle on
// every toggle. The result is always rebuilt, never mutated in place.
func Aggregate(rs []domain.Reaction) []Group {
	var groups []Group
	index := make(map[string]int, len(rs))
	for _, r := range rs {
		i, ok := index[r.Emoji]
		if !ok {
			index[r.Emoji] = len(groups)
			groups = append(groups, Group{Emoji: r.Emoji})
			i = len(groups) - 1
		}
		groups[i].Count++
		groups[i].UserIDs = append(groups[i].UserIDs, r.UserID)
	}
	return groups
}

// Toggle applies the reaction rule for userID pressing emoji against the
// current set: the same emoji removes the user's reaction, a different emoji
// replaces it (a user holds at most one reaction per message). Returns the
// new set; the input is not modified.
func Toggle(rs []domain.Reaction, userID, emoji string, now time.Time) []domain.Reaction {
	out := make([]domain.Reaction, 0, len(rs)+1)
	removed := false
	for _, r := range rs {
		if r.UserID == userID {
			if r.Emoji == emoji {
				removed = true
			}
			continue // drop any prior reaction from this user
		}
		out = append(out, r)
	}
	if !removed {
		out = append(out, domain.Reaction{UserID: userID, Emoji: emoji, CreatedAt: now})
	}
	return out
}

// Has reports whether userID currently reacts with emoji in the set.
func Has(rs []domain.Reaction, userID, emoji string) bool {
	for _, r := range rs {
		if r.UserID == userID && r.Emoji == emoji {
			return true
		}
	}
	return false
}
