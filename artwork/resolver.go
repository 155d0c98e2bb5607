package artwork

import (
	"net/url"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// ArtSource provides the live art reference of a player, read from the bus
// rather than from a cached snapshot.
type ArtSource interface {
	RawArtURL(player string) (string, error)
}

// Resolver decides which local file backs a player's art reference.
type Resolver struct {
	source ArtSource
}

func NewResolver(source ArtSource) *Resolver {
	return &Resolver{source: source}
}

// Resolve maps a player name to a local cover art file. A miss is a normal
// outcome, never an error: remote references, unresolvable players and
// missing files all report not found.
func (r *Resolver) Resolve(player string) (string, bool) {
	artUrl, err := r.source.RawArtURL(player)
	if err != nil {
		log.WithError(err).WithField("player", player).Debug("failed reading art reference")
		return "", false
	}

	if !strings.HasPrefix(artUrl, "file://") {
		return "", false
	}

	path := strings.TrimPrefix(artUrl, "file://")
	if unescaped, err := url.PathUnescape(path); err == nil {
		path = unescaped
	}

	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}
