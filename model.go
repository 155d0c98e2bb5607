package go_mpris_bridge

import "slices"

type PlaybackStatus string

const (
	Playing PlaybackStatus = "Playing"
	Paused  PlaybackStatus = "Paused"
	Stopped PlaybackStatus = "Stopped"
	Unknown PlaybackStatus = "Unknown"
)

// ParsePlaybackStatus maps a player-reported status string onto the known
// values, anything unrecognized degrades to Unknown.
func ParsePlaybackStatus(s string) PlaybackStatus {
	switch PlaybackStatus(s) {
	case Playing, Paused, Stopped:
		return PlaybackStatus(s)
	default:
		return Unknown
	}
}

type LoopStatus string

const (
	LoopNone     LoopStatus = "None"
	LoopTrack    LoopStatus = "Track"
	LoopPlaylist LoopStatus = "Playlist"
)

func ParseLoopStatus(s string) LoopStatus {
	switch LoopStatus(s) {
	case LoopTrack, LoopPlaylist:
		return LoopStatus(s)
	default:
		return LoopNone
	}
}

// TrackInfo is the normalized playback snapshot for one player. Every field
// has a defined default so observers never see an absent value, no matter
// how little the player reports.
type TrackInfo struct {
	Title    string         `json:"title"`
	Artist   []string       `json:"artist"`
	Album    string         `json:"album"`
	ArtUrl   string         `json:"artUrl"`
	TrackId  string         `json:"trackid"`
	Length   int64          `json:"length"`   // milliseconds
	Position int64          `json:"position"` // milliseconds
	Status   PlaybackStatus `json:"status"`
	Loop     LoopStatus     `json:"loop"`
	Shuffle  bool           `json:"shuffle"`
}

func DefaultTrackInfo() TrackInfo {
	return TrackInfo{
		Title:  "Unknown Title",
		Artist: []string{"Unknown Artist"},
		Album:  "Unknown Album",
		Status: Unknown,
		Loop:   LoopNone,
	}
}

func (t TrackInfo) Equal(other TrackInfo) bool {
	return t.Title == other.Title &&
		slices.Equal(t.Artist, other.Artist) &&
		t.Album == other.Album &&
		t.ArtUrl == other.ArtUrl &&
		t.TrackId == other.TrackId &&
		t.Length == other.Length &&
		t.Position == other.Position &&
		t.Status == other.Status &&
		t.Loop == other.Loop &&
		t.Shuffle == other.Shuffle
}
