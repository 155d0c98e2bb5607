package mpris

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/godbus/dbus/v5"
	log "github.com/sirupsen/logrus"

	bridge "github.com/devgianlu/go-mpris-bridge"
)

const (
	busInterface = "org.freedesktop.DBus"

	playerPrefix    = "org.mpris.MediaPlayer2."
	playerPath      = "/org/mpris/MediaPlayer2"
	playerInterface = "org.mpris.MediaPlayer2.Player"
	propsInterface  = "org.freedesktop.DBus.Properties"

	// MPRIS reports lengths and positions in microseconds, observers get
	// milliseconds and send command values in seconds.
	usPerMs     = 1000
	usPerSecond = 1_000_000

	addPlayerRetries = 3
)

// playerHandle is the per-player record owned by the monitor: the resolved
// owner, the signal match used for its property subscription and the optional
// capabilities probed once at add time.
type playerHandle struct {
	name  string
	owner string

	hasLoopStatus bool
	hasShuffle    bool

	matchOptions []dbus.MatchOption
}

// Monitor tracks the set of MPRIS players on the bus and keeps a normalized
// TrackInfo snapshot for each of them. It is the only writer of that state.
type Monitor struct {
	bus Bus

	artBase      string
	pollInterval time.Duration

	updateFn func(map[string]bridge.TrackInfo)

	mu      sync.Mutex
	players map[string]*playerHandle
	pending map[string]struct{}
	owners  map[string]string // unique bus name -> well-known name
	infos   map[string]bridge.TrackInfo
	emitted bool

	signals chan *dbus.Signal
}

// NewMonitor creates a monitor on the given bus. artBase is the externally
// reachable base URL of the art server, used when rewriting local art
// references.
func NewMonitor(bus Bus, artBase string, pollInterval time.Duration) *Monitor {
	return &Monitor{
		bus:          bus,
		artBase:      strings.TrimSuffix(artBase, "/"),
		pollInterval: pollInterval,
		players:      map[string]*playerHandle{},
		pending:      map[string]struct{}{},
		owners:       map[string]string{},
		infos:        map[string]bridge.TrackInfo{},
		signals:      make(chan *dbus.Signal, 16),
	}
}

// OnUpdate registers the callback invoked with a copy of the full snapshot
// whenever it changes. Must be set before Start.
func (m *Monitor) OnUpdate(fn func(map[string]bridge.TrackInfo)) {
	m.updateFn = fn
}

// Start subscribes to player presence changes, picks up the players already
// on the bus and launches the signal and poll loops. Both loops stop when ctx
// is cancelled.
func (m *Monitor) Start(ctx context.Context) error {
	if err := m.bus.AddMatchSignal(
		dbus.WithMatchInterface(busInterface),
		dbus.WithMatchMember("NameOwnerChanged"),
		dbus.WithMatchArg0Namespace(strings.TrimSuffix(playerPrefix, ".")),
	); err != nil {
		return fmt.Errorf("failed adding presence match: %w", err)
	}

	m.bus.Signal(m.signals)

	names, err := m.bus.ListNames()
	if err != nil {
		return fmt.Errorf("failed listing bus names: %w", err)
	}

	for _, name := range names {
		if strings.HasPrefix(name, playerPrefix) {
			m.AddPlayer(name)
		}
	}

	go m.signalLoop(ctx)
	go m.pollLoop(ctx)
	return nil
}

// AddPlayer registers a newly appeared player. It is a no-op if the player is
// already tracked. A player that cannot be resolved is dropped, the bus often
// reports a name before the player object is ready, so resolution is retried
// a few times before giving up.
func (m *Monitor) AddPlayer(name string) {
	m.mu.Lock()
	_, tracked := m.players[name]
	_, adding := m.pending[name]
	if tracked || adding {
		m.mu.Unlock()
		return
	}
	m.pending[name] = struct{}{}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.pending, name)
		m.mu.Unlock()
	}()

	var handle *playerHandle
	err := backoff.Retry(func() error {
		var err error
		handle, err = m.resolvePlayer(name)
		return err
	}, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), addPlayerRetries))
	if err != nil {
		log.WithError(err).WithField("player", name).Warn("dropping player that failed to resolve")
		return
	}

	if err := m.bus.AddMatchSignal(handle.matchOptions...); err != nil {
		log.WithError(err).WithField("player", name).Warn("failed subscribing to player properties")
		return
	}

	m.mu.Lock()
	m.players[name] = handle
	m.owners[handle.owner] = name
	m.mu.Unlock()

	log.WithField("player", name).Info("player added")

	m.Refresh()
}

func (m *Monitor) resolvePlayer(name string) (*playerHandle, error) {
	owner, err := m.bus.GetNameOwner(name)
	if err != nil {
		return nil, fmt.Errorf("failed resolving owner of %s: %w", name, err)
	}

	h := &playerHandle{
		name:  name,
		owner: owner,
		matchOptions: []dbus.MatchOption{
			dbus.WithMatchSender(name),
			dbus.WithMatchObjectPath(playerPath),
			dbus.WithMatchInterface(propsInterface),
			dbus.WithMatchMember("PropertiesChanged"),
		},
	}

	// One-time capability probe: a failing read means the player does not
	// implement the optional property.
	if _, err := m.bus.GetProperty(name, playerPath, playerInterface+".LoopStatus"); err == nil {
		h.hasLoopStatus = true
	}
	if _, err := m.bus.GetProperty(name, playerPath, playerInterface+".Shuffle"); err == nil {
		h.hasShuffle = true
	}

	return h, nil
}

// RemovePlayer drops a disappeared player. The property subscription is
// cancelled before the state is deleted so a late signal never resurrects the
// player. No-op if the player is not tracked.
func (m *Monitor) RemovePlayer(name string) {
	m.mu.Lock()
	h, ok := m.players[name]
	m.mu.Unlock()
	if !ok {
		return
	}

	if err := m.bus.RemoveMatchSignal(h.matchOptions...); err != nil {
		log.WithError(err).WithField("player", name).Debug("failed removing property match")
	}

	m.mu.Lock()
	if _, ok := m.players[name]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.players, name)
	delete(m.owners, h.owner)
	delete(m.infos, name)
	m.mu.Unlock()

	log.WithField("player", name).Info("player removed")

	m.emit()
}

// Refresh recomputes the TrackInfo of every tracked player and emits the full
// snapshot if anything changed since the last emission (or nothing was ever
// emitted). Property reads happen off the lock, one player's failure only
// degrades its own record.
func (m *Monitor) Refresh() {
	m.mu.Lock()
	handles := make([]*playerHandle, 0, len(m.players))
	for _, h := range m.players {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	fresh := make(map[string]bridge.TrackInfo, len(handles))
	for _, h := range handles {
		fresh[h.name] = m.trackInfo(h)
	}

	m.mu.Lock()
	changed := !m.emitted
	for name, info := range fresh {
		if _, ok := m.players[name]; !ok {
			// removed while we were reading
			continue
		}
		if prev, ok := m.infos[name]; !ok || !prev.Equal(info) {
			changed = true
		}
		m.infos[name] = info
	}
	if !changed {
		m.mu.Unlock()
		return
	}
	snapshot := m.snapshotLocked()
	m.emitted = true
	fn := m.updateFn
	m.mu.Unlock()

	if fn != nil {
		fn(snapshot)
	}
}

// Snapshot returns a copy of the current full snapshot.
func (m *Monitor) Snapshot() map[string]bridge.TrackInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Monitor) snapshotLocked() map[string]bridge.TrackInfo {
	snapshot := make(map[string]bridge.TrackInfo, len(m.infos))
	for name, info := range m.infos {
		snapshot[name] = info
	}
	return snapshot
}

// emit sends the current snapshot unconditionally.
func (m *Monitor) emit() {
	m.mu.Lock()
	snapshot := m.snapshotLocked()
	m.emitted = true
	fn := m.updateFn
	m.mu.Unlock()

	if fn != nil {
		fn(snapshot)
	}
}

// Dispatch forwards a playback command to the named player. Commands racing
// a disappearing player are expected, an unknown player (or command) is a
// silent no-op. Seek and position values are seconds on the wire and
// microseconds on the bus.
func (m *Monitor) Dispatch(name, cmd string, value float64) {
	m.mu.Lock()
	h, ok := m.players[name]
	var trackId string
	if ok {
		trackId = m.infos[name].TrackId
	}
	m.mu.Unlock()
	if !ok {
		log.WithField("player", name).Debug("dropping command for unknown player")
		return
	}

	var err error
	switch cmd {
	case "play":
		err = m.call(h, "Play")
	case "pause":
		err = m.call(h, "Pause")
	case "playpause":
		err = m.call(h, "PlayPause")
	case "next":
		err = m.call(h, "Next")
	case "prev":
		err = m.call(h, "Previous")
	case "stop":
		err = m.call(h, "Stop")
	case "seek":
		err = m.call(h, "Seek", int64(value*usPerSecond))
	case "position":
		if trackId == "" {
			trackId = "/"
		}
		err = m.call(h, "SetPosition", dbus.ObjectPath(trackId), int64(value*usPerSecond))
	default:
		log.WithField("cmd", cmd).Debug("ignoring unknown command")
		return
	}

	if err != nil {
		log.WithError(err).WithFields(log.Fields{"player": name, "cmd": cmd}).Warn("failed dispatching command")
	}
}

func (m *Monitor) call(h *playerHandle, method string, args ...any) error {
	return m.bus.Call(h.name, playerPath, playerInterface+"."+method, args...)
}

// RawArtURL reads the player's art reference live from the bus, bypassing
// the cached snapshot so the art server never serves stale artwork.
func (m *Monitor) RawArtURL(name string) (string, error) {
	v, err := m.bus.GetProperty(name, playerPath, playerInterface+".Metadata")
	if err != nil {
		return "", fmt.Errorf("failed reading metadata of %s: %w", name, err)
	}

	metadata, ok := v.Value().(map[string]dbus.Variant)
	if !ok {
		return "", fmt.Errorf("unexpected metadata type of %s", name)
	}

	artUrl, _ := metadata["mpris:artUrl"].Value().(string)
	return artUrl, nil
}

func (m *Monitor) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Position is not pushed by the bus, so it must be sampled. Idle
			// players have nothing moving and are not worth polling.
			if m.anyPlaying() {
				m.Refresh()
			}
		}
	}
}

func (m *Monitor) anyPlaying() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, info := range m.infos {
		if info.Status == bridge.Playing {
			return true
		}
	}
	return false
}

func (m *Monitor) signalLoop(ctx context.Context) {
	defer m.bus.RemoveSignal(m.signals)

	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-m.signals:
			if !ok {
				return
			} else if sig == nil {
				continue
			}

			switch sig.Name {
			case busInterface + ".NameOwnerChanged":
				m.handleNameOwnerChanged(sig)
			case propsInterface + ".PropertiesChanged":
				m.handlePropertiesChanged(sig)
			}
		}
	}
}

func (m *Monitor) handleNameOwnerChanged(sig *dbus.Signal) {
	if len(sig.Body) < 3 {
		return
	}

	name, ok := sig.Body[0].(string)
	if !ok || !strings.HasPrefix(name, playerPrefix) {
		return
	}

	oldOwner, _ := sig.Body[1].(string)
	newOwner, _ := sig.Body[2].(string)

	switch {
	case newOwner != "" && oldOwner == "":
		// resolution may retry with backoff, keep the signal loop free
		go m.AddPlayer(name)
	case newOwner == "" && oldOwner != "":
		m.RemovePlayer(name)
	case newOwner != "" && oldOwner != "":
		m.mu.Lock()
		if h, ok := m.players[name]; ok {
			delete(m.owners, h.owner)
			h.owner = newOwner
			m.owners[newOwner] = name
		}
		m.mu.Unlock()
	}
}

func (m *Monitor) handlePropertiesChanged(sig *dbus.Signal) {
	if len(sig.Body) < 2 {
		return
	}

	iface, ok := sig.Body[0].(string)
	if !ok || iface != playerInterface {
		return
	}

	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return
	}

	m.mu.Lock()
	_, known := m.owners[sig.Sender]
	m.mu.Unlock()
	if !known {
		// late signal from a player that was already removed
		return
	}

	if _, ok := changed["PlaybackStatus"]; ok {
		m.Refresh()
		return
	}
	if _, ok := changed["Metadata"]; ok {
		m.Refresh()
	}
}

// trackInfo reads and normalizes the current state of one player. Every read
// is best-effort: failures degrade to the documented defaults instead of
// propagating.
func (m *Monitor) trackInfo(h *playerHandle) bridge.TrackInfo {
	info := bridge.DefaultTrackInfo()

	if v, err := m.bus.GetProperty(h.name, playerPath, playerInterface+".Metadata"); err == nil {
		if metadata, ok := v.Value().(map[string]dbus.Variant); ok {
			applyMetadata(&info, metadata)
		}
	}
	info.ArtUrl = m.wrapArtURL(info.ArtUrl, h.name)

	if v, err := m.bus.GetProperty(h.name, playerPath, playerInterface+".Position"); err == nil {
		if us, ok := asInt64(v.Value()); ok {
			info.Position = us / usPerMs
		}
	}

	if v, err := m.bus.GetProperty(h.name, playerPath, playerInterface+".PlaybackStatus"); err == nil {
		if s, ok := v.Value().(string); ok {
			info.Status = bridge.ParsePlaybackStatus(s)
		}
	}

	if h.hasLoopStatus {
		if v, err := m.bus.GetProperty(h.name, playerPath, playerInterface+".LoopStatus"); err == nil {
			if s, ok := v.Value().(string); ok {
				info.Loop = bridge.ParseLoopStatus(s)
			}
		}
	}

	if h.hasShuffle {
		if v, err := m.bus.GetProperty(h.name, playerPath, playerInterface+".Shuffle"); err == nil {
			if b, ok := v.Value().(bool); ok {
				info.Shuffle = b
			}
		}
	}

	return info
}

// wrapArtURL keeps remote art references as-is and replaces local (or
// missing) ones with a redirect to the art server, observers never need
// access to this host's filesystem.
func (m *Monitor) wrapArtURL(artUrl, player string) string {
	if artUrl == "" || strings.HasPrefix(artUrl, "file://") {
		return m.artBase + "/art/" + player
	}
	return artUrl
}

func applyMetadata(info *bridge.TrackInfo, metadata map[string]dbus.Variant) {
	if v, ok := metadata["xesam:title"]; ok {
		if title, ok := v.Value().(string); ok {
			info.Title = title
		}
	}

	if v, ok := metadata["xesam:artist"]; ok {
		if artists := asStringSlice(v.Value()); len(artists) > 0 {
			info.Artist = artists
		}
	}

	if v, ok := metadata["xesam:album"]; ok {
		if album, ok := v.Value().(string); ok {
			info.Album = album
		}
	}

	if v, ok := metadata["mpris:artUrl"]; ok {
		if artUrl, ok := v.Value().(string); ok {
			info.ArtUrl = artUrl
		}
	}

	if v, ok := metadata["mpris:trackid"]; ok {
		switch id := v.Value().(type) {
		case dbus.ObjectPath:
			info.TrackId = string(id)
		case string:
			info.TrackId = id
		}
	}

	if v, ok := metadata["mpris:length"]; ok {
		if us, ok := asInt64(v.Value()); ok {
			info.Length = us / usPerMs
		}
	}
}

// asInt64 widens the integer types non-compliant players are known to use
// for microsecond values.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint32:
		return int64(n), true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func asStringSlice(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case string:
		return []string{s}
	case []any:
		var out []string
		for _, it := range s {
			if str, ok := it.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}
