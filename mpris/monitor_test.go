//go:build test_unit

package mpris_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	bridge "github.com/devgianlu/go-mpris-bridge"
	"github.com/devgianlu/go-mpris-bridge/mpris"
)

const (
	vlcName     = "org.mpris.MediaPlayer2.vlc"
	vlcOwner    = ":1.42"
	playerIface = "org.mpris.MediaPlayer2.Player"
	artBase     = "http://localhost:8766"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeCall struct {
	dest   string
	method string
	args   []any
}

// fakeBus implements mpris.Bus in memory.
type fakeBus struct {
	mu sync.Mutex

	names  []string
	owners map[string]string
	props  map[string]map[string]dbus.Variant // dest -> qualified property -> value

	matchAdds    int
	matchRemoves int
	signalCh     chan<- *dbus.Signal
	calls        []fakeCall
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		owners: map[string]string{},
		props:  map[string]map[string]dbus.Variant{},
	}
}

func (b *fakeBus) setPlayer(name, owner string, props map[string]dbus.Variant) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.owners[name] = owner
	b.props[name] = props
}

func (b *fakeBus) setProperty(name, prop string, v dbus.Variant) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.props[name][prop] = v
}

func (b *fakeBus) emit(sig *dbus.Signal) {
	b.mu.Lock()
	ch := b.signalCh
	b.mu.Unlock()
	ch <- sig
}

func (b *fakeBus) recordedCalls() []fakeCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]fakeCall, len(b.calls))
	copy(out, b.calls)
	return out
}

func (b *fakeBus) Close() error { return nil }

func (b *fakeBus) AddMatchSignal(options ...dbus.MatchOption) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.matchAdds++
	return nil
}

func (b *fakeBus) RemoveMatchSignal(options ...dbus.MatchOption) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.matchRemoves++
	return nil
}

func (b *fakeBus) Signal(ch chan<- *dbus.Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.signalCh = ch
}

func (b *fakeBus) RemoveSignal(ch chan<- *dbus.Signal) {}

func (b *fakeBus) ListNames() ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.names, nil
}

func (b *fakeBus) GetNameOwner(name string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if owner, ok := b.owners[name]; ok {
		return owner, nil
	}
	return "", errors.New("no such name")
}

func (b *fakeBus) GetProperty(dest, path, prop string) (dbus.Variant, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if props, ok := b.props[dest]; ok {
		if v, ok := props[prop]; ok {
			return v, nil
		}
	}
	return dbus.Variant{}, errors.New("no such property")
}

func (b *fakeBus) Call(dest, path, method string, args ...any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, fakeCall{dest: dest, method: method, args: args})
	return nil
}

type updateRecorder struct {
	mu      sync.Mutex
	updates []map[string]bridge.TrackInfo
}

func (r *updateRecorder) record(s map[string]bridge.TrackInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, s)
}

func (r *updateRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

func newMonitor(bus *fakeBus) (*mpris.Monitor, *updateRecorder) {
	mon := mpris.NewMonitor(bus, artBase, 50*time.Millisecond)
	rec := &updateRecorder{}
	mon.OnUpdate(rec.record)
	return mon, rec
}

func TestAddPlayerDefaults(t *testing.T) {
	bus := newFakeBus()
	bus.setPlayer(vlcName, vlcOwner, map[string]dbus.Variant{
		playerIface + ".Metadata": dbus.MakeVariant(map[string]dbus.Variant{}),
	})

	mon, rec := newMonitor(bus)
	mon.AddPlayer(vlcName)

	snapshot := mon.Snapshot()
	require.Contains(t, snapshot, vlcName)

	info := snapshot[vlcName]
	assert.Equal(t, "Unknown Title", info.Title)
	assert.Equal(t, []string{"Unknown Artist"}, info.Artist)
	assert.Equal(t, "Unknown Album", info.Album)
	assert.Equal(t, artBase+"/art/"+vlcName, info.ArtUrl)
	assert.Equal(t, "", info.TrackId)
	assert.Equal(t, int64(0), info.Length)
	assert.Equal(t, int64(0), info.Position)
	assert.Equal(t, bridge.Unknown, info.Status)
	assert.Equal(t, bridge.LoopNone, info.Loop)
	assert.False(t, info.Shuffle)

	assert.Equal(t, 1, rec.count())
}

func TestRefreshNormalization(t *testing.T) {
	bus := newFakeBus()
	bus.setPlayer(vlcName, vlcOwner, map[string]dbus.Variant{
		playerIface + ".Metadata": dbus.MakeVariant(map[string]dbus.Variant{
			"xesam:title":   dbus.MakeVariant("Song"),
			"xesam:artist":  dbus.MakeVariant([]string{"Band"}),
			"xesam:album":   dbus.MakeVariant("Album"),
			"mpris:trackid": dbus.MakeVariant(dbus.ObjectPath("/org/videolan/vlc/1")),
			"mpris:length":  dbus.MakeVariant(int64(180000000)),
		}),
		playerIface + ".Position":       dbus.MakeVariant(int64(1999)),
		playerIface + ".PlaybackStatus": dbus.MakeVariant("Playing"),
	})

	mon, _ := newMonitor(bus)
	mon.AddPlayer(vlcName)

	info := mon.Snapshot()[vlcName]
	assert.Equal(t, "Song", info.Title)
	assert.Equal(t, []string{"Band"}, info.Artist)
	assert.Equal(t, "/org/videolan/vlc/1", info.TrackId)
	assert.Equal(t, int64(180000), info.Length)
	assert.Equal(t, int64(1), info.Position, "microseconds must truncate to milliseconds")
	assert.Equal(t, bridge.Playing, info.Status)
	assert.Equal(t, artBase+"/art/"+vlcName, info.ArtUrl)
}

func TestArtURLRewrite(t *testing.T) {
	tests := []struct {
		name   string
		artUrl string
		want   string
	}{
		{name: "remote url passes through", artUrl: "https://example.com/cover.jpg", want: "https://example.com/cover.jpg"},
		{name: "file url is redirected", artUrl: "file:///tmp/cover.jpg", want: artBase + "/art/" + vlcName},
		{name: "empty url is redirected", artUrl: "", want: artBase + "/art/" + vlcName},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := newFakeBus()
			metadata := map[string]dbus.Variant{}
			if tt.artUrl != "" {
				metadata["mpris:artUrl"] = dbus.MakeVariant(tt.artUrl)
			}
			bus.setPlayer(vlcName, vlcOwner, map[string]dbus.Variant{
				playerIface + ".Metadata": dbus.MakeVariant(metadata),
			})

			mon, _ := newMonitor(bus)
			mon.AddPlayer(vlcName)

			assert.Equal(t, tt.want, mon.Snapshot()[vlcName].ArtUrl)
		})
	}
}

func TestCapabilityProbe(t *testing.T) {
	bus := newFakeBus()
	bus.setPlayer(vlcName, vlcOwner, map[string]dbus.Variant{
		playerIface + ".Metadata":   dbus.MakeVariant(map[string]dbus.Variant{}),
		playerIface + ".LoopStatus": dbus.MakeVariant("Playlist"),
		playerIface + ".Shuffle":    dbus.MakeVariant(true),
	})

	mon, _ := newMonitor(bus)
	mon.AddPlayer(vlcName)

	info := mon.Snapshot()[vlcName]
	assert.Equal(t, bridge.LoopPlaylist, info.Loop)
	assert.True(t, info.Shuffle)
}

func TestAddPlayerIdempotent(t *testing.T) {
	bus := newFakeBus()
	bus.setPlayer(vlcName, vlcOwner, map[string]dbus.Variant{
		playerIface + ".Metadata": dbus.MakeVariant(map[string]dbus.Variant{}),
	})

	mon, rec := newMonitor(bus)
	mon.AddPlayer(vlcName)
	mon.AddPlayer(vlcName)

	assert.Len(t, mon.Snapshot(), 1)
	assert.Equal(t, 1, bus.matchAdds, "second add must not subscribe again")
	assert.Equal(t, 1, rec.count())
}

func TestRemovePlayer(t *testing.T) {
	bus := newFakeBus()
	bus.setPlayer(vlcName, vlcOwner, map[string]dbus.Variant{
		playerIface + ".Metadata": dbus.MakeVariant(map[string]dbus.Variant{}),
	})

	mon, rec := newMonitor(bus)
	mon.AddPlayer(vlcName)
	require.Equal(t, 1, rec.count())

	mon.RemovePlayer(vlcName)
	assert.Empty(t, mon.Snapshot())
	assert.Equal(t, 1, bus.matchRemoves, "removal must cancel the property subscription")
	assert.Equal(t, 2, rec.count(), "removal must emit an update")

	// removing again is a no-op
	mon.RemovePlayer(vlcName)
	assert.Equal(t, 1, bus.matchRemoves)
	assert.Equal(t, 2, rec.count())
}

func TestRefreshEmitsOnlyOnChange(t *testing.T) {
	bus := newFakeBus()
	bus.setPlayer(vlcName, vlcOwner, map[string]dbus.Variant{
		playerIface + ".Metadata":       dbus.MakeVariant(map[string]dbus.Variant{}),
		playerIface + ".PlaybackStatus": dbus.MakeVariant("Paused"),
	})

	mon, rec := newMonitor(bus)
	mon.AddPlayer(vlcName)
	require.Equal(t, 1, rec.count())

	mon.Refresh()
	assert.Equal(t, 1, rec.count(), "unchanged snapshot must not be re-emitted")

	bus.setProperty(vlcName, playerIface+".PlaybackStatus", dbus.MakeVariant("Playing"))
	mon.Refresh()
	assert.Equal(t, 2, rec.count())
	assert.Equal(t, bridge.Playing, mon.Snapshot()[vlcName].Status)
}

func TestDispatch(t *testing.T) {
	bus := newFakeBus()
	bus.setPlayer(vlcName, vlcOwner, map[string]dbus.Variant{
		playerIface + ".Metadata": dbus.MakeVariant(map[string]dbus.Variant{}),
	})

	mon, _ := newMonitor(bus)
	mon.AddPlayer(vlcName)

	mon.Dispatch(vlcName, "play", 0)
	mon.Dispatch(vlcName, "seek", 5)

	calls := bus.recordedCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, playerIface+".Play", calls[0].method)
	assert.Equal(t, playerIface+".Seek", calls[1].method)
	require.Len(t, calls[1].args, 1)
	assert.Equal(t, int64(5000000), calls[1].args[0], "seconds on the wire become microseconds on the bus")
}

func TestDispatchSetPosition(t *testing.T) {
	bus := newFakeBus()
	bus.setPlayer(vlcName, vlcOwner, map[string]dbus.Variant{
		playerIface + ".Metadata": dbus.MakeVariant(map[string]dbus.Variant{}),
	})

	mon, _ := newMonitor(bus)
	mon.AddPlayer(vlcName)

	// no track id known: fall back to the root object path
	mon.Dispatch(vlcName, "position", 2)

	calls := bus.recordedCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, playerIface+".SetPosition", calls[0].method)
	require.Len(t, calls[0].args, 2)
	assert.Equal(t, dbus.ObjectPath("/"), calls[0].args[0])
	assert.Equal(t, int64(2000000), calls[0].args[1])

	bus.setProperty(vlcName, playerIface+".Metadata", dbus.MakeVariant(map[string]dbus.Variant{
		"mpris:trackid": dbus.MakeVariant(dbus.ObjectPath("/org/videolan/vlc/7")),
	}))
	mon.Refresh()
	mon.Dispatch(vlcName, "position", 2)

	calls = bus.recordedCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, dbus.ObjectPath("/org/videolan/vlc/7"), calls[1].args[0])
}

func TestDispatchUnknownPlayerNoop(t *testing.T) {
	bus := newFakeBus()
	mon, _ := newMonitor(bus)

	mon.Dispatch("org.mpris.MediaPlayer2.gone", "play", 0)
	assert.Empty(t, bus.recordedCalls())
}

func TestDispatchUnknownCommandNoop(t *testing.T) {
	bus := newFakeBus()
	bus.setPlayer(vlcName, vlcOwner, map[string]dbus.Variant{
		playerIface + ".Metadata": dbus.MakeVariant(map[string]dbus.Variant{}),
	})

	mon, _ := newMonitor(bus)
	mon.AddPlayer(vlcName)

	mon.Dispatch(vlcName, "selfdestruct", 0)
	assert.Empty(t, bus.recordedCalls())
}

func TestRawArtURL(t *testing.T) {
	bus := newFakeBus()
	bus.setPlayer(vlcName, vlcOwner, map[string]dbus.Variant{
		playerIface + ".Metadata": dbus.MakeVariant(map[string]dbus.Variant{
			"mpris:artUrl": dbus.MakeVariant("file:///tmp/cover.jpg"),
		}),
	})

	mon, _ := newMonitor(bus)

	artUrl, err := mon.RawArtURL(vlcName)
	require.NoError(t, err)
	assert.Equal(t, "file:///tmp/cover.jpg", artUrl)

	_, err = mon.RawArtURL("org.mpris.MediaPlayer2.gone")
	assert.Error(t, err)
}

func TestPresenceTracking(t *testing.T) {
	bus := newFakeBus()
	bus.mu.Lock()
	bus.names = []string{"org.freedesktop.DBus", vlcName}
	bus.mu.Unlock()
	bus.setPlayer(vlcName, vlcOwner, map[string]dbus.Variant{
		playerIface + ".Metadata": dbus.MakeVariant(map[string]dbus.Variant{}),
	})

	mon, rec := newMonitor(bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, mon.Start(ctx))

	require.Contains(t, mon.Snapshot(), vlcName)

	// a second player appears on the bus
	const spotifyName = "org.mpris.MediaPlayer2.spotify"
	const spotifyOwner = ":1.77"
	bus.setPlayer(spotifyName, spotifyOwner, map[string]dbus.Variant{
		playerIface + ".Metadata": dbus.MakeVariant(map[string]dbus.Variant{
			"xesam:title": dbus.MakeVariant("Tune"),
		}),
	})
	bus.emit(&dbus.Signal{
		Name: "org.freedesktop.DBus.NameOwnerChanged",
		Body: []any{spotifyName, "", spotifyOwner},
	})

	require.Eventually(t, func() bool {
		_, ok := mon.Snapshot()[spotifyName]
		return ok
	}, time.Second, 10*time.Millisecond)

	// and disappears again
	bus.emit(&dbus.Signal{
		Name: "org.freedesktop.DBus.NameOwnerChanged",
		Body: []any{spotifyName, spotifyOwner, ""},
	})

	require.Eventually(t, func() bool {
		_, ok := mon.Snapshot()[spotifyName]
		return !ok
	}, time.Second, 10*time.Millisecond)

	// a late property change from the removed player must be ignored
	emitted := rec.count()
	bus.emit(&dbus.Signal{
		Name:   "org.freedesktop.DBus.Properties.PropertiesChanged",
		Sender: spotifyOwner,
		Body:   []any{playerIface, map[string]dbus.Variant{"PlaybackStatus": dbus.MakeVariant("Playing")}, []string{}},
	})

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, emitted, rec.count())
}

func TestPropertiesChangedTriggersRefresh(t *testing.T) {
	bus := newFakeBus()
	bus.mu.Lock()
	bus.names = []string{vlcName}
	bus.mu.Unlock()
	bus.setPlayer(vlcName, vlcOwner, map[string]dbus.Variant{
		playerIface + ".Metadata": dbus.MakeVariant(map[string]dbus.Variant{}),
	})

	mon, _ := newMonitor(bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, mon.Start(ctx))

	bus.setProperty(vlcName, playerIface+".Metadata", dbus.MakeVariant(map[string]dbus.Variant{
		"xesam:title": dbus.MakeVariant("New Song"),
	}))
	bus.emit(&dbus.Signal{
		Name:   "org.freedesktop.DBus.Properties.PropertiesChanged",
		Sender: vlcOwner,
		Body:   []any{playerIface, map[string]dbus.Variant{"Metadata": dbus.MakeVariant(map[string]dbus.Variant{})}, []string{}},
	})

	require.Eventually(t, func() bool {
		return mon.Snapshot()[vlcName].Title == "New Song"
	}, time.Second, 10*time.Millisecond)

	// volume changes and the like do not trigger a refresh
	bus.setProperty(vlcName, playerIface+".Metadata", dbus.MakeVariant(map[string]dbus.Variant{
		"xesam:title": dbus.MakeVariant("Newer Song"),
	}))
	bus.emit(&dbus.Signal{
		Name:   "org.freedesktop.DBus.Properties.PropertiesChanged",
		Sender: vlcOwner,
		Body:   []any{playerIface, map[string]dbus.Variant{"Volume": dbus.MakeVariant(0.5)}, []string{}},
	})

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, "New Song", mon.Snapshot()[vlcName].Title)
}
