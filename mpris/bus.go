package mpris

import (
	"github.com/godbus/dbus/v5"
)

// Bus abstracts the D-Bus operations the monitor depends on, so the monitor
// can be exercised against a fake bus in tests.
type Bus interface {
	Close() error

	AddMatchSignal(options ...dbus.MatchOption) error
	RemoveMatchSignal(options ...dbus.MatchOption) error

	// Signal registers a channel to receive bus signals.
	Signal(ch chan<- *dbus.Signal)
	RemoveSignal(ch chan<- *dbus.Signal)

	// ListNames returns all well-known names currently owned on the bus.
	ListNames() ([]string, error)

	// GetNameOwner returns the unique name owning the given well-known name.
	GetNameOwner(name string) (string, error)

	// GetProperty reads a property from a bus object, prop is the fully
	// qualified property name (e.g. "org.mpris.MediaPlayer2.Player.Metadata").
	GetProperty(dest, path, prop string) (dbus.Variant, error)

	// Call invokes a method on a bus object and waits for the reply.
	Call(dest, path, method string, args ...any) error
}

// SessionBusClient is the concrete Bus backed by the D-Bus session bus.
type SessionBusClient struct {
	conn *dbus.Conn
}

func NewSessionBus() (*SessionBusClient, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, err
	}
	return &SessionBusClient{conn: conn}, nil
}

func (b *SessionBusClient) Close() error {
	return b.conn.Close()
}

func (b *SessionBusClient) AddMatchSignal(options ...dbus.MatchOption) error {
	return b.conn.AddMatchSignal(options...)
}

func (b *SessionBusClient) RemoveMatchSignal(options ...dbus.MatchOption) error {
	return b.conn.RemoveMatchSignal(options...)
}

func (b *SessionBusClient) Signal(ch chan<- *dbus.Signal) {
	b.conn.Signal(ch)
}

func (b *SessionBusClient) RemoveSignal(ch chan<- *dbus.Signal) {
	b.conn.RemoveSignal(ch)
}

func (b *SessionBusClient) ListNames() ([]string, error) {
	var names []string
	err := b.conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names)
	return names, err
}

func (b *SessionBusClient) GetNameOwner(name string) (string, error) {
	var owner string
	err := b.conn.BusObject().Call("org.freedesktop.DBus.GetNameOwner", 0, name).Store(&owner)
	return owner, err
}

func (b *SessionBusClient) GetProperty(dest, path, prop string) (dbus.Variant, error) {
	return b.conn.Object(dest, dbus.ObjectPath(path)).GetProperty(prop)
}

func (b *SessionBusClient) Call(dest, path, method string, args ...any) error {
	return b.conn.Object(dest, dbus.ObjectPath(path)).Call(method, 0, args...).Err
}
