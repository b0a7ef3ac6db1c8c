// Package dbusnotify watches the session/system bus for two signals
// this daemon cares about: a default-printer change broadcast by the
// desktop print settings applet, and the Avahi daemon's presence on
// the bus (for the Avahi-bound auto-shutdown variant), per spec.md
// §4.7's default-printer tracking and §4.9's Avahi-bound mode.
package dbusnotify

import (
	"context"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"

	"cups-browsed-go/internal/logging"
)

const (
	avahiBusName = "org.freedesktop.Avahi"

	printerAppletInterface = "org.cups.cupsd.Notifier"
	defaultPrinterChanged  = "PrinterStateChanged" // generic; default-ness is inspected by the caller
)

// Watcher owns a connection to the D-Bus daemon and fans incoming
// signals out to the callbacks the caller registers.
type Watcher struct {
	OnDefaultPrinterChanged func(printerURI string)
	OnAvahiPresenceChanged  func(present bool)

	conn *dbus.Conn
}

// New connects to the session bus (where desktop notifier signals are
// broadcast) and returns a Watcher ready to Run.
func New() (*Watcher, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, err
	}
	return &Watcher{conn: conn}, nil
}

// Close releases the bus connection.
func (w *Watcher) Close() error {
	if w.conn == nil {
		return nil
	}
	return w.conn.Close()
}

// Run subscribes to the signals this daemon needs and dispatches them
// to the registered callbacks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	log := logging.Component("dbusnotify")

	if err := w.conn.AddMatchSignal(
		dbus.WithMatchInterface(printerAppletInterface),
	); err != nil {
		return err
	}
	if err := w.conn.AddMatchSignal(
		dbus.WithMatchInterface("org.freedesktop.DBus"),
		dbus.WithMatchMember("NameOwnerChanged"),
	); err != nil {
		return err
	}

	signals := make(chan *dbus.Signal, 16)
	w.conn.Signal(signals)
	defer w.conn.RemoveSignal(signals)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok {
				return nil
			}
			w.dispatch(sig, log)
		}
	}
}

func (w *Watcher) dispatch(sig *dbus.Signal, log zerolog.Logger) {
	log.Debug().Str("signal", sig.Name).Msg("received bus signal")
	switch sig.Name {
	case "org.freedesktop.DBus.NameOwnerChanged":
		w.handleNameOwnerChanged(sig)
	case printerAppletInterface + "." + defaultPrinterChanged,
		printerAppletInterface + ".PrinterAdded",
		printerAppletInterface + ".PrinterDeleted":
		if w.OnDefaultPrinterChanged != nil && len(sig.Body) > 0 {
			if uri, ok := sig.Body[0].(string); ok {
				w.OnDefaultPrinterChanged(uri)
			}
		}
	}
}

func (w *Watcher) handleNameOwnerChanged(sig *dbus.Signal) {
	if len(sig.Body) < 3 {
		return
	}
	name, ok := sig.Body[0].(string)
	if !ok || name != avahiBusName {
		return
	}
	newOwner, _ := sig.Body[2].(string)
	if w.OnAvahiPresenceChanged != nil {
		w.OnAvahiPresenceChanged(newOwner != "")
	}
}
