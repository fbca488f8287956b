// Command test-virtual is a manual check of the virtual peripheral path.
// It connects to the simulated ESP32-DTC, prints every reading for a few
// seconds, then disconnects and shows that the history was cleared.
//
// Usage:
//
//	go run ./cmd/test-virtual [--payload '{"dtcs":[],"coolant_temp_c":20,"check_engine_light":false}'] [--wait 8s]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fixit/obdlink/internal/ble"
	"github.com/fixit/obdlink/internal/logging"
	"github.com/fixit/obdlink/internal/session"
)

func main() {
	payload := flag.String("payload", "", "custom JSON sent once instead of the default stream")
	wait := flag.Duration("wait", 8*time.Second, "how long to listen before disconnecting")
	flag.Parse()

	slog.SetDefault(logging.New(os.Stderr, slog.LevelDebug, "text"))

	sess := session.New(nil, nil, session.Options{
		Virtual:  ble.DefaultVirtualOptions(),
		TestMode: true,
	})
	defer sess.Close()

	events, unsubscribe := sess.Subscribe()
	defer unsubscribe()

	dev := sess.EnableTestMode()
	fmt.Printf("Connecting to %s (%s)...\n", dev.Name, dev.ID)
	if _, err := sess.Connect(context.Background(), dev, *payload); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	deadline := time.After(*wait)
	for done := false; !done; {
		select {
		case ev := <-events:
			if ev.Type == session.EventMessage {
				fmt.Printf("reading: %s (repaired=%v)\n", ev.Raw, ev.Repaired)
			}
		case <-deadline:
			done = true
		}
	}

	fmt.Printf("History before disconnect: %d message(s)\n", len(sess.History()))
	sess.Disconnect()
	fmt.Printf("History after disconnect:  %d message(s), state %s\n", len(sess.History()), sess.State())
	fmt.Println("\nDone!")
}
