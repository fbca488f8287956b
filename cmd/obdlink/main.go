// Command obdlink scans for an ESP32-DTC OBD-II adapter, connects to it and
// prints each diagnostic reading. Readings can also be published to MQTT,
// journaled to sqlite and served to dashboards over a websocket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fixit/obdlink/internal/ble"
	"github.com/fixit/obdlink/internal/ble/protocol"
	"github.com/fixit/obdlink/internal/config"
	"github.com/fixit/obdlink/internal/logging"
	"github.com/fixit/obdlink/internal/obd"
	"github.com/fixit/obdlink/internal/permission"
	"github.com/fixit/obdlink/internal/session"
	"github.com/fixit/obdlink/internal/sink"
	"github.com/fixit/obdlink/internal/web"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/obdlink/config.yaml)")
	testMode := flag.Bool("test", false, "use the virtual peripheral")
	deviceID := flag.String("device", "", "connect to this device id instead of the first one found")
	payload := flag.String("payload", "", "custom JSON the virtual peripheral sends once")
	writeConfig := flag.Bool("write-config", false, "write the default config file and exit")
	flag.Parse()

	if *writeConfig {
		path, err := config.WriteDefault()
		if err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
		if path == "" {
			fmt.Println("Config already exists at", config.DefaultConfigPath())
			return
		}
		fmt.Println("Wrote", path)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *testMode {
		cfg.Virtual.Enabled = true
	}
	if *payload != "" {
		cfg.Virtual.Payload = *payload
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config validation: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(logging.New(os.Stderr, config.ParseLogLevel(cfg.LogLevel), cfg.LogFormat))
	printBanner(cfg)

	if err := run(cfg, *deviceID); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, deviceID string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	adapter, err := newAdapter(cfg.BLE)
	if err != nil {
		return err
	}
	opts, err := sessionOptions(cfg)
	if err != nil {
		return err
	}
	gate := permission.NewGate(permission.Host(), nil, permission.NewRadioProbe(fmt.Sprintf("hci%d", cfg.BLE.HCIDevice)))
	sess := session.New(gate, adapter, opts)
	defer sess.Close()

	sinks := openSinks(ctx, cfg.Sinks)
	defer func() {
		for _, s := range sinks {
			_ = s.Close()
		}
	}()
	if len(sinks) > 0 {
		events, unsubscribe := sess.Subscribe()
		defer unsubscribe()
		go sink.Forward(ctx, events, sinks...)
	}

	if cfg.Web.Enabled {
		hub := web.NewHub(sess)
		go func() {
			if err := web.ListenAndServe(ctx, cfg.Web.Addr, hub); err != nil {
				slog.Error("[WEB] server failed", "error", err)
			}
		}()
	}

	events, unsubscribe := sess.Subscribe()
	defer unsubscribe()

	if cfg.Virtual.Enabled {
		sess.EnableTestMode()
	}
	sess.Scan(ctx)
	if msg, ok := sess.PermissionError(); ok {
		fmt.Println("!!", msg)
	}
	slog.Info("Ready! Waiting for an adapter. Ctrl+C to quit.")

	var connecting atomic.Bool
	for {
		select {
		case <-ctx.Done():
			slog.Info("Shutting down...")
			return nil

		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev.Type {
			case session.EventPeripheral:
				if deviceID != "" && ev.Device.ID != deviceID {
					continue
				}
				if sess.State() == session.Connected || !connecting.CompareAndSwap(false, true) {
					continue
				}
				go func(dev ble.Device) {
					defer connecting.Store(false)
					connect(ctx, sess, dev, cfg.Virtual.Payload)
				}(ev.Device)

			case session.EventMessage:
				printReading(ev)

			case session.EventError:
				fmt.Println("!!", ev.Err)

			case session.EventState:
				slog.Debug("[SESSION] state", "state", ev.State)
			}
		}
	}
}

func connect(ctx context.Context, sess *session.Session, dev ble.Device, payload string) {
	if dev.ID != ble.VirtualDeviceID {
		payload = ""
	}
	if _, err := sess.Connect(ctx, dev, payload); err != nil {
		var ce *ble.ConnectError
		if errors.As(err, &ce) {
			fmt.Printf("!! could not %s %s: %v\n", ce.Op, ce.DeviceID, ce.Err)
			return
		}
		fmt.Println("!! connect failed:", err)
	}
}

func newAdapter(cfg config.BLEConfig) (ble.Adapter, error) {
	switch cfg.Backend {
	case "hci":
		a, err := ble.NewHCIAdapter(cfg.HCIDevice)
		if err != nil {
			return nil, fmt.Errorf("opening hci%d: %w", cfg.HCIDevice, err)
		}
		return a, nil
	case "none":
		return nil, nil
	default:
		return ble.NewTinyGoAdapter(), nil
	}
}

func sessionOptions(cfg *config.Config) (session.Options, error) {
	enc, err := protocol.ParseEncoding(cfg.Frame.Encoding)
	if err != nil {
		return session.Options{}, err
	}
	return session.Options{
		Scan: ble.ScanOptions{
			Name:    cfg.BLE.PeripheralName,
			Timeout: cfg.BLE.ScanTimeout,
		},
		Client: ble.ClientOptions{
			ServiceUUID:    cfg.BLE.ServiceUUID,
			CharUUID:       cfg.BLE.CharacteristicUUID,
			MTU:            cfg.BLE.MTU,
			ConnectTimeout: cfg.BLE.ConnectTimeout,
			Frame: protocol.ReassemblerOptions{
				Encoding:       enc,
				EndMarker:      cfg.Frame.EndMarker,
				MaxBufferBytes: cfg.Frame.MaxBufferBytes,
				IdleTimeout:    cfg.Frame.IdleTimeout,
			},
		},
		Virtual: ble.VirtualOptions{
			ConnectDelay: cfg.Virtual.ConnectDelay,
			UpdateDelay:  cfg.Virtual.UpdateDelay,
			MTU:          cfg.BLE.MTU,
			Encoding:     enc,
			EndMarker:    cfg.Frame.EndMarker,
		},
		TestMode: cfg.Virtual.Enabled,
	}, nil
}

// openSinks starts every enabled sink. A sink that cannot start is logged
// and skipped so the diagnostic link still works without it.
func openSinks(ctx context.Context, cfg config.SinksConfig) []sink.Sink {
	var out []sink.Sink
	if cfg.MQTT.Enabled {
		m := sink.NewMQTT(sink.MQTTOptions{
			Broker:      cfg.MQTT.Broker,
			Port:        cfg.MQTT.Port,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		})
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := m.Connect(connectCtx)
		cancel()
		if err != nil {
			slog.Warn("[SINK] mqtt unavailable, readings will not be published", "broker", cfg.MQTT.Broker, "error", err)
			_ = m.Close()
		} else {
			out = append(out, m)
		}
	}
	if cfg.Journal.Enabled {
		j, err := sink.OpenJournal(cfg.Journal.Path)
		if err != nil {
			slog.Warn("[SINK] journal unavailable", "path", cfg.Journal.Path, "error", err)
		} else {
			out = append(out, j)
		}
	}
	return out
}

func printReading(ev session.Event) {
	f := obd.Format(ev.Message)
	cel := "off"
	if f.CheckEngineLight {
		cel = "ON"
	}
	fmt.Printf("[%s] %s  DTCs: %s  Coolant: %.0f°C / %d°F  CEL: %s",
		ev.At.Format(time.TimeOnly), ev.Device.Name, f.DTCsFormatted, f.CoolantTempC, f.CoolantTempF, cel)
	if f.VIN != "" {
		fmt.Printf("  VIN: %s", f.VIN)
	}
	if ev.Repaired {
		fmt.Print("  (repaired)")
	}
	fmt.Println()
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, nil
	}

	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== obdlink ===")
	fmt.Printf("  BLE:      %s (%s)\n", cfg.BLE.Backend, cfg.BLE.PeripheralName)
	fmt.Printf("  Framing:  %s, end marker %q\n", cfg.Frame.Encoding, cfg.Frame.EndMarker)
	if cfg.Virtual.Enabled {
		fmt.Printf("  Virtual:  on (first reading after %s)\n", cfg.Virtual.ConnectDelay)
	}
	var sinks []string
	if cfg.Sinks.MQTT.Enabled {
		sinks = append(sinks, "mqtt://"+cfg.Sinks.MQTT.Broker)
	}
	if cfg.Sinks.Journal.Enabled {
		sinks = append(sinks, cfg.Sinks.Journal.Path)
	}
	if len(sinks) > 0 {
		fmt.Printf("  Sinks:    %s\n", strings.Join(sinks, ", "))
	}
	if cfg.Web.Enabled {
		fmt.Printf("  Web:      ws://%s/ws\n", cfg.Web.Addr)
	}
	fmt.Printf("  Log:      %s (%s)\n", cfg.LogLevel, cfg.LogFormat)
	fmt.Println("===============")
}
