package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/tealvm/teal/internal/chipset"
	"github.com/tealvm/teal/internal/config"
	"github.com/tealvm/teal/internal/devices/multiserial"
	"github.com/tealvm/teal/internal/devices/pci"
	"github.com/tealvm/teal/internal/hv"
	"golang.org/x/term"
)

var (
	configFlag   = flag.String("config", "", "machine configuration file")
	snapshotFlag = flag.String("snapshot", "", "write a device snapshot to this file after setup")
	verboseFlag  = flag.Bool("v", false, "enable debug logging")
)

type logSink struct{}

func (logSink) SetIRQ(line uint8, level bool) {
	slog.Info("interrupt line changed", "line", line, "level", level)
}

func run() error {
	flag.Parse()

	level := slog.LevelInfo
	if *verboseFlag {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	machine := config.Default()
	if *configFlag != "" {
		loaded, err := config.Load(*configFlag)
		if err != nil {
			return err
		}
		machine = loaded
	}

	host := pci.NewHostBridge(pci.HostBridgeConfig{})
	lines := chipset.NewLineSet(logSink{})

	card := multiserial.NewCard()
	card.ConnectIRQPin(lines.AllocateLine(4))
	if err := card.Attach(host, 0, 1, 0); err != nil {
		return err
	}

	closeBackends, err := machine.Apply(card)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeBackends(); err != nil {
			slog.Error("close backends", "err", err)
		}
	}()

	if err := card.Realize(); err != nil {
		return err
	}
	defer card.Unrealize()

	region := card.MMIORegion()
	slog.Info("card realized", "bar0", fmt.Sprintf("%#x", region.Address), "size", region.Size)
	for i, sub := range card.Window().Subregions() {
		slog.Info("port mapped", "name", card.PortName(i),
			"offset", fmt.Sprintf("%#x", sub.Address), "size", sub.Size)
	}

	if *snapshotFlag != "" {
		if err := writeSnapshot(card, *snapshotFlag); err != nil {
			return err
		}
		slog.Info("snapshot written", "path", *snapshotFlag)
	}

	if term.IsTerminal(int(os.Stdin.Fd())) {
		return interact(card, region.Address)
	}
	return nil
}

func writeSnapshot(card *multiserial.Card, path string) error {
	snap, err := card.CaptureSnapshot()
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create snapshot file: %w", err)
	}
	defer f.Close()
	return hv.WriteSnapshot(f, snap)
}

// interact forwards raw terminal input to port 0's transmit register, so
// typed characters round-trip through the UART model to its backend.
// Ctrl-C exits.
func interact(card *multiserial.Card, barBase uint64) error {
	oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
	if err != nil {
		return fmt.Errorf("enable raw mode: %w", err)
	}
	defer term.Restore(int(os.Stdin.Fd()), oldState)

	thr := barBase + 0x1000
	var buf [1]byte
	for {
		n, err := os.Stdin.Read(buf[:])
		if err != nil || n == 0 {
			return err
		}
		if buf[0] == 0x03 {
			return nil
		}
		if err := card.WriteMMIO(thr, buf[:1]); err != nil {
			return err
		}
	}
}

func main() {
	if err := run(); err != nil {
		slog.Error("serialcard failed", "err", err)
		os.Exit(1)
	}
}
