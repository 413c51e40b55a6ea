package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/barnettlynn/se05x/internal/config"
	"github.com/barnettlynn/se05x/internal/simchip"
	"github.com/barnettlynn/se05x/pkg/frame"
	"github.com/barnettlynn/se05x/pkg/scp03"
	"github.com/barnettlynn/se05x/pkg/se05x"
	"github.com/barnettlynn/se05x/pkg/transport"
	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print applet version and free memory",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		d, _, cleanup, err := connect(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		v, err := d.GetVersion(ctx)
		if err != nil {
			return err
		}
		fmt.Println("Applet:")
		se05x.PrintVersion(os.Stdout, v)

		for _, m := range []struct {
			name string
			mem  se05x.MemoryType
		}{
			{"persistent", se05x.MemoryPersistent},
			{"transient (reset)", se05x.MemoryTransientReset},
			{"transient (deselect)", se05x.MemoryTransientDeselect},
		} {
			free, err := d.GetFreeMemory(ctx, m.mem)
			if err != nil {
				return fmt.Errorf("free memory %s: %w", m.name, err)
			}
			fmt.Printf("  Free %-21s %d bytes\n", m.name+":", free)
		}
		fmt.Printf("  Session:            %s (counter %d)\n", d.SessionID(), d.Counter())
		return nil
	},
}

var randomCmd = &cobra.Command{
	Use:   "random <n>",
	Short: "Print n random bytes from the secure element as hex",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return fmt.Errorf("byte count %q must be a positive integer", args[0])
		}
		ctx := cmd.Context()
		d, _, cleanup, err := connect(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		out, err := d.GetRandom(ctx, n)
		if err != nil {
			return err
		}
		fmt.Println(hex.EncodeToString(out))
		return nil
	},
}

var readOffset, readLength int

var readCmd = &cobra.Command{
	Use:   "read <object-id>",
	Short: "Read a binary secure object and print it as hex",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseObjectID(args[0])
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		d, _, cleanup, err := connect(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		var data []byte
		if readLength > 0 {
			data, err = d.ReadObjectRange(ctx, id, readOffset, readLength)
		} else {
			data, err = d.ReadObject(ctx, id)
		}
		if err != nil {
			return err
		}
		fmt.Println(hex.EncodeToString(data))
		return nil
	},
}

var writeHex bool

var writeCmd = &cobra.Command{
	Use:   "write <object-id> <file|->",
	Short: "Write a file (or stdin) into a binary secure object",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseObjectID(args[0])
		if err != nil {
			return err
		}
		data, err := readAllInput(args[1])
		if err != nil {
			return err
		}
		if writeHex {
			if data, err = hex.DecodeString(string(bytes.TrimSpace(data))); err != nil {
				return fmt.Errorf("decode hex input: %w", err)
			}
		}
		ctx := cmd.Context()
		d, _, cleanup, err := connect(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		if err := d.WriteBinary(ctx, id, data); err != nil {
			return err
		}
		fmt.Printf("Wrote %d bytes to object %08X\n", len(data), id)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <object-id>",
	Short: "Delete a secure object",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseObjectID(args[0])
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		d, _, cleanup, err := connect(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		exists, err := d.CheckObjectExists(ctx, id)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("object %08X does not exist", id)
		}
		if err := d.DeleteSecureObject(ctx, id); err != nil {
			return err
		}
		fmt.Printf("Deleted object %08X\n", id)
		return nil
	},
}

var diagKVNs []string

var diagCmd = &cobra.Command{
	Use:   "diag",
	Short: "Try the SCP03 handshake on several key versions",
	RunE: func(cmd *cobra.Command, args []string) error {
		kvns := make([]byte, 0, len(diagKVNs))
		for _, s := range diagKVNs {
			v, err := strconv.ParseUint(s, 0, 8)
			if err != nil {
				return fmt.Errorf("key version %q: %w", s, err)
			}
			kvns = append(kvns, byte(v))
		}

		ctx := cmd.Context()
		cfg, err := loadConfig(config.ValidationNoKeys)
		if err != nil {
			return err
		}
		keys, err := loadKeys(cfg)
		if err != nil {
			return err
		}
		defer keys.Wipe()
		link, codec, err := openLink(ctx, cfg, keys)
		if err != nil {
			return err
		}
		d := newDriver(cfg, link, codec)
		defer d.Close()

		if _, err := d.Select(ctx); err != nil {
			return fmt.Errorf("select applet: %w", err)
		}
		fmt.Println("Key version probe:")
		se05x.PrintAuthAttempts(os.Stdout, d.DiagnoseKeyVersions(ctx, keys, kvns))
		return nil
	},
}

var bridgeAddr, bridgeInstance string

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Expose the local secure element over a websocket",
	Long: `bridge forwards framed APDUs from websocket clients to the locally attached
secure element. With --advertise the bridge is announced over mDNS as ` + transport.ServiceType + `.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(config.ValidationNoKeys)
		if err != nil {
			return err
		}
		if cfg.Transport.Kind == config.KindRemote {
			return fmt.Errorf("bridge needs a local transport, not %q", cfg.Transport.Kind)
		}
		ctx := cmd.Context()

		var link transport.Transceiver
		if cfg.Transport.Kind == config.KindSim {
			keys, err := loadKeys(cfg)
			if err != nil {
				return err
			}
			link = simchip.New(keys, simchip.WithCodec(frame.None), simchip.WithKeyVersion(cfg.KeyVersion()))
			keys.Wipe()
		} else {
			if link, _, err = openLink(ctx, cfg, scp03.StaticKeys{}); err != nil {
				return err
			}
		}
		defer link.Close()

		stopMetrics := serveMetrics(cfg)
		defer stopMetrics()
		return transport.NewBridge(link, slog.Default()).ListenAndServe(ctx, bridgeAddr, bridgeInstance)
	},
}

var discoverTimeout = config.DefaultDiscoverWindow

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "List bridges announced over mDNS",
	RunE: func(cmd *cobra.Command, args []string) error {
		found, err := transport.Discover(cmd.Context(), discoverTimeout)
		if err != nil {
			return err
		}
		if len(found) == 0 {
			fmt.Println("No bridges found")
			return nil
		}
		for _, e := range found {
			fmt.Printf("  %-24s %s\n", e.Instance, e.URL())
		}
		return nil
	},
}

var selftestCmd = &cobra.Command{
	Use:   "selftest",
	Short: "Run the driver against the built-in simulator",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSelftest(cmd.Context())
	},
}

// runSelftest exercises the secure channel end to end, including a forced
// re-authentication and recovery from link corruption.
func runSelftest(ctx context.Context) error {
	keys, err := randomKeys()
	if err != nil {
		return err
	}
	chip := simchip.New(keys)
	d := se05x.New(chip, se05x.WithLogger(slog.Default()))
	defer d.Close()

	step := func(name string, f func() error) error {
		if err := f(); err != nil {
			fmt.Printf("  FAIL %s: %v\n", name, err)
			return fmt.Errorf("selftest %s: %w", name, err)
		}
		fmt.Printf("  OK   %s\n", name)
		return nil
	}

	const obj = 0x7FFF0201
	payload := []byte("selftest payload")
	steps := []struct {
		name string
		f    func() error
	}{
		{"select", func() error { _, err := d.Select(ctx); return err }},
		{"open session", func() error { return d.OpenSession(ctx, keys) }},
		{"get version", func() error { _, err := d.GetVersion(ctx); return err }},
		{"get random", func() error { _, err := d.GetRandom(ctx, 32); return err }},
		{"write object", func() error { return d.WriteBinary(ctx, obj, payload) }},
		{"link corruption", func() error {
			chip.InjectFaults(simchip.FaultChecksum)
			return readBack(ctx, d, obj, payload)
		}},
		{"re-authentication", func() error {
			before := d.SessionID()
			chip.FlipResponseTag()
			if err := readBack(ctx, d, obj, payload); err != nil {
				return err
			}
			if d.SessionID() == before {
				return fmt.Errorf("session %s was not replaced", before)
			}
			return nil
		}},
		{"delete object", func() error { return d.DeleteSecureObject(ctx, obj) }},
	}
	fmt.Println("Selftest:")
	for _, s := range steps {
		if err := step(s.name, s.f); err != nil {
			return err
		}
	}
	return nil
}

func readBack(ctx context.Context, d *se05x.Driver, id uint32, want []byte) error {
	got, err := d.ReadObject(ctx, id)
	if err != nil {
		return err
	}
	if !bytes.Equal(got, want) {
		return fmt.Errorf("read back %x, want %x", got, want)
	}
	return nil
}

func init() {
	readCmd.Flags().IntVar(&readOffset, "offset", 0, "start offset for a partial read")
	readCmd.Flags().IntVar(&readLength, "length", 0, "number of bytes for a partial read (0 reads the whole object)")
	writeCmd.Flags().BoolVar(&writeHex, "hex", false, "input is hex text")
	diagCmd.Flags().StringSliceVar(&diagKVNs, "kvn", []string{"0x0B", "0x30", "0x01"}, "key versions to try")
	bridgeCmd.Flags().StringVar(&bridgeAddr, "listen", ":8089", "listen address")
	bridgeCmd.Flags().StringVar(&bridgeInstance, "advertise", "", "announce the bridge over mDNS under this instance name")
	discoverCmd.Flags().DurationVar(&discoverTimeout, "timeout", config.DefaultDiscoverWindow, "how long to browse")
}
