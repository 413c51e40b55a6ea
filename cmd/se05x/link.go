package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/barnettlynn/se05x/internal/config"
	"github.com/barnettlynn/se05x/internal/simchip"
	"github.com/barnettlynn/se05x/pkg/frame"
	"github.com/barnettlynn/se05x/pkg/scp03"
	"github.com/barnettlynn/se05x/pkg/se05x"
	"github.com/barnettlynn/se05x/pkg/transport"
	"golang.org/x/term"
)

// loadKeys reads the static keys from the configured files. When none are configured
// the simulator gets a fresh random set and a terminal user is prompted for hex keys.
func loadKeys(cfg *config.Config) (scp03.StaticKeys, error) {
	if cfg.HasKeys() {
		keys, err := scp03.LoadStaticKeys(cfg.Keys.ENCKeyFile, cfg.Keys.MACKeyFile, cfg.Keys.DEKKeyFile)
		if err != nil {
			return scp03.StaticKeys{}, fmt.Errorf("key file invalid: %w", err)
		}
		return keys, nil
	}
	if cfg.Transport.Kind == config.KindSim {
		return randomKeys()
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return scp03.StaticKeys{}, fmt.Errorf("no key files configured and stdin is not a terminal")
	}
	var keys scp03.StaticKeys
	for _, k := range []struct {
		name string
		dst  *[]byte
	}{{"ENC", &keys.ENC}, {"MAC", &keys.MAC}, {"DEK", &keys.DEK}} {
		v, err := promptKey(k.name)
		if err != nil {
			keys.Wipe()
			return scp03.StaticKeys{}, err
		}
		*k.dst = v
	}
	return keys, nil
}

func promptKey(name string) ([]byte, error) {
	fmt.Fprintf(os.Stderr, "%s key (32 hex chars): ", name)
	line, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("read %s key: %w", name, err)
	}
	key, err := scp03.ParseKeyHex(string(line))
	if err != nil {
		return nil, fmt.Errorf("%s key invalid: %w", name, err)
	}
	return key, nil
}

func randomKeys() (scp03.StaticKeys, error) {
	buf := make([]byte, 3*scp03.KeyLen)
	if _, err := rand.Read(buf); err != nil {
		return scp03.StaticKeys{}, err
	}
	return scp03.StaticKeys{
		ENC: buf[:scp03.KeyLen],
		MAC: buf[scp03.KeyLen : 2*scp03.KeyLen],
		DEK: buf[2*scp03.KeyLen:],
	}, nil
}

// openLink builds the raw link for the configured transport and the codec the driver
// frames it with. keys seed the simulator.
func openLink(ctx context.Context, cfg *config.Config, keys scp03.StaticKeys) (transport.Transceiver, frame.Codec, error) {
	log := slog.Default()
	switch cfg.Transport.Kind {
	case config.KindPCSC:
		card, err := transport.OpenPCSC(cfg.ReaderIndex())
		if err != nil {
			return nil, nil, err
		}
		fmt.Printf("Using reader [%d]: %s\n", cfg.ReaderIndex(), card.Reader)
		return card, frame.None, nil

	case config.KindI2C:
		conn, err := transport.DialI2C(cfg.Transport.I2CBus, cfg.I2CAddress(), log)
		if err != nil {
			return nil, nil, err
		}
		atr, err := conn.SoftReset(ctx)
		if err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("i2c soft reset: %w", err)
		}
		log.Debug("i2c link up", "bus", cfg.Transport.I2CBus, "atr", atr)
		return conn, frame.None, nil

	case config.KindRemote:
		url := cfg.Transport.RemoteURL
		if cfg.Transport.Discover {
			found, err := transport.Discover(ctx, cfg.DiscoverTimeout())
			if err != nil {
				return nil, nil, err
			}
			if len(found) == 0 {
				return nil, nil, fmt.Errorf("no %s bridge found within %s", transport.ServiceType, cfg.DiscoverTimeout())
			}
			url = found[0].URL()
			fmt.Printf("Using bridge %q at %s\n", found[0].Instance, url)
		}
		r, err := transport.DialRemote(ctx, url)
		if err != nil {
			return nil, nil, err
		}
		return r, frame.BigEndian, nil

	case config.KindSim:
		chip := simchip.New(keys, simchip.WithKeyVersion(cfg.KeyVersion()), simchip.WithLogger(log))
		return chip, frame.BigEndian, nil
	}
	return nil, nil, fmt.Errorf("unsupported transport kind %q", cfg.Transport.Kind)
}

func newDriver(cfg *config.Config, link transport.Transceiver, codec frame.Codec) *se05x.Driver {
	return se05x.New(link,
		se05x.WithCodec(codec),
		se05x.WithSecurityLevel(cfg.SecurityLevel()),
		se05x.WithKeyVersion(cfg.KeyVersion()),
		se05x.WithAutoReauth(cfg.AutoReauth()),
		se05x.WithAllowPlain(cfg.Session.AllowPlain),
		se05x.WithTransportRetries(cfg.TransportRetries()),
		se05x.WithExchangeTimeout(cfg.Session.ExchangeTimeout),
		se05x.WithMaxTimeouts(cfg.MaxTimeouts()),
		se05x.WithLogger(slog.Default()),
	)
}

// connect loads config and keys, selects the applet and opens the secure channel.
// The caller must call the returned cleanup.
func connect(ctx context.Context) (*se05x.Driver, se05x.Version, func(), error) {
	cfg, err := loadConfig(config.ValidationNoKeys)
	if err != nil {
		return nil, se05x.Version{}, nil, err
	}
	if cfg.HasKeys() {
		if err := cfg.Validate(); err != nil {
			return nil, se05x.Version{}, nil, err
		}
	}
	keys, err := loadKeys(cfg)
	if err != nil {
		return nil, se05x.Version{}, nil, err
	}
	defer keys.Wipe()

	stopMetrics := serveMetrics(cfg)
	link, codec, err := openLink(ctx, cfg, keys)
	if err != nil {
		stopMetrics()
		return nil, se05x.Version{}, nil, err
	}
	d := newDriver(cfg, link, codec)
	cleanup := func() {
		d.Close()
		stopMetrics()
	}

	v, err := d.Select(ctx)
	if err != nil {
		cleanup()
		return nil, se05x.Version{}, nil, fmt.Errorf("select applet: %w", err)
	}
	if err := d.OpenSession(ctx, keys); err != nil {
		cleanup()
		return nil, se05x.Version{}, nil, fmt.Errorf("open secure channel: %w", err)
	}
	slog.Debug("secure channel open", "session", d.SessionID(), "level", cfg.SecurityLevel())
	return d, v, cleanup, nil
}

// parseObjectID accepts hex with or without a 0x prefix.
func parseObjectID(s string) (uint32, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	id, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("object id %q must be up to 8 hex digits", s)
	}
	return uint32(id), nil
}

func readAllInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
