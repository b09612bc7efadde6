package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bugsnag/bugsnag-go"
	"github.com/eljojo/agenda"
	"github.com/eljojo/agenda/types"
	"github.com/eljojo/agenda/utilities/keyring"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

func main() {
	configPtr := flag.String("config", getEnv("AGENDA_CONFIG", defaultConfigPath()), "path to the config file")
	bugsnagKeyPtr := flag.String("bugsnag-key", getEnv("BUGSNAG_API_KEY", ""), "bugsnag api key, empty disables error reporting")
	showAgendaPtr := flag.Bool("show-agenda", true, "print the upcoming events table")
	refreshRatePtr := flag.Int("refresh-rate", 300, "refresh rate in seconds for the agenda table")
	scopePtr := flag.String("scope", getEnv("AGENDA_SCOPE", "involving"), "which events to show: all, followed or involving")
	icsPtr := flag.String("ics", getEnv("AGENDA_ICS", ""), "write upcoming events to this .ics file on every refresh")
	verbosePtr := flag.Bool("verbose", false, "log debug stuff")

	flag.Parse()

	if *verbosePtr {
		logrus.SetLevel(logrus.DebugLevel)
	}
	if *bugsnagKeyPtr != "" {
		bugsnag.Configure(bugsnag.Configuration{
			APIKey:          *bugsnagKeyPtr,
			ProjectPackages: []string{"main", "github.com/eljojo/agenda"},
		})
	}

	cfg, err := agenda.LoadConfig(*configPtr)
	if err != nil {
		logrus.Fatalf("⚙️ %v", err)
	}
	keys, err := loadIdentity(*configPtr, cfg)
	if err != nil {
		logrus.Fatalf("🔑 %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("⚙️ %v", err)
	}

	var persistence agenda.Persistence
	if cfg.Database != "" {
		db, err := agenda.OpenSQLite(cfg.Database)
		if err != nil {
			logrus.Fatalf("💾 %v", err)
		}
		defer db.Close()
		persistence = db
	} else {
		persistence = agenda.NewMemoryPersistence()
	}

	client, err := agenda.NewClient(agenda.ClientOptions{
		Keyring:        keys,
		ReadRelays:     cfg.ReadRelays,
		WriteRelays:    cfg.WriteRelays,
		Persistence:    persistence,
		Backoff:        cfg.Backoff,
		KeepAliveKinds: cfg.KeepAliveKinds,
		PublishTimeout: cfg.PublishTimeout,
	})
	if err != nil {
		logrus.Fatalf("📅 %v", err)
	}

	if cfg.MQTT.Broker != "" {
		feed := agenda.NewChangeFeed(cfg.MQTT, "agenda-"+types.ShortID(keys.PubKey()))
		if err := feed.Connect(); err != nil {
			logrus.Warnf("📣 change feed disabled: %v", err)
			feed.Close()
		} else {
			feed.Attach(client.Store())
			defer feed.Close()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := client.Start(ctx); err != nil {
		logrus.Fatalf("📅 %v", err)
	}
	defer client.Stop()

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Refresh, client.Refresh); err != nil {
		logrus.Warnf("⚙️ bad refresh schedule %q: %v", cfg.Refresh, err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	scope := scopeFor(*scopePtr, keys.PubKey())
	if *showAgendaPtr || *icsPtr != "" {
		go showAgendaForever(ctx, client, scope, *showAgendaPtr, *icsPtr, time.Duration(*refreshRatePtr)*time.Second)
	}

	<-ctx.Done()
	logrus.Info("👋 shutting down")
}

// loadIdentity builds the keyring from the config. A config with no key at
// all gets a freshly generated one written back to it.
func loadIdentity(path string, cfg *agenda.Config) (*keyring.Keyring, error) {
	switch {
	case cfg.SecretKey != "":
		return keyring.New(cfg.SecretKey)
	case cfg.PubKey != "":
		logrus.Info("🔑 no secret key configured, running read-only")
		return keyring.ReadOnly(cfg.PubKey)
	}

	keys, err := keyring.Generate()
	if err != nil {
		return nil, err
	}
	nsec, err := types.EncodeNsec(keys.SecretHex())
	if err != nil {
		return nil, err
	}
	cfg.SecretKey = nsec
	if err := agenda.SaveConfig(path, cfg); err != nil {
		return nil, fmt.Errorf("save new identity: %w", err)
	}
	npub, _ := types.EncodeNpub(keys.PubKey())
	logrus.Infof("🔑 generated a new identity %s", npub)
	return keys, nil
}

func scopeFor(name, pubkey string) agenda.Scope {
	switch name {
	case "all":
		return agenda.AllEvents()
	case "followed":
		return agenda.FollowedBy(pubkey)
	}
	return agenda.Involving(pubkey)
}

func showAgendaForever(ctx context.Context, client *agenda.Client, scope agenda.Scope, printTable bool, icsPath string, every time.Duration) {
	if every <= 0 {
		every = 5 * time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := time.Now()
		if printTable {
			agenda.PrintUpcoming(os.Stdout, client.Store(), client.PubKey(), scope, now)
		}
		if icsPath != "" {
			if err := writeICS(icsPath, client.Store(), scope, now); err != nil {
				logrus.Warnf("📅 ics export failed: %v", err)
			}
		}
	}
}

func writeICS(path string, store *agenda.EventStore, scope agenda.Scope, now time.Time) error {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, agenda.ICSFilename(scope, now))
	}
	f, err := os.CreateTemp(filepath.Dir(path), ".agenda-*.ics")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())
	if err := agenda.ExportICS(f, store.UpcomingEvents(now, scope), store); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "agenda.yaml"
	}
	return filepath.Join(dir, "agenda", "config.yaml")
}
