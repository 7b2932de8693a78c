package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/openpgpdir/keydir/internal/pkg/config"
	"github.com/openpgpdir/keydir/internal/pkg/mailer"
	"github.com/openpgpdir/keydir/pkg/database"
	"github.com/openpgpdir/keydir/pkg/keydir"
	"github.com/openpgpdir/keydir/pkg/keyserver"
	"github.com/sirupsen/logrus"
)

func execute(args []string) error {
	configPath := filepath.Join(config.Dir, config.File)
	if len(args) > 0 {
		configPath = args[0]
	}

	cfg, err := config.Parse(configPath)
	if err != nil {
		return fmt.Errorf("while parsing configuration file: %s", err)
	}

	if err := config.CheckServerConfig(&cfg); err != nil {
		return fmt.Errorf("while checking configuration: %s", err)
	}

	db, ok := database.GetEngine(cfg.DBEngine)
	if !ok {
		return fmt.Errorf("no database engine %s", cfg.DBEngine)
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		s := <-c
		logrus.WithField("signal", s).Info("Server interrupted by signal")
		cancel()
	}()

	if err := db.Connect(); err != nil {
		return fmt.Errorf("while connecting to database: %s", err)
	}
	defer db.Disconnect()

	m, err := mailer.New(cfg.MailerConfig)
	if err != nil {
		return fmt.Errorf("while setting up mailer: %s", err)
	}

	dir, err := keydir.New(keydir.Config{
		PurgeDays:          cfg.PublicKey.PurgeDays,
		RestrictUserOrigin: cfg.PublicKey.RestrictUserOrigin,
		RestrictionRegex:   cfg.PublicKey.RestrictionRegex,
	}, db, m)
	if err != nil {
		return fmt.Errorf("while setting up key directory: %s", err)
	}

	scfg := keyserver.Config{
		Addr:          cfg.BindAddr,
		PublicPem:     cfg.Certificate.PublicKeyPath,
		PrivatePem:    cfg.Certificate.PrivateKeyPath,
		PublicURL:     cfg.PublicURL,
		Directory:     dir,
		CustomHandler: keyserver.LogRequestHandler,
	}

	logrus.WithField("listen", cfg.BindAddr).Info("Server started")

	return keyserver.Start(ctx, scfg)
}

func main() {
	if err := execute(os.Args[1:]); err != nil {
		logrus.WithError(err).Fatal("while running server")
	}
}
