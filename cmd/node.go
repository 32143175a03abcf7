package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"gowarp/config"
	"gowarp/crypto"
	"gowarp/logging"
	"gowarp/models"
	"gowarp/repository"
	"gowarp/service"
	"gowarp/storage"
)

// node is a fully wired local instance.
type node struct {
	settings *config.Settings
	cfgPath  string
	logger   *logging.ColoredLogger
	store    *storage.Store
	repo     *repository.Repository
	svc      *service.Service
}

func loadSettings() (*config.Settings, string, error) {
	var (
		settings *config.Settings
		cfgPath  string
		err      error
	)
	if dataDirFlag != "" {
		settings, cfgPath, err = config.LoadOrCreateIn(dataDirFlag)
	} else {
		settings, cfgPath, err = config.LoadOrCreate()
	}
	if err != nil {
		return nil, "", fmt.Errorf("load config: %w", err)
	}
	settings.ApplyEnv()
	if err := settings.Validate(); err != nil {
		return nil, "", err
	}
	return settings, cfgPath, nil
}

func newLogger(settings *config.Settings) *logging.ColoredLogger {
	text := settings.LogLevel
	if logLevelFlag != "" {
		text = logLevelFlag
	}
	level, err := logging.ParseLevel(text)
	if err != nil {
		level = zapcore.InfoLevel
	}
	if !noColorFlag && level == zapcore.InfoLevel {
		return logging.NewDefaultLogger(logging.ComponentGeneral)
	}
	return logging.NewColoredLogger(logging.ComponentGeneral, !noColorFlag, level)
}

// openNode loads settings, identity and state and builds a stopped service.
func openNode(enableDiscovery bool) (*node, error) {
	settings, cfgPath, err := loadSettings()
	if err != nil {
		return nil, err
	}
	logger := newLogger(settings)

	localIP, err := service.ResolveLocalIP(settings.NetworkInterface)
	if err != nil {
		return nil, fmt.Errorf("resolve local address: %w", err)
	}
	cert, err := crypto.EnsureCertificate(settings.CertPath, settings.KeyPath, config.Hostname(), localIP)
	if err != nil {
		return nil, fmt.Errorf("prepare certificate: %w", err)
	}

	store, dbPath, err := storage.Open(filepath.Dir(cfgPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	logger.For(logging.ComponentStorage).Debug("database opened", zap.String("path", dbPath))

	repo, err := repository.New(repository.Options{
		Store:  store,
		Logger: logger.For(logging.ComponentGeneral),
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	svc, err := service.New(service.Options{
		Settings:         *settings,
		Certificate:      cert,
		Store:            store,
		Repository:       repo,
		Logger:           logger,
		DisableDiscovery: !enableDiscovery,
	})
	if err != nil {
		repo.Close()
		_ = store.Close()
		return nil, err
	}

	return &node{
		settings: settings,
		cfgPath:  cfgPath,
		logger:   logger,
		store:    store,
		repo:     repo,
		svc:      svc,
	}, nil
}

func (n *node) close() {
	if err := n.svc.Stop(); err != nil && !errors.Is(err, service.ErrNotStarted) {
		n.logger.Warn("service stop error", zap.Error(err))
	}
	n.repo.Close()
	if err := n.store.Close(); err != nil {
		n.logger.Warn("database close error", zap.Error(err))
	}
	_ = n.logger.Sync()
}

// logErrors drains asynchronous service failures until the service stops.
func (n *node) logErrors() {
	for err := range n.svc.Errors() {
		n.logger.Warn("background error", zap.Error(err))
	}
}

// waitForConnected blocks until uuid is Connected, fails, or ctx ends.
func (n *node) waitForConnected(ctx context.Context, uuid string) (models.Remote, error) {
	events, cancel := n.repo.Subscribe()
	defer cancel()

	check := func() (models.Remote, bool, error) {
		r, ok := n.repo.Remote(uuid)
		if !ok {
			return r, false, nil
		}
		switch r.Status.State {
		case models.StateConnected:
			return r, true, nil
		case models.StateError:
			if r.HasErrorGroupCode {
				return r, true, fmt.Errorf("remote %s: %s", r.Name(), r.Status)
			}
		}
		return r, false, nil
	}

	if r, done, err := check(); done {
		return r, err
	}
	for {
		select {
		case <-ctx.Done():
			r, _ := n.repo.Remote(uuid)
			return r, fmt.Errorf("remote %s not connected (%s): %w", uuid, r.Status, ctx.Err())
		case event, ok := <-events:
			if !ok {
				return models.Remote{}, repository.ErrUnknownRemote
			}
			if event.Kind != repository.EventRemoteUpdated || event.Remote.UUID != uuid {
				continue
			}
			if r, done, err := check(); done {
				return r, err
			}
		}
	}
}

func printf(format string, args ...any) {
	fmt.Fprintf(os.Stdout, format, args...)
}

const defaultConnectTimeout = 30 * time.Second
