package app

import (
	"fmt"
	"os"
	"time"

	"github.com/pguigue/mergin/internal/config"
	"github.com/pguigue/mergin/internal/database"
	"github.com/pguigue/mergin/internal/encryption"
	"github.com/pguigue/mergin/internal/mergin"
	"github.com/pguigue/mergin/internal/staging"
	"github.com/pguigue/mergin/internal/store"
	"github.com/pguigue/mergin/internal/tabular"
)

// App is the application layer between the CLI and the sync service.
// It constructs all dependencies from config and manages their lifecycle on
// Close.
type App struct {
	cfg     *config.Config
	db      mergin.Database
	store   mergin.ContentStore
	staging mergin.ChunkStaging
	service *mergin.Service
	logger  *slogAdapter
	logFile *os.File

	janitorStop chan struct{}
	janitorDone chan struct{}
}

// NewApp creates a fully wired App from the given config.
// The caller must call Close when done.
func NewApp(cfg *config.Config) (*App, error) {
	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}

	st, err := store.NewStoreFromConfig(cfg.Store, enc)
	if err != nil {
		return nil, fmt.Errorf("creating content store: %w", err)
	}
	if err := st.ValidateSetup(); err != nil {
		return nil, fmt.Errorf("validating content store: %w", err)
	}

	sa, err := staging.NewStagingFromConfig(cfg.Staging)
	if err != nil {
		return nil, fmt.Errorf("creating chunk staging: %w", err)
	}

	db, err := database.NewDatabaseFromConfig(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("creating database: %w", err)
	}

	if err := db.CheckMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database schema out of date: %w", err)
	}

	logger, logFile, err := newLogger(cfg.LogDir)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	txTTL := mergin.DefaultTransactionTTL
	if cfg.Push.TransactionTTLMinutes > 0 {
		txTTL = time.Duration(cfg.Push.TransactionTTLMinutes) * time.Minute
	}

	adapter := &slogAdapter{l: logger}
	svc := mergin.NewService(
		db, st, sa,
		tabular.NewSQLiteSummarizer(""),
		mergin.FixedQuota{Bytes: cfg.Quota.NamespaceLimitBytes},
		adapter,
		mergin.RealClock{},
		mergin.UUIDGenerator{},
		txTTL,
	)

	return &App{
		cfg:     cfg,
		db:      db,
		store:   st,
		staging: sa,
		service: svc,
		logger:  adapter,
		logFile: logFile,
	}, nil
}

// Service returns the wired sync service.
func (a *App) Service() *mergin.Service { return a.service }

// Logger returns the application logger.
func (a *App) Logger() mergin.Logger { return a.logger }

// Config returns the configuration the app was built from.
func (a *App) Config() *config.Config { return a.cfg }

// StartJanitor launches the background loop that expires idle push
// transactions at the given interval.
func (a *App) StartJanitor(interval time.Duration) {
	if a.janitorStop != nil {
		return
	}
	a.janitorStop = make(chan struct{})
	a.janitorDone = make(chan struct{})

	go func() {
		defer close(a.janitorDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := a.service.ExpireTransactions(); n > 0 {
					a.logger.Info("expired idle push transactions", "count", n)
				}
			case <-a.janitorStop:
				return
			}
		}
	}()
}

// CollectGarbage runs one reclamation pass: expired transactions, orphaned
// upload markers, expired access requests, unreferenced blobs.
func (a *App) CollectGarbage() (mergin.GCStats, error) {
	return a.service.CollectGarbage()
}

// Close stops the janitor and closes all resources.
func (a *App) Close() error {
	if a.janitorStop != nil {
		close(a.janitorStop)
		<-a.janitorDone
		a.janitorStop = nil
	}

	var firstErr error
	if err := a.db.Close(); err != nil {
		firstErr = fmt.Errorf("closing database: %w", err)
	}
	if a.logFile != nil {
		if err := a.logFile.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing log file: %w", err)
		}
	}
	return firstErr
}
