package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	httpfrontend "github.com/tyto-tracker/tyto/frontend/http"
	"github.com/tyto-tracker/tyto/middleware"
	"github.com/tyto-tracker/tyto/middleware/clientapproval"
	"github.com/tyto-tracker/tyto/middleware/ratelimit"
	"github.com/tyto-tracker/tyto/pkg/log"
	"github.com/tyto-tracker/tyto/pkg/metrics"
	"github.com/tyto-tracker/tyto/pkg/stop"
	"github.com/tyto-tracker/tyto/storage"
	"github.com/tyto-tracker/tyto/storage/backend/redis"
	"github.com/tyto-tracker/tyto/storage/backend/sql"
	"github.com/tyto-tracker/tyto/storage/memory"
)

// Run represents the state of a running instance of the tracker.
type Run struct {
	configFilePath string
	sg             *stop.Group
	logic          *middleware.Logic
	reaper         *storage.Reaper
	flusher        *storage.Flusher
	store          storage.SwarmStore
	backend        storage.Backend
}

// NewRun runs an instance of the tracker.
func NewRun(configFilePath string) (*Run, error) {
	r := &Run{
		configFilePath: configFilePath,
	}

	return r, r.Start()
}

// Start begins an instance of the tracker.
func (r *Run) Start() error {
	configFile, err := ParseConfigFile(r.configFilePath)
	if err != nil {
		return errors.New("failed to read config: " + err.Error())
	}
	cfg := configFile.Tyto.Validate()

	r.sg = stop.NewGroup()

	if cfg.MetricsAddr != "" {
		log.Info("starting metrics server", log.Fields{"addr": cfg.MetricsAddr})
		r.sg.Add(metrics.NewServer(cfg.MetricsAddr))
	}

	backend, err := newBackend(cfg.Backend)
	if err != nil {
		return errors.New("failed to create backend: " + err.Error())
	}

	store, err := memory.New(cfg.Storage)
	if err != nil {
		return errors.New("failed to create swarm store: " + err.Error())
	}
	log.Info("started swarm store", store)

	// Restore swarm state persisted by a previous run.
	var restored int
	err = backend.LoadAllSwarms(context.Background(), func(rec storage.SwarmRecord) error {
		store.LoadSwarm(rec)
		restored++
		return nil
	})
	if err != nil {
		return errors.New("failed to restore swarms: " + err.Error())
	}
	log.Info("restored swarms from backend", log.Fields{"count": restored})

	reaper, err := storage.RunReaper(store, cfg.ReapInterval, cfg.PeerTimeout)
	if err != nil {
		return errors.New("failed to start reaper: " + err.Error())
	}

	flusher, err := storage.RunFlusher(store, backend, cfg.FlushInterval)
	if err != nil {
		return errors.New("failed to start flusher: " + err.Error())
	}

	preHooks := []middleware.Hook{}

	// Client approval runs before the rate limiter so an unapproved client
	// never leaves an announce stamp behind.
	approvalHook, err := clientapproval.NewHook(cfg.ClientApproval)
	if err != nil {
		return errors.New("failed to create client approval hook: " + err.Error())
	}
	preHooks = append(preHooks, approvalHook)

	rateLimitHook, err := ratelimit.NewHook(ratelimit.Config{AnnounceRate: cfg.AnnounceRate})
	if err != nil {
		return errors.New("failed to create rate limit hook: " + err.Error())
	}
	preHooks = append(preHooks, rateLimitHook)

	logic := middleware.NewLogic(middleware.ResponseConfig{AnnounceRate: cfg.AnnounceRate}, store, preHooks, nil)

	frontend, err := httpfrontend.NewFrontend(logic, store, cfg.HTTPConfig)
	if err != nil {
		return errors.New("failed to start http frontend: " + err.Error())
	}
	log.Info("started serving http", log.Fields{"addr": cfg.HTTPConfig.Addr})

	// The group stops its members concurrently, so it only holds the
	// request-facing pieces. Everything downstream of them is stopped one
	// at a time by Stop so the flusher's final flush runs against a live
	// store and backend.
	r.sg.Add(frontend)
	r.logic = logic
	r.reaper = reaper
	r.flusher = flusher
	r.store = store
	r.backend = backend

	return nil
}

// Stop shuts down an instance of the tracker.
//
// The frontend and metrics server stop first so no new requests arrive, then
// the logic, the reaper, and the flusher in that order. The flusher performs
// its final flush on Stop, so the store and the backend must still be running
// when it does.
func (r *Run) Stop() error {
	log.Debug("stopping frontend and metrics server")
	errs := r.sg.Stop().Wait()

	log.Debug("stopping middleware, scheduled tasks, swarm store, and backend")
	errs = append(errs, stop.Serial(r.logic, r.reaper, r.flusher, r.store, r.backend)...)

	if len(errs) != 0 {
		errStrs := make([]string, 0, len(errs))
		for _, err := range errs {
			errStrs = append(errStrs, err.Error())
		}
		return errors.New("failed to shutdown: " + strings.Join(errStrs, "; "))
	}

	return nil
}

func newBackend(cfg BackendConfig) (storage.Backend, error) {
	switch cfg.Name {
	case "", sql.Name:
		return sql.New(cfg.SQL)
	case redis.Name:
		return redis.New(cfg.Redis)
	default:
		return nil, errors.New("unknown backend: " + cfg.Name)
	}
}

// RootRunCmdFunc handles an instance of the tracker until it shuts down.
func RootRunCmdFunc(cmd *cobra.Command, args []string) error {
	configFilePath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	r, err := NewRun(configFilePath)
	if err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	return r.Stop()
}

// RootPreRunCmdFunc handles command line flags for the Run command.
func RootPreRunCmdFunc(cmd *cobra.Command, args []string) error {
	noColors, err := cmd.Flags().GetBool("nocolors")
	if err != nil {
		return err
	}
	if noColors {
		log.SetFormatter(&logrus.TextFormatter{DisableColors: true})
	}

	jsonLog, err := cmd.Flags().GetBool("json")
	if err != nil {
		return err
	}
	if jsonLog {
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	debugLog, err := cmd.Flags().GetBool("debug")
	if err != nil {
		return err
	}
	if debugLog {
		log.Info("enabling debug logging")
		log.SetDebug(true)
	}

	return nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:     "tyto",
		Short:   "BitTorrent Tracker",
		Long:    "A swarm-state BitTorrent tracker with pluggable persistence",
		PreRunE: RootPreRunCmdFunc,
		RunE:    RootRunCmdFunc,
	}

	rootCmd.Flags().String("config", "/etc/tyto.yaml", "location of configuration file")
	rootCmd.Flags().Bool("debug", false, "enable debug logging")
	rootCmd.Flags().Bool("json", false, "enable json logging")
	if runtime.GOOS == "windows" {
		rootCmd.Flags().Bool("nocolors", true, "disable log coloring")
	} else {
		rootCmd.Flags().Bool("nocolors", false, "disable log coloring")
	}

	if err := rootCmd.Execute(); err != nil {
		log.Fatal("failed when executing root cobra command: " + err.Error())
	}
}
