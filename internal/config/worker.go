package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// WorkerSettings are the tunable scheduling knobs for the long-lived workers.
// They live in an optional meterflow.yml so operators can adjust them without
// a restart.
type WorkerSettings struct {
	ReconcileInterval  time.Duration `mapstructure:"reconcileInterval"`
	ReconcilePageLimit int           `mapstructure:"reconcilePageLimit"`
	WriterInterval     time.Duration `mapstructure:"writerInterval"`
	AggregateBatchSize int           `mapstructure:"aggregateBatchSize"`
}

func DefaultWorkerSettings() WorkerSettings {
	return WorkerSettings{
		ReconcileInterval:  time.Hour,
		ReconcilePageLimit: 500,
		WriterInterval:     15 * time.Minute,
		AggregateBatchSize: 500,
	}
}

// WorkerSettingsHolder hot-reloads WorkerSettings from meterflow.yml.
type WorkerSettingsHolder struct {
	current atomic.Value // holds WorkerSettings
}

func NewWorkerSettingsHolder() (*WorkerSettingsHolder, error) {
	v := viper.New()

	v.SetConfigName("meterflow")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/meterflow/config")
	v.AddConfigPath("/etc/meterflow")
	v.AddConfigPath(".")

	v.SetEnvPrefix("METERFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultWorkerSettings()
	v.SetDefault("workers.reconcileInterval", defaults.ReconcileInterval)
	v.SetDefault("workers.reconcilePageLimit", defaults.ReconcilePageLimit)
	v.SetDefault("workers.writerInterval", defaults.WriterInterval)
	v.SetDefault("workers.aggregateBatchSize", defaults.AggregateBatchSize)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg WorkerSettings
	if err := v.UnmarshalKey("workers", &cfg); err != nil {
		return nil, err
	}
	if err := validateWorkerSettings(cfg); err != nil {
		return nil, err
	}

	holder := &WorkerSettingsHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated WorkerSettings
		if err := v.UnmarshalKey("workers", &updated); err != nil {
			log.Printf("[worker-config] reload failed: %v", err)
			return
		}
		if err := validateWorkerSettings(updated); err != nil {
			log.Printf("[worker-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[worker-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *WorkerSettingsHolder) Get() WorkerSettings {
	return h.current.Load().(WorkerSettings)
}

func validateWorkerSettings(cfg WorkerSettings) error {
	if cfg.ReconcileInterval <= 0 {
		return errors.New("workers.reconcileInterval must be positive")
	}
	if cfg.ReconcilePageLimit <= 0 {
		return errors.New("workers.reconcilePageLimit must be positive")
	}
	if cfg.AggregateBatchSize <= 0 {
		return errors.New("workers.aggregateBatchSize must be positive")
	}
	return nil
}
