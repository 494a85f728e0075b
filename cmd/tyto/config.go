package main

import (
	"errors"
	"io/ioutil"
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"

	httpfrontend "github.com/tyto-tracker/tyto/frontend/http"
	"github.com/tyto-tracker/tyto/middleware/clientapproval"
	"github.com/tyto-tracker/tyto/pkg/log"
	"github.com/tyto-tracker/tyto/storage/backend/redis"
	"github.com/tyto-tracker/tyto/storage/backend/sql"
	"github.com/tyto-tracker/tyto/storage/memory"
)

// Default config constants.
const (
	defaultAnnounceRate  = time.Minute * 30
	defaultPeerTimeout   = time.Minute * 45
	defaultReapInterval  = time.Minute * 3
	defaultFlushInterval = time.Minute
)

// BackendConfig selects and configures the persistence backend.
type BackendConfig struct {
	Name  string       `yaml:"name"`
	SQL   sql.Config   `yaml:"sql"`
	Redis redis.Config `yaml:"redis"`
}

// Config represents the configuration used for executing the tracker.
type Config struct {
	AnnounceRate   time.Duration         `yaml:"announce_rate"`
	PeerTimeout    time.Duration         `yaml:"peer_timeout"`
	ReapInterval   time.Duration         `yaml:"reap_interval"`
	FlushInterval  time.Duration         `yaml:"flush_interval"`
	MetricsAddr    string                `yaml:"metrics_addr"`
	HTTPConfig     httpfrontend.Config   `yaml:"http"`
	ClientApproval clientapproval.Config `yaml:"client_approval"`
	Storage        memory.Config         `yaml:"storage"`
	Backend        BackendConfig         `yaml:"backend"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"announceRate":  cfg.AnnounceRate,
		"peerTimeout":   cfg.PeerTimeout,
		"reapInterval":  cfg.ReapInterval,
		"flushInterval": cfg.FlushInterval,
		"metricsAddr":   cfg.MetricsAddr,
		"backend":       cfg.Backend.Name,
	}
}

// Validate sanity checks values set in a config and returns a new config with
// default values replacing anything that is invalid.
//
// This function warns to the logger when a value is changed.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.AnnounceRate <= 0 {
		validcfg.AnnounceRate = defaultAnnounceRate
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "AnnounceRate",
			"provided": cfg.AnnounceRate,
			"default":  validcfg.AnnounceRate,
		})
	}

	if cfg.PeerTimeout <= 0 {
		validcfg.PeerTimeout = defaultPeerTimeout
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "PeerTimeout",
			"provided": cfg.PeerTimeout,
			"default":  validcfg.PeerTimeout,
		})
	}

	if cfg.ReapInterval <= 0 {
		validcfg.ReapInterval = defaultReapInterval
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "ReapInterval",
			"provided": cfg.ReapInterval,
			"default":  validcfg.ReapInterval,
		})
	}

	if cfg.FlushInterval <= 0 {
		validcfg.FlushInterval = defaultFlushInterval
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "FlushInterval",
			"provided": cfg.FlushInterval,
			"default":  validcfg.FlushInterval,
		})
	}

	return validcfg
}

// ConfigFile represents a namespaced YAML configuation file.
type ConfigFile struct {
	Tyto Config `yaml:"tyto"`
}

// ParseConfigFile returns a new ConfigFile given the path to a YAML
// configuration file.
//
// It supports relative and absolute paths and environment variables.
func ParseConfigFile(path string) (*ConfigFile, error) {
	if path == "" {
		return nil, errors.New("no config path specified")
	}

	f, err := os.Open(os.ExpandEnv(path))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	contents, err := ioutil.ReadAll(f)
	if err != nil {
		return nil, err
	}

	var cfgFile ConfigFile
	err = yaml.Unmarshal(contents, &cfgFile)
	if err != nil {
		return nil, err
	}

	return &cfgFile, nil
}
