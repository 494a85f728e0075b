// Package sql implements the persistence backend on a relational database
// via GORM, supporting sqlite and postgres.
package sql

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"net"
	"time"

	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tyto-tracker/tyto/bittorrent"
	"github.com/tyto-tracker/tyto/pkg/log"
	"github.com/tyto-tracker/tyto/pkg/stop"
	"github.com/tyto-tracker/tyto/storage"
)

// Name is the name by which this backend is registered.
const Name = "sql"

// Default config constants.
const (
	defaultDriver = "sqlite"
	defaultDSN    = "data/tyto.sqlite"
)

// ErrUnknownDriver is returned for a driver that is neither sqlite nor
// postgres.
var ErrUnknownDriver = errors.New("unknown sql driver")

// Config holds the configuration of a sql Backend.
type Config struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"name":   Name,
		"driver": cfg.Driver,
		"dsn":    cfg.DSN,
	}
}

// Validate sanity checks values set in a config and returns a new config with
// default values replacing anything that is invalid.
//
// This function warns to the logger when a value is changed.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.Driver == "" {
		validcfg.Driver = defaultDriver
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".Driver",
			"provided": cfg.Driver,
			"default":  validcfg.Driver,
		})
	}

	if cfg.DSN == "" {
		validcfg.DSN = defaultDSN
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".DSN",
			"provided": cfg.DSN,
			"default":  validcfg.DSN,
		})
	}

	return validcfg
}

type swarmRow struct {
	InfoHash  string `gorm:"primaryKey"`
	Snatches  uint32
	UpdatedAt time.Time
}

func (swarmRow) TableName() string { return "swarms" }

type peerRow struct {
	InfoHash     string `gorm:"primaryKey"`
	PeerKey      string `gorm:"primaryKey"`
	Seeding      bool
	LastAnnounce int64
}

func (peerRow) TableName() string { return "peers" }

func newPeerKey(p bittorrent.Peer) string {
	b := make([]byte, 20+2+len(p.IP.IP))
	copy(b[:20], p.ID[:])
	binary.BigEndian.PutUint16(b[20:22], p.Port)
	copy(b[22:], p.IP.IP)

	return hex.EncodeToString(b)
}

func decodePeerKey(pk string) (bittorrent.Peer, error) {
	bytes, err := hex.DecodeString(pk)
	if err != nil {
		return bittorrent.Peer{}, errors.Wrap(err, "non-hex peer key")
	}
	if len(bytes) < 22 {
		return bittorrent.Peer{}, errors.New("truncated peer key")
	}

	peer := bittorrent.Peer{
		ID:   bittorrent.PeerIDFromString(string(bytes[:20])),
		Port: binary.BigEndian.Uint16(bytes[20:22]),
		IP:   bittorrent.IP{IP: net.IP(bytes[22:])},
	}

	if ip := peer.IP.To4(); ip != nil {
		peer.IP.IP = ip
		peer.IP.AddressFamily = bittorrent.IPv4
	} else if len(peer.IP.IP) == net.IPv6len { // implies peer.IP.To4() == nil
		peer.IP.AddressFamily = bittorrent.IPv6
	} else {
		return bittorrent.Peer{}, errors.New("peer key IP is neither v4 nor v6")
	}

	return peer, nil
}

type backend struct {
	cfg    Config
	db     *gorm.DB
	closed chan struct{}
}

var _ storage.Backend = &backend{}

// New creates a new Backend on top of a relational database.
func New(provided Config) (storage.Backend, error) {
	cfg := provided.Validate()

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, ErrUnknownDriver
	}

	db, err := gorm.Open(dialector, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to database")
	}

	if err := db.AutoMigrate(&swarmRow{}, &peerRow{}); err != nil {
		return nil, errors.Wrap(err, "failed to migrate database")
	}

	return &backend{
		cfg:    cfg,
		db:     db,
		closed: make(chan struct{}),
	}, nil
}

func (b *backend) SaveBatch(ctx context.Context, records []storage.SwarmRecord) error {
	select {
	case <-b.closed:
		panic("attempted to interact with stopped sql backend")
	default:
	}

	if len(records) == 0 {
		return nil
	}

	return b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, r := range records {
			ih := r.InfoHash.String()

			if err := tx.Delete(&peerRow{}, "info_hash = ?", ih).Error; err != nil {
				return err
			}

			if len(r.Peers) == 0 {
				if err := tx.Delete(&swarmRow{}, "info_hash = ?", ih).Error; err != nil {
					return err
				}
				continue
			}

			row := swarmRow{InfoHash: ih, Snatches: r.Snatches}
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
				return err
			}

			rows := make([]peerRow, 0, len(r.Peers))
			for _, pr := range r.Peers {
				rows = append(rows, peerRow{
					InfoHash:     ih,
					PeerKey:      newPeerKey(pr.Peer),
					Seeding:      pr.Seeding,
					LastAnnounce: pr.LastAnnounce,
				})
			}
			if err := tx.Create(&rows).Error; err != nil {
				return err
			}
		}

		return nil
	})
}

func (b *backend) LoadAllSwarms(ctx context.Context, f func(storage.SwarmRecord) error) error {
	select {
	case <-b.closed:
		panic("attempted to interact with stopped sql backend")
	default:
	}

	var swarms []swarmRow
	if err := b.db.WithContext(ctx).Find(&swarms).Error; err != nil {
		return err
	}

	for _, sr := range swarms {
		ihBytes, err := hex.DecodeString(sr.InfoHash)
		if err != nil || len(ihBytes) != 20 {
			log.Error("skipping swarm with malformed infohash", log.Fields{"infohash": sr.InfoHash})
			continue
		}

		var peers []peerRow
		if err := b.db.WithContext(ctx).Find(&peers, "info_hash = ?", sr.InfoHash).Error; err != nil {
			return err
		}

		record := storage.SwarmRecord{
			InfoHash: bittorrent.InfoHashFromBytes(ihBytes),
			Snatches: sr.Snatches,
			Peers:    make([]storage.PeerRecord, 0, len(peers)),
		}

		for _, pr := range peers {
			peer, err := decodePeerKey(pr.PeerKey)
			if err != nil {
				log.Error("skipping malformed peer key", log.Err(err), log.Fields{"infohash": sr.InfoHash})
				continue
			}
			record.Peers = append(record.Peers, storage.PeerRecord{
				Peer:         peer,
				Seeding:      pr.Seeding,
				LastAnnounce: pr.LastAnnounce,
			})
		}

		if err := f(record); err != nil {
			return err
		}
	}

	return nil
}

func (b *backend) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		close(b.closed)
		sqlDB, err := b.db.DB()
		if err == nil {
			err = sqlDB.Close()
		}
		c.Done(err)
	}()

	return c.Result()
}

// LogFields renders the current config as a set of Logrus fields.
func (b *backend) LogFields() log.Fields {
	return b.cfg.LogFields()
}
