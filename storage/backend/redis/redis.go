// Package redis implements the persistence backend on a redis instance.
//
// Swarms are stored as one hash per infohash holding the snatch count and one
// field per peer, with a set of all persisted infohashes as the index.
package redis

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/pkg/errors"

	"github.com/tyto-tracker/tyto/bittorrent"
	"github.com/tyto-tracker/tyto/pkg/log"
	"github.com/tyto-tracker/tyto/pkg/stop"
	"github.com/tyto-tracker/tyto/storage"
)

// Name is the name by which this backend is registered.
const Name = "redis"

// Default config constants.
const (
	defaultAddr           = "127.0.0.1:6379"
	defaultReadTimeout    = time.Second * 15
	defaultWriteTimeout   = time.Second * 15
	defaultConnectTimeout = time.Second * 15
)

const (
	indexKey       = "tyto:infohashes"
	swarmKeyPrefix = "tyto:swarm:"
	snatchesField  = "snatches"
	seederPrefix   = "s"
	leecherPrefix  = "l"
)

// Config holds the configuration of a redis Backend.
type Config struct {
	Addr           string        `yaml:"addr"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"name":           Name,
		"addr":           cfg.Addr,
		"readTimeout":    cfg.ReadTimeout,
		"writeTimeout":   cfg.WriteTimeout,
		"connectTimeout": cfg.ConnectTimeout,
	}
}

// Validate sanity checks values set in a config and returns a new config with
// default values replacing anything that is invalid.
//
// This function warns to the logger when a value is changed.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.Addr == "" {
		validcfg.Addr = defaultAddr
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".Addr",
			"provided": cfg.Addr,
			"default":  validcfg.Addr,
		})
	}

	if cfg.ReadTimeout <= 0 {
		validcfg.ReadTimeout = defaultReadTimeout
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".ReadTimeout",
			"provided": cfg.ReadTimeout,
			"default":  validcfg.ReadTimeout,
		})
	}

	if cfg.WriteTimeout <= 0 {
		validcfg.WriteTimeout = defaultWriteTimeout
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".WriteTimeout",
			"provided": cfg.WriteTimeout,
			"default":  validcfg.WriteTimeout,
		})
	}

	if cfg.ConnectTimeout <= 0 {
		validcfg.ConnectTimeout = defaultConnectTimeout
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".ConnectTimeout",
			"provided": cfg.ConnectTimeout,
			"default":  validcfg.ConnectTimeout,
		})
	}

	return validcfg
}

type backend struct {
	cfg    Config
	pool   *redis.Pool
	closed chan struct{}
}

var _ storage.Backend = &backend{}

// New creates a new Backend on top of a redis instance.
func New(provided Config) (storage.Backend, error) {
	cfg := provided.Validate()

	pool := &redis.Pool{
		MaxIdle:     3,
		IdleTimeout: 240 * time.Second,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", cfg.Addr,
				redis.DialReadTimeout(cfg.ReadTimeout),
				redis.DialWriteTimeout(cfg.WriteTimeout),
				redis.DialConnectTimeout(cfg.ConnectTimeout),
			)
		},
		// PINGs connections that have been idle more than 10 seconds
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < 10*time.Second {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}

	c := pool.Get()
	defer c.Close()
	if _, err := c.Do("PING"); err != nil {
		return nil, errors.Wrap(err, "failed to connect to redis")
	}

	return &backend{
		cfg:    cfg,
		pool:   pool,
		closed: make(chan struct{}),
	}, nil
}

func newPeerField(pr storage.PeerRecord) (string, string) {
	b := make([]byte, 20+2+len(pr.IP.IP))
	copy(b[:20], pr.ID[:])
	binary.BigEndian.PutUint16(b[20:22], pr.Port)
	copy(b[22:], pr.IP.IP)

	prefix := leecherPrefix
	if pr.Seeding {
		prefix = seederPrefix
	}

	return prefix + hex.EncodeToString(b), strconv.FormatInt(pr.LastAnnounce, 10)
}

func decodePeerField(field, value string) (storage.PeerRecord, error) {
	if len(field) < 1 {
		return storage.PeerRecord{}, errors.New("empty peer field")
	}

	seeding := strings.HasPrefix(field, seederPrefix)
	bytes, err := hex.DecodeString(field[1:])
	if err != nil {
		return storage.PeerRecord{}, errors.Wrap(err, "non-hex peer field")
	}
	if len(bytes) < 22 {
		return storage.PeerRecord{}, errors.New("truncated peer field")
	}

	lastAnnounce, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return storage.PeerRecord{}, errors.Wrap(err, "malformed last announce")
	}

	pr := storage.PeerRecord{
		Seeding:      seeding,
		LastAnnounce: lastAnnounce,
	}
	pr.ID = bittorrent.PeerIDFromString(string(bytes[:20]))
	pr.Port = binary.BigEndian.Uint16(bytes[20:22])
	pr.IP = bittorrent.IP{IP: net.IP(bytes[22:])}

	if ip := pr.IP.To4(); ip != nil {
		pr.IP.IP = ip
		pr.IP.AddressFamily = bittorrent.IPv4
	} else if len(pr.IP.IP) == net.IPv6len { // implies pr.IP.To4() == nil
		pr.IP.AddressFamily = bittorrent.IPv6
	} else {
		return storage.PeerRecord{}, errors.New("peer field IP is neither v4 nor v6")
	}

	return pr, nil
}

func (b *backend) SaveBatch(ctx context.Context, records []storage.SwarmRecord) error {
	select {
	case <-b.closed:
		panic("attempted to interact with stopped redis backend")
	default:
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	conn := b.pool.Get()
	defer conn.Close()

	if err := conn.Send("MULTI"); err != nil {
		return err
	}

	for _, r := range records {
		ih := r.InfoHash.String()
		swarmKey := swarmKeyPrefix + ih

		if err := conn.Send("DEL", swarmKey); err != nil {
			return err
		}

		if len(r.Peers) == 0 {
			if err := conn.Send("SREM", indexKey, ih); err != nil {
				return err
			}
			continue
		}

		args := redis.Args{}.Add(swarmKey, snatchesField, r.Snatches)
		for _, pr := range r.Peers {
			field, value := newPeerField(pr)
			args = args.Add(field, value)
		}
		if err := conn.Send("HSET", args...); err != nil {
			return err
		}
		if err := conn.Send("SADD", indexKey, ih); err != nil {
			return err
		}
	}

	_, err := conn.Do("EXEC")
	return err
}

func (b *backend) LoadAllSwarms(ctx context.Context, f func(storage.SwarmRecord) error) error {
	select {
	case <-b.closed:
		panic("attempted to interact with stopped redis backend")
	default:
	}

	conn := b.pool.Get()
	defer conn.Close()

	infohashes, err := redis.Strings(conn.Do("SMEMBERS", indexKey))
	if err != nil {
		return err
	}

	for _, ih := range infohashes {
		if err := ctx.Err(); err != nil {
			return err
		}

		ihBytes, err := hex.DecodeString(ih)
		if err != nil || len(ihBytes) != 20 {
			log.Error("skipping swarm with malformed infohash", log.Fields{"infohash": ih})
			continue
		}

		fields, err := redis.StringMap(conn.Do("HGETALL", swarmKeyPrefix+ih))
		if err != nil {
			return err
		}

		record := storage.SwarmRecord{
			InfoHash: bittorrent.InfoHashFromBytes(ihBytes),
			Peers:    make([]storage.PeerRecord, 0, len(fields)),
		}

		for field, value := range fields {
			if field == snatchesField {
				snatches, err := strconv.ParseUint(value, 10, 32)
				if err != nil {
					log.Error("skipping malformed snatch count", log.Fields{"infohash": ih})
					continue
				}
				record.Snatches = uint32(snatches)
				continue
			}

			pr, err := decodePeerField(field, value)
			if err != nil {
				log.Error("skipping malformed peer field", log.Err(err), log.Fields{"infohash": ih})
				continue
			}
			record.Peers = append(record.Peers, pr)
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
		c.Done(b.pool.Close())
	}()

	return c.Result()
}

// LogFields renders the current config as a set of Logrus fields.
func (b *backend) LogFields() log.Fields {
	return b.cfg.LogFields()
}
