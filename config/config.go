// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config loads the node configuration from flags, environment and
// config files through viper.
package config

import (
	"errors"
	"flag"
	"fmt"
	"strings"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	log "github.com/inconshreveable/log15"

	"github.com/ava-labs/substratevm/executor"
	"github.com/ava-labs/substratevm/hashtree"
	"github.com/ava-labs/substratevm/kernel"
	"github.com/ava-labs/substratevm/statedb"
)

const (
	EnvPrefix = "SUBSTRATEVM"

	ConfigFileKey        = "config-file"
	DBTypeKey            = "db-type"
	DBDirKey             = "db-dir"
	HTTPHostKey          = "http-host"
	HTTPPortKey          = "http-port"
	MaxCallDepthKey      = "max-call-depth"
	MaxSubstateSizeKey   = "max-substate-size"
	TreeCacheSizeKey     = "tree-cache-size"
	SubstateCacheSizeKey = "substate-cache-size"
	CommitForceWritesKey = "commit-force-writes"
	LogLevelKey          = "log-level"

	MemDB   = "memdb"
	LevelDB = "leveldb"
)

var (
	errInvalidDBType    = errors.New("invalid database type")
	errMissingDBDir     = errors.New("leveldb requires a database directory")
	errInvalidCallDepth = errors.New("max call depth must be positive")
	errInvalidCache     = errors.New("cache sizes must be positive")
)

// Config is the configuration of a substratevm node.
type Config struct {
	DBType            string
	DBDir             string
	HTTPHost          string
	HTTPPort          uint16
	MaxCallDepth      int
	MaxSubstateSize   datasize.ByteSize
	TreeCacheSize     int
	SubstateCacheSize int
	CommitForceWrites bool
	LogLevel          log.Lvl
}

// BuildFlagSet returns the flags of every configuration key with their
// defaults.
func BuildFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("substratevm", flag.ContinueOnError)

	fs.String(ConfigFileKey, "", "Path to a config file")
	fs.String(DBTypeKey, MemDB, fmt.Sprintf("Database backend, one of {%s, %s}", MemDB, LevelDB))
	fs.String(DBDirKey, "", "Directory of the leveldb database")
	fs.String(HTTPHostKey, "127.0.0.1", "Address of the HTTP server")
	fs.Uint(HTTPPortKey, 9650, "Port of the HTTP server")
	fs.Int(MaxCallDepthKey, kernel.DefaultMaxCallDepth, "Maximum depth of nested invocations")
	fs.String(MaxSubstateSizeKey, datasize.ByteSize(kernel.DefaultMaxSubstateSize).String(), "Maximum encoded size of a substate value")
	fs.Int(TreeCacheSizeKey, hashtree.DefaultNodeCacheSize, "Number of tree nodes to cache")
	fs.Int(SubstateCacheSizeKey, statedb.DefaultSubstateCacheSize, "Number of substates to cache")
	fs.Bool(CommitForceWritesKey, false, "Commit forced writes of rejected transactions")
	fs.String(LogLevelKey, "info", "Log level, one of {crit, eror, warn, info, dbug}")

	return fs
}

// BindFlags registers the configuration flags on [flags] and binds them to
// [v].
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	flags.AddGoFlagSet(BuildFlagSet())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v.BindPFlags(flags)
}

// Load reads the configuration from [v], merging the config file when one
// is named.
func Load(v *viper.Viper) (Config, error) {
	if path := v.GetString(ConfigFileKey); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("couldn't read config file %q: %w", path, err)
		}
	}

	maxSubstateSize, err := datasize.ParseString(v.GetString(MaxSubstateSizeKey))
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", MaxSubstateSizeKey, err)
	}
	logLevel, err := log.LvlFromString(v.GetString(LogLevelKey))
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", LogLevelKey, err)
	}
	c := Config{
		DBType:            v.GetString(DBTypeKey),
		DBDir:             v.GetString(DBDirKey),
		HTTPHost:          v.GetString(HTTPHostKey),
		HTTPPort:          uint16(v.GetUint(HTTPPortKey)),
		MaxCallDepth:      v.GetInt(MaxCallDepthKey),
		MaxSubstateSize:   maxSubstateSize,
		TreeCacheSize:     v.GetInt(TreeCacheSizeKey),
		SubstateCacheSize: v.GetInt(SubstateCacheSizeKey),
		CommitForceWrites: v.GetBool(CommitForceWritesKey),
		LogLevel:          logLevel,
	}
	return c, c.Verify()
}

// Verify checks the configuration is usable.
func (c Config) Verify() error {
	switch c.DBType {
	case MemDB:
	case LevelDB:
		if c.DBDir == "" {
			return errMissingDBDir
		}
	default:
		return fmt.Errorf("%w: %q", errInvalidDBType, c.DBType)
	}
	if c.MaxCallDepth <= 0 {
		return errInvalidCallDepth
	}
	if c.TreeCacheSize <= 0 || c.SubstateCacheSize <= 0 {
		return errInvalidCache
	}
	return nil
}

func (c Config) HTTPAddress() string {
	return fmt.Sprintf("%s:%d", c.HTTPHost, c.HTTPPort)
}

func (c Config) StateDBConfig() statedb.Config {
	config := statedb.DefaultConfig()
	config.TreeCacheSize = c.TreeCacheSize
	config.SubstateCacheSize = c.SubstateCacheSize
	return config
}

func (c Config) ExecutorConfig() executor.Config {
	return executor.Config{
		Kernel: kernel.Config{
			MaxCallDepth:    c.MaxCallDepth,
			MaxSubstateSize: int(c.MaxSubstateSize.Bytes()),
		},
		CommitForceWrites: c.CommitForceWrites,
	}
}
