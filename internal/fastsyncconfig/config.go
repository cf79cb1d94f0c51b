// Copyright 2024 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

// Package fastsyncconfig loads the fast-sync engine's TOML configuration
// file, the same way cmd/geth/config.go loads geth's own node/eth config:
// decode onto a struct that already holds the defaults, so a file that
// omits a field simply leaves the default in place.
package fastsyncconfig

import (
	"fmt"
	"os"
	"reflect"

	"github.com/BurntSushi/toml"

	"github.com/Enthef/mantis/fastsync"
)

// tomlSettings mirrors cmd/geth's own instance: a field present in the file
// but absent from the struct is a hard error, so a typo in a config file
// surfaces immediately instead of silently keeping the default.
var tomlSettings = toml.Config{
	MissingField: func(rt reflect.Type, field string) error {
		return fmt.Errorf("field '%s' is not defined in %s", field, rt.String())
	},
}

// Config is the top-level document a fast-sync node's TOML file describes.
// DataDir and BootstrapPeers sit alongside the engine's own Config because
// they are node-level concerns this package's caller (cmd/fastsync) needs,
// not because fastsync.Config grows to know about them.
type Config struct {
	DataDir        string
	BootstrapPeers []string
	FastSync       fastsync.Config
}

// Defaults returns a Config seeded with fastsync.DefaultConfig() and an
// empty data directory/peer list, the starting point LoadFile decodes onto.
func Defaults() Config {
	return Config{FastSync: fastsync.DefaultConfig()}
}

// LoadFile decodes path onto Defaults(), so any field the file doesn't
// mention keeps its default value.
func LoadFile(path string) (Config, error) {
	cfg := Defaults()
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("fastsyncconfig: open %s: %w", path, err)
	}
	defer f.Close()

	if err := tomlSettings.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("fastsyncconfig: parse %s: %w", path, err)
	}
	return cfg, nil
}
