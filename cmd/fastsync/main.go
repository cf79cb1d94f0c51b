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

// Command fastsync wires the fast-sync engine's components together from a
// TOML configuration file and runs the coordinator, the way cmd/geth wires
// its own subcommands around a urfave/cli app. It does not connect to the
// configured bootstrap peers: it only logs how many there are, and no peer
// events are fed to the coordinator from this command.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/inconshreveable/log15"
	"github.com/urfave/cli/v2"

	"github.com/Enthef/mantis/fastsync"
	"github.com/Enthef/mantis/internal/fastsyncconfig"
)

var (
	configFlag = &cli.StringFlag{
		Name:     "config",
		Usage:    "TOML configuration file",
		Required: true,
	}
	dataDirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "overrides the config file's data directory",
	}
)

func main() {
	app := &cli.App{
		Name:  "fastsync",
		Usage: "run the fast-sync engine from a TOML configuration file",
		Flags: []cli.Flag{configFlag, dataDirFlag},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log15.Crit("fastsync terminated", "err", err)
	}
}

func run(c *cli.Context) error {
	cfg, err := fastsyncconfig.LoadFile(c.String(configFlag.Name))
	if err != nil {
		return err
	}
	if dir := c.String(dataDirFlag.Name); dir != "" {
		cfg.DataDir = dir
	}
	if cfg.DataDir == "" {
		return fmt.Errorf("fastsync: no data directory configured")
	}

	storage, err := fastsync.OpenStorage(cfg.DataDir)
	if err != nil {
		return err
	}
	defer storage.Close()

	registry := fastsync.NewPeerRegistry(cfg.FastSync)
	validator := fastsync.NewValidator(storage, nil)
	pivotSelector := fastsync.NewPivotSelector(registry, cfg.FastSync)
	stateScheduler, err := fastsync.NewStateScheduler(storage, cfg.FastSync)
	if err != nil {
		return err
	}
	coordinator := fastsync.NewCoordinator(cfg.FastSync, registry, storage, validator, pivotSelector, stateScheduler)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := coordinator.Start(ctx); err != nil {
		return err
	}

	log15.Info("fastsync running", "datadir", cfg.DataDir, "bootstrapPeers", len(cfg.BootstrapPeers))
	select {
	case <-coordinator.Done():
		log15.Info("fastsync finished")
	case <-ctx.Done():
		log15.Info("fastsync interrupted")
	}
	return nil
}
