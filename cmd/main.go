/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"fmt"
	"log"
	"os"

	"github.com/blnkfinance/esb"
	"github.com/blnkfinance/esb/config"
	"github.com/blnkfinance/esb/database"
	"github.com/blnkfinance/esb/internal/notification"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// ESB represents the CLI application, encapsulating the root Cobra command.
type ESB struct {
	cmd *cobra.Command
}

// esbInstance holds the bus and its configuration for the commands.
type esbInstance struct {
	bus *esb.Bus
	cnf *config.Configuration
}

// recoverPanic handles any panics during program execution and logs the error using Logrus.
func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration and builds the bus before running any
// command. Commands that only need the configuration skip the bus.
func preRun(app *esbInstance, configFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig(*configFile)
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}
		app.cnf = cnf

		if skipsBus(cmd) {
			return nil
		}

		bus, err := setupBus(cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}
		app.bus = bus
		return nil
	}
}

// skipsBus reports whether cmd or one of its parents is annotated to run
// without the bus.
func skipsBus(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations["bus"] == "skip" {
			return true
		}
	}
	return false
}

// setupBus connects to the data source and creates the bus.
func setupBus(cfg *config.Configuration) (*esb.Bus, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	bus, err := esb.NewBus(db)
	if err != nil {
		return nil, fmt.Errorf("error creating bus: %v", err)
	}
	return bus, nil
}

// NewCLI creates the command-line interface of the bus.
func NewCLI() *ESB {
	var configFile string
	b := &esbInstance{}

	var rootCmd = &cobra.Command{
		Use:   "esb",
		Short: "Reliable message bus",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./esb.json", "Configuration file for the bus")
	rootCmd.PersistentPreRunE = preRun(b, &configFile)

	rootCmd.AddCommand(serverCommands(b))
	rootCmd.AddCommand(workerCommands(b))
	rootCmd.AddCommand(migrateCommands(b))
	rootCmd.AddCommand(repairCommands(b))
	rootCmd.AddCommand(configCommands(b))

	return &ESB{cmd: rootCmd}
}

// executeCLI runs the root command, handling any errors that occur during execution.
func (e ESB) executeCLI() {
	if err := e.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
