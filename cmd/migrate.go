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

	"github.com/blnkfinance/esb"
	"github.com/blnkfinance/esb/database"
	migrate "github.com/rubenv/sql-migrate"
	"github.com/spf13/cobra"
)

// schema holds the bus tables and the migration bookkeeping.
const schema = "esb"

func migrationSource() migrate.MigrationSource {
	return migrate.EmbedFileSystemMigrationSource{
		FileSystem: esb.SQLFiles,
		Root:       "sql",
	}
}

// runMigrations applies or rolls back the embedded migrations. max limits
// the number of steps, 0 means all.
func runMigrations(b *esbInstance, direction migrate.MigrationDirection, max int) (int, error) {
	db, err := database.ConnectDB(b.cnf.DataSource.Dns)
	if err != nil {
		return 0, fmt.Errorf("error connecting to database: %w", err)
	}
	defer db.Close()

	migrate.SetSchema(schema)
	return migrate.ExecMax(db, "postgres", migrationSource(), direction, max)
}

// migrateCommands creates the root command for migration-related operations.
func migrateCommands(b *esbInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:         "migrate",
		Short:       "migrate the bus schema",
		Annotations: map[string]string{"bus": "skip"},
	}

	cmd.AddCommand(migrateUpCommands(b))
	cmd.AddCommand(migrateDownCommands(b))

	return cmd
}

func migrateUpCommands(b *esbInstance) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "apply all pending migrations",
		Run: func(cmd *cobra.Command, args []string) {
			n, err := runMigrations(b, migrate.Up, 0)
			if err != nil {
				log.Printf("Error migrating up: %v", err)
				return
			}
			fmt.Printf("Applied %d migrations!\n", n)
		},
	}
}

func migrateDownCommands(b *esbInstance) *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   "down",
		Short: "roll back applied migrations",
		Run: func(cmd *cobra.Command, args []string) {
			n, err := runMigrations(b, migrate.Down, steps)
			if err != nil {
				log.Printf("Error migrating down: %v", err)
				return
			}
			fmt.Printf("Rolled back %d migrations!\n", n)
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 0, "number of migrations to roll back, 0 rolls back all")
	return cmd
}
