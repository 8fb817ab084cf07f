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
	"context"
	"fmt"
	"log"

	"github.com/spf13/cobra"
)

// repairCommands runs both repair sweeps once and exits.
func repairCommands(b *esbInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repair",
		Short: "repair messages and external calls left behind by crashed nodes",
		Run: func(cmd *cobra.Command, args []string) {
			defer func() {
				if err := b.bus.Close(); err != nil {
					log.Printf("Error during shutdown: %v", err)
				}
			}()

			result, err := b.bus.TriggerRepair(context.Background())
			fmt.Printf("Repaired %d messages and %d external calls\n", result.Messages, result.ExternalCalls)
			if err != nil {
				log.Printf("Error repairing: %v", err)
			}
		},
	}
	return cmd
}
