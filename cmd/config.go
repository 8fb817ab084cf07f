package main

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/spf13/cobra"
)

func configCommands(b *esbInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:         "config",
		Short:       "config outputs your instance's computed configuration",
		Annotations: map[string]string{"bus": "skip"},
		Run: func(cmd *cobra.Command, args []string) {
			cfg := *b.cnf
			for _, key := range []*string{&cfg.Server.SecretKey, &cfg.Server.ReadOnlyKey} {
				if *key != "" {
					*key = "********"
				}
			}

			data, err := json.MarshalIndent(cfg, "", "    ")
			if err != nil {
				log.Fatalf("Error printing config: %v\n", err)
			}

			fmt.Println(string(data))
		},
	}
	return cmd
}
