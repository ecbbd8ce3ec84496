package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nhle/mailbrief/internal/credential"
)

// secretNames maps CLI names to keyring keys.
var secretNames = map[string]string{
	"telegram-token": credential.KeyTelegramToken,
	"llm-api-key":    credential.KeyLLMAPIKey,
	"storage-key":    credential.KeyStorage,
}

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage secrets kept in the system keyring",
}

var secretSetCmd = &cobra.Command{
	Use:       "set <telegram-token|llm-api-key|storage-key>",
	Short:     "Store a secret read from stdin",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"telegram-token", "llm-api-key", "storage-key"},
	RunE: func(cmd *cobra.Command, args []string) error {
		key, ok := secretNames[args[0]]
		if !ok {
			return fmt.Errorf("unknown secret %q", args[0])
		}

		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		value := strings.TrimSpace(line)
		if value == "" {
			if err != nil {
				return fmt.Errorf("reading secret: %w", err)
			}
			return fmt.Errorf("empty value for %s", args[0])
		}
		if err := credential.Set(key, value); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Saved %s.\n", args[0])
		return nil
	},
}

var secretDeleteCmd = &cobra.Command{
	Use:   "delete <telegram-token|llm-api-key|storage-key>",
	Short: "Remove a secret from the keyring",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, ok := secretNames[args[0]]
		if !ok {
			return fmt.Errorf("unknown secret %q", args[0])
		}
		if err := credential.Delete(key); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s.\n", args[0])
		return nil
	},
}

func init() {
	secretCmd.AddCommand(secretSetCmd, secretDeleteCmd)
}
