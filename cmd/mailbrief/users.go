package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nhle/mailbrief/internal/model"
)

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Inspect registered chats",
}

var usersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered chats and their mailboxes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := model.LoadConfig(configPath)
		if err != nil {
			return err
		}
		st, err := openStore(cfg.Storage.Path, cfg.Storage.EncryptionKey)
		if err != nil {
			return err
		}
		defer st.Close()

		users, err := st.ListUsers(cmd.Context())
		if err != nil {
			return err
		}
		return printUsers(cmd.OutOrStdout(), users)
	},
}

func init() {
	usersCmd.AddCommand(usersListCmd)
}

func printUsers(w io.Writer, users []model.User) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CHAT ID\tEMAIL\tAUTH\tVERIFIED\tMONITORED")
	for i := range users {
		u := &users[i]
		fmt.Fprintf(tw, "%d\t%s\t%s\t%t\t%t\n", u.ChatID, u.Email, u.AuthMethod, u.Verified, u.Eligible())
	}
	return tw.Flush()
}
