package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"tontoo/internal/auth"
	"tontoo/internal/config"
	"tontoo/internal/models"
	"tontoo/internal/quota"
	"tontoo/internal/redis"
	"tontoo/internal/service/assistant"

	"github.com/spf13/cobra"
)

func newUserCmd(flags *appFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage relay users",
	}

	var maxTokens int64
	addCmd := &cobra.Command{
		Use:   "add <username> <password>",
		Short: "Create a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, db, err := openDatabase(flags)
			if err != nil {
				return err
			}
			defer db.Close()

			users := assistant.NewService(db, cfg.Quota.DefaultMaxTokens)
			user, err := users.CreateUser(cmd.Context(), args[0], args[1], maxTokens)
			if err != nil {
				return err
			}
			fmt.Printf("Created user %s (id %d, %d tokens/day)\n", user.Username, user.ID, user.TokenCap)
			return nil
		},
	}
	addCmd.Flags().Int64Var(&maxTokens, "max-tokens", 0, "daily token cap (default from config)")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List users and today's usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, db, err := openDatabase(flags)
			if err != nil {
				return err
			}
			defer db.Close()

			users, err := assistant.NewService(db, cfg.Quota.DefaultMaxTokens).ListUsers(cmd.Context())
			if err != nil {
				return err
			}
			if len(users) == 0 {
				fmt.Println("No users found.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tUSERNAME\tMAX TOKENS\tUSED\tREMAINING")
			for _, u := range users {
				fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%d\n", u.ID, u.Username, u.TokenCap, u.TokensUsedToday, u.Remaining())
			}
			return w.Flush()
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <username>",
		Short: "Delete a user with their tokens and conversations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, db, err := openDatabase(flags)
			if err != nil {
				return err
			}
			defer db.Close()
			rdb, err := openCache(cfg)
			if err != nil {
				return err
			}
			if rdb != nil {
				defer rdb.Close()
			}
			user, err := deleteUser(cmd.Context(), cfg, db, rdb, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Deleted user %s\n", user.Username)
			return nil
		},
	}

	cmd.AddCommand(addCmd, listCmd, deleteCmd)
	return cmd
}

// deleteUser revokes the user's tokens, cached copies included, then removes
// their conversations and account.
func deleteUser(ctx context.Context, cfg *config.Config, db *sql.DB, cache *redis.Client, username string) (*models.User, error) {
	users := assistant.NewService(db, cfg.Quota.DefaultMaxTokens)
	user, err := users.GetUserByName(ctx, username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %q not found", username)
		}
		return nil, err
	}
	if err := auth.NewService(db, cache, cfg.TokenTTL()).RevokeUserTokens(ctx, user.ID); err != nil {
		return nil, err
	}
	backend, err := openChatBackend(cfg, db)
	if err != nil {
		return nil, err
	}
	defer backend.Close()
	if err := backend.DeleteUser(ctx, user.ID); err != nil {
		return nil, err
	}
	if err := users.DeleteUser(ctx, user.ID); err != nil {
		return nil, err
	}
	return user, nil
}

func newQuotaCmd(flags *appFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quota",
		Short: "Manage daily token quotas",
	}
	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear today's usage for every user",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, db, err := openDatabase(flags)
			if err != nil {
				return err
			}
			defer db.Close()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			loc, err := cfg.Location()
			if err != nil {
				return err
			}
			if err := quota.NewLedger(db, loc).ForceReset(ctx); err != nil {
				return err
			}
			fmt.Println("Daily usage cleared.")
			return nil
		},
	}
	cmd.AddCommand(resetCmd)
	return cmd
}
