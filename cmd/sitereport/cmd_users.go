package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"sitereport/internal/auth"
	"sitereport/internal/store"
	"sitereport/internal/types"
)

func (a *app) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			res, err := store.Migrate(st.DB())
			if err != nil {
				return err
			}
			a.log().Info("Schema is current",
				zap.String("path", st.Path()),
				zap.Int("version", res.ToVersion),
				zap.Int("columnsAdded", res.ColumnsAdded))
			fmt.Fprintf(cmd.OutOrStdout(), "%s: schema v%d\n", st.Path(), res.ToVersion)
			return nil
		},
	}
}

func (a *app) userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage user accounts",
	}
	cmd.AddCommand(a.userCreateCmd(), a.userRoleCmd(), a.userPaidCmd(), a.userListCmd())
	return cmd
}

func (a *app) userCreateCmd() *cobra.Command {
	var (
		name     string
		password string
		admin    bool
	)
	cmd := &cobra.Command{
		Use:   "create <email>",
		Short: "Create a password account",
		Long: `Creates a user with a password login. The password may also be
supplied through SITEREPORT_USER_PASSWORD to keep it out of shell history.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv("SITEREPORT_USER_PASSWORD")
			}
			if password == "" {
				return fmt.Errorf("--password or SITEREPORT_USER_PASSWORD is required")
			}
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			u, err := auth.New(st, cfg).Register(args[0], name, password)
			if err != nil {
				return err
			}
			if admin && !u.IsAdmin() {
				if err := st.SetRole(u.ID, types.RoleAdmin); err != nil {
					return err
				}
				u.Role = types.RoleAdmin
			}
			a.log().Info("User created", zap.String("id", u.ID), zap.String("role", string(u.Role)))
			fmt.Fprintf(cmd.OutOrStdout(), "created %s (%s) id=%s\n", u.Email, u.Role, u.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	cmd.Flags().StringVar(&password, "password", "", "Initial password")
	cmd.Flags().BoolVar(&admin, "admin", false, "Grant the admin role")
	return cmd
}

func (a *app) userRoleCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "role <email> <user|admin>",
		Aliases: []string{"promote"},
		Short:   "Change a user's role",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			role := types.Role(strings.ToLower(args[1]))
			if !role.Valid() {
				return fmt.Errorf("unknown role %q", args[1])
			}
			return a.withUser(args[0], func(st *store.Store, u *types.User) error {
				if err := st.SetRole(u.ID, role); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", u.Email, role)
				return nil
			})
		},
	}
}

func (a *app) userPaidCmd() *cobra.Command {
	var (
		revoke bool
		days   int
	)
	cmd := &cobra.Command{
		Use:   "paid <email>",
		Short: "Grant or revoke paid access",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withUser(args[0], func(st *store.Store, u *types.User) error {
				var until *time.Time
				if !revoke && days > 0 {
					t := time.Now().AddDate(0, 0, days).UTC()
					until = &t
				}
				if err := st.SetPaid(u.ID, !revoke, until); err != nil {
					return err
				}
				switch {
				case revoke:
					fmt.Fprintf(cmd.OutOrStdout(), "%s: paid access revoked\n", u.Email)
				case until != nil:
					fmt.Fprintf(cmd.OutOrStdout(), "%s: paid until %s\n", u.Email, until.Format(time.DateOnly))
				default:
					fmt.Fprintf(cmd.OutOrStdout(), "%s: paid, no expiry\n", u.Email)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&revoke, "revoke", false, "Remove paid access")
	cmd.Flags().IntVar(&days, "days", 0, "Expire after this many days (0 = never)")
	return cmd
}

func (a *app) userListCmd() *cobra.Command {
	var (
		query string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List users, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			users, total, err := st.ListUsers(query, limit, 0)
			if err != nil {
				return err
			}
			now := time.Now()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "EMAIL\tNAME\tROLE\tPAID\tCREATED")
			for _, u := range users {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", u.Email, u.Name, u.Role,
					u.HasPaidAccess(now), u.CreatedAt.Format(time.DateOnly))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d of %d users\n", len(users), total)
			return nil
		},
	}
	cmd.Flags().StringVarP(&query, "query", "q", "", "Filter by email or name")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum rows")
	return cmd
}

func (a *app) withUser(email string, fn func(*store.Store, *types.User) error) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	u, err := st.GetUserByEmail(email)
	if err != nil {
		return fmt.Errorf("user %s: %w", email, err)
	}
	return fn(st, u)
}
