package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/vulnz/vulnz/internal/auth"
	"github.com/vulnz/vulnz/internal/config"
	"github.com/vulnz/vulnz/internal/database"
)

// withDB opens and migrates the configured database, runs fn and closes
// the database whatever fn returns.
func withDB(ctx context.Context, g *globalFlags, fn func(cfg *config.Config, db *database.DB) error) (err error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	db, err := database.OpenAndMigrate(ctx, dbOptions(cfg))
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("closing database: %w", cerr)
		}
	}()
	return fn(cfg, db)
}

func passwordPolicy(cfg *config.Config) auth.Policy {
	return auth.Policy{
		MinLength:    cfg.Password.MinLength,
		MinAlpha:     cfg.Password.MinAlpha,
		MinNumeric:   cfg.Password.MinNumeric,
		MinSymbols:   cfg.Password.MinSymbols,
		MinUppercase: cfg.Password.MinUppercase,
		MinLowercase: cfg.Password.MinLowercase,
	}
}

func newUserAddCmd(g *globalFlags) *cobra.Command {
	var admin bool

	cmd := &cobra.Command{
		Use:   "user:add <email> <password>",
		Short: "Create a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), g, func(cfg *config.Config, db *database.DB) error {
				u, err := addUser(cmd.Context(), db, passwordPolicy(cfg), args[0], args[1], admin)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created user %d (%s)\n", u.ID, u.Username)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&admin, "admin", false, "Grant the administrator role")
	return cmd
}

func addUser(ctx context.Context, db *database.DB, policy auth.Policy, username, password string, admin bool) (*database.User, error) {
	username = auth.NormalizeUsername(username)
	if err := auth.ValidateUsername(username); err != nil {
		return nil, err
	}
	if err := auth.ValidatePassword(policy, password); err != nil {
		return nil, err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}

	roles := []string{database.RoleUser}
	if admin {
		roles = append(roles, database.RoleAdministrator)
	}
	u := &database.User{Username: username, PasswordHash: hash}
	if err := db.CreateUser(ctx, u, roles); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			return nil, fmt.Errorf("user %s already exists", username)
		}
		return nil, fmt.Errorf("creating user: %w", err)
	}
	return u, nil
}

// listedUser is one user:list row.
type listedUser struct {
	ID               int64     `json:"id"`
	Username         string    `json:"username"`
	Roles            []string  `json:"roles"`
	ReportingWeekday string    `json:"reporting_weekday"`
	Paused           bool      `json:"paused"`
	Blocked          bool      `json:"blocked"`
	CreatedAt        time.Time `json:"created_at"`
}

func newUserListCmd(g *globalFlags) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "user:list",
		Short: "List users",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDB(cmd.Context(), g, func(_ *config.Config, db *database.DB) error {
				users, err := listUsers(cmd.Context(), db)
				if err != nil {
					return err
				}
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(users)
				}
				writeUserTable(cmd.OutOrStdout(), users)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func listUsers(ctx context.Context, db *database.DB) ([]listedUser, error) {
	users, err := db.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	ids := make([]int64, len(users))
	for i, u := range users {
		ids[i] = u.ID
	}
	roles, err := db.RolesForUsers(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("listing roles: %w", err)
	}

	out := make([]listedUser, 0, len(users))
	for _, u := range users {
		r := roles[u.ID]
		if r == nil {
			r = []string{}
		}
		out = append(out, listedUser{
			ID:               u.ID,
			Username:         u.Username,
			Roles:            r,
			ReportingWeekday: u.ReportingWeekday,
			Paused:           u.Paused,
			Blocked:          u.Blocked,
			CreatedAt:        u.CreatedAt.UTC(),
		})
	}
	return out, nil
}

func writeUserTable(w io.Writer, users []listedUser) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ID", "Username", "Roles", "Weekday", "Status", "Created"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)

	for _, u := range users {
		status := "active"
		switch {
		case u.Blocked:
			status = "blocked"
		case u.Paused:
			status = "paused"
		}
		table.Append([]string{
			strconv.FormatInt(u.ID, 10),
			u.Username,
			strings.Join(u.Roles, ","),
			u.ReportingWeekday,
			status,
			u.CreatedAt.Format("2006-01-02"),
		})
	}
	table.Render()
}

func newMigrateCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			db, err := database.OpenWith(dbOptions(cfg))
			if err != nil {
				return fmt.Errorf("opening database: %w", err)
			}
			defer func() { _ = db.Close() }()

			applied, err := db.Migrate(cmd.Context())
			if err != nil {
				return fmt.Errorf("migrating database: %w", err)
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "database is up to date")
				return nil
			}
			for _, name := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", name)
			}
			return nil
		},
	}
}
