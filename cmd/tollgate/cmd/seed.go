package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/jmcleod/tollgate/identity"
	"github.com/jmcleod/tollgate/internal/util"
)

var seedCmd = &cobra.Command{
	Use:   "seed-admin",
	Short: "Ensure the administrator role exists and is held by the seed account",
	Long: `Creates the administrator role if it is missing, creates the account named by
TOLLGATE_SEED_ADMIN_EMAIL if it does not exist and assigns the role to it.
Safe to run repeatedly.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Admin.SeedEmail == "" {
			return errors.New("TOLLGATE_SEED_ADMIN_EMAIL is not set")
		}
		if cfg.Backend.ServiceToken == "" {
			return errors.New("TOLLGATE_BACKEND_SERVICE_TOKEN is required to seed")
		}
		logger := newLogger(cfg.Debug)
		backend, err := identity.New(cfg.Backend.URL,
			identity.WithServiceToken(cfg.Backend.ServiceToken),
			identity.WithLogger(logger),
		)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Backend.Timeout)
		defer cancel()
		if err := seedAdmin(ctx, backend, cfg.Admin.Role, cfg.Admin.SeedEmail, cfg.Admin.SeedPassword, logger); err != nil {
			return err
		}
		fmt.Printf("%s holds role %q\n", cfg.Admin.SeedEmail, cfg.Admin.Role)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(seedCmd)
}

// seedAdmin makes sure role exists and email holds it. A missing account
// is created with password, which must then be set.
func seedAdmin(ctx context.Context, backend *identity.Client, role, email, password string, logger *slog.Logger) error {
	roles, err := backend.ListRoles(ctx)
	if err != nil {
		return fmt.Errorf("listing roles: %w", err)
	}
	if !slices.ContainsFunc(roles, func(r string) bool { return util.EqualFold(r, role) }) {
		if err := backend.CreateRole(ctx, role); err != nil {
			return fmt.Errorf("creating role %s: %w", role, err)
		}
		logger.Info("created role", "role", role)
	}

	user, err := backend.FindUserByEmail(ctx, email)
	switch {
	case errors.Is(err, identity.ErrUserNotFound):
		if password == "" {
			return fmt.Errorf("account %s does not exist and no seed password is set", email)
		}
		if user, err = backend.CreateUser(ctx, email, password, true); err != nil {
			return fmt.Errorf("creating %s: %w", email, err)
		}
		logger.Info("created administrator account", "email", email, "user_id", user.ID)
	case err != nil:
		return fmt.Errorf("looking up %s: %w", email, err)
	}

	held, err := backend.UserRoles(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("reading roles of %s: %w", email, err)
	}
	if slices.ContainsFunc(held, func(r string) bool { return util.EqualFold(r, role) }) {
		return nil
	}
	if err := backend.AssignRole(ctx, user.ID, role); err != nil {
		return fmt.Errorf("assigning %s to %s: %w", role, email, err)
	}
	logger.Info("assigned administrator role", "email", email, "role", role)
	return nil
}
