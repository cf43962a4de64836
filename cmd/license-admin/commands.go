package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"license-server/config"
	"license-server/internal/auth"
	"license-server/internal/database"
	"license-server/internal/license"
	"license-server/internal/vault"
)

var (
	genkeyPrefix string
	genkeyCount  int

	issueUser  string
	issueHours float64
	issueTxn   string

	revokeReason string

	tokenUser   string
	tokenEmail  string
	tokenAdmin  bool
	tokenExpiry time.Duration
)

// openServices connects to the configured database. Tests replace it.
var openServices = func(ctx context.Context) (*license.Services, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if err := overlaySecrets(ctx, cfg); err != nil {
		return nil, nil, err
	}
	if !cfg.DatabaseConfig.Configured() {
		return nil, nil, errors.New("no database configured: set DATABASE_URL or DB_HOST")
	}

	db, err := database.Open(cfg.DatabaseConfig)
	if err != nil {
		return nil, nil, err
	}
	svc := license.NewServices(database.NewStore(db), licensingConfig(cfg))
	return svc, db.Close, nil
}

func overlaySecrets(ctx context.Context, cfg *config.Config) error {
	vc, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		return err
	}
	return vc.Overlay(ctx, cfg)
}

func licensingConfig(cfg *config.Config) license.Config {
	return license.Config{
		DefaultMaxActivations: cfg.LicensingConfig.DefaultMaxActivations,
		TrialDuration:         cfg.LicensingConfig.TrialDuration,
		Validity:              cfg.LicensingConfig.Validity,
		KeyPrefix:             cfg.LicensingConfig.KeyPrefix,
	}
}

var genkeyCmd = &cobra.Command{
	Use:   "genkey",
	Short: "Generate license keys without storing them",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if genkeyCount < 1 || genkeyCount > 100 {
			return fmt.Errorf("count must be between 1 and 100")
		}
		out := cmd.OutOrStdout()
		for i := 0; i < genkeyCount; i++ {
			key, err := license.GenerateKey(genkeyPrefix)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, key)
		}
		return nil
	},
}

var issueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a license outside the payment gateways",
	Example: `  # Issue 10 hours to a user
  license-admin issue --user 3f2a... --hours 10`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svc, closeFn, err := openServices(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		txn := issueTxn
		if txn == "" {
			txn = "manual-" + uuid.New().String()
		}

		l, replayed, err := svc.Purchases.CreateLicense(ctx, license.PurchaseEvent{
			UserID:        issueUser,
			Hours:         issueHours,
			TransactionID: txn,
			Gateway:       license.GatewayManual,
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if replayed {
			fmt.Fprintf(out, "Transaction %s was already issued; existing license:\n", txn)
		}
		printLicense(out, l)
		return nil
	},
}

var revokeCmd = &cobra.Command{
	Use:   "revoke KEY",
	Short: "Revoke a license",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svc, closeFn, err := openServices(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		l, err := svc.Admin.Revoke(ctx, args[0], revokeReason)
		if err != nil {
			return err
		}
		printLicense(cmd.OutOrStdout(), l)
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show KEY",
	Short: "Show a license with its devices",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svc, closeFn, err := openServices(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		l, err := svc.Admin.Get(ctx, license.LicenseRef{Key: args[0]})
		if err != nil {
			return err
		}
		devices, err := svc.Admin.ListDevices(ctx, l.ID)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		printLicense(out, l)
		fmt.Fprintf(out, "  Devices:   %d/%d\n", len(devices), l.MaxActivations)
		for _, d := range devices {
			fmt.Fprintf(out, "    - %s (activated %s)\n", d.DeviceID, d.ActivatedAt.Format(time.RFC3339))
		}
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the license schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := overlaySecrets(cmd.Context(), cfg); err != nil {
			return err
		}
		if !cfg.DatabaseConfig.Configured() {
			return errors.New("no database configured: set DATABASE_URL or DB_HOST")
		}
		db, err := database.Open(cfg.DatabaseConfig)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.RunMigrations(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied.")
		return nil
	},
}

var sampleConfigCmd = &cobra.Command{
	Use:   "sample-config PATH",
	Short: "Write a sample config.json",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.GenerateSampleConfig(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Sample configuration written to %s\n", args[0])
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an access token for the account and admin API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := overlaySecrets(cmd.Context(), cfg); err != nil {
			return err
		}
		if cfg.AuthConfig.JWTSecret == "" {
			return errors.New("AUTH_JWT_SECRET is not set")
		}

		expiry := tokenExpiry
		if expiry <= 0 {
			expiry = cfg.AuthConfig.AccessTokenDuration
		}
		m := auth.NewJWTManager(cfg.AuthConfig.JWTSecret, cfg.AuthConfig.Issuer, cfg.AuthConfig.Audience, expiry)
		tok, err := m.GenerateAccessToken(auth.UserClaims{UserID: tokenUser, Email: tokenEmail, IsAdmin: tokenAdmin})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	genkeyCmd.Flags().StringVar(&genkeyPrefix, "prefix", license.DefaultKeyPrefix, "three character key prefix")
	genkeyCmd.Flags().IntVar(&genkeyCount, "count", 1, "number of keys to generate (1-100)")

	issueCmd.Flags().StringVar(&issueUser, "user", "", "owning user id")
	issueCmd.Flags().Float64Var(&issueHours, "hours", 0, "prepaid hours")
	issueCmd.Flags().StringVar(&issueTxn, "txn", "", "idempotency key (default: random)")
	issueCmd.MarkFlagRequired("user")
	issueCmd.MarkFlagRequired("hours")

	revokeCmd.Flags().StringVar(&revokeReason, "reason", "revoked by administrator", "reason recorded with the revocation")

	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "user id (subject)")
	tokenCmd.Flags().StringVar(&tokenEmail, "email", "", "email claim")
	tokenCmd.Flags().BoolVar(&tokenAdmin, "admin", false, "grant admin access")
	tokenCmd.Flags().DurationVar(&tokenExpiry, "expiry", 0, "token lifetime (default AUTH_ACCESS_TOKEN_DURATION)")
	tokenCmd.MarkFlagRequired("user")
}

func printLicense(w io.Writer, l *license.License) {
	fmt.Fprintln(w, strings.Repeat("=", 40))
	fmt.Fprintf(w, "  License:   %s\n", l.Key)
	fmt.Fprintf(w, "  ID:        %s\n", l.ID)
	fmt.Fprintf(w, "  User:      %s\n", l.UserID)
	fmt.Fprintf(w, "  Status:    %s\n", strings.ToUpper(string(l.Status)))
	fmt.Fprintf(w, "  Hours:     %.2f of %.2f remaining\n", l.HoursRemaining, l.HoursPurchased)
	if l.LinkedSystemID != "" {
		fmt.Fprintf(w, "  System:    %s\n", l.LinkedSystemID)
	}
	if l.ExpiresAt != nil {
		fmt.Fprintf(w, "  Expires:   %s\n", l.ExpiresAt.Format(time.RFC3339))
	}
	if l.RevokedAt != nil {
		fmt.Fprintf(w, "  Revoked:   %s\n", l.RevokedAt.Format(time.RFC3339))
	}
	fmt.Fprintln(w, strings.Repeat("=", 40))
}
