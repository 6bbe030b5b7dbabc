package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/example/quietora/internal/config"
	"github.com/example/quietora/internal/store"
	"github.com/spf13/cobra"
)

var steps int

var rootCmd = &cobra.Command{
	Use:           "migrate",
	Short:         "Manage the quietora PostgreSQL schema",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations (all, or --steps of them)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(func(m *store.Migrator) error {
			if err := m.Up(steps); err != nil {
				return err
			}
			fmt.Println("✓ Migrations applied successfully")
			return nil
		})
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back migrations (all, or --steps of them)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(func(m *store.Migrator) error {
			if err := m.Down(steps); err != nil {
				return err
			}
			fmt.Println("✓ Migrations rolled back successfully")
			return nil
		})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the applied migration version",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(func(m *store.Migrator) error {
			v, dirty, err := m.Version()
			if err != nil {
				return fmt.Errorf("failed to get version: %w", err)
			}
			if dirty {
				return fmt.Errorf("database is in a dirty state (version %d)", v)
			}
			fmt.Printf("Current migration version: %d\n", v)
			return nil
		})
	},
}

var forceCmd = &cobra.Command{
	Use:   "force VERSION",
	Short: "Mark VERSION as applied and clear the dirty flag",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := strconv.Atoi(args[0])
		if err != nil || v < 1 {
			return fmt.Errorf("invalid version %q", args[0])
		}
		return withMigrator(func(m *store.Migrator) error {
			if err := m.Force(v); err != nil {
				return err
			}
			fmt.Printf("✓ Forced database to version %d\n", v)
			return nil
		})
	},
}

func withMigrator(fn func(m *store.Migrator) error) error {
	cfg, err := config.LoadDatabase()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if cfg.DBAdapter != "postgres" {
		return fmt.Errorf("migrations only work with PostgreSQL. Current adapter: %s", cfg.DBAdapter)
	}
	m, err := store.NewMigrator(cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer m.Close()
	return fn(m)
}

func init() {
	upCmd.Flags().IntVar(&steps, "steps", 0, "Number of migrations to apply (0 = all)")
	downCmd.Flags().IntVar(&steps, "steps", 0, "Number of migrations to roll back (0 = all)")
	rootCmd.AddCommand(upCmd, downCmd, versionCmd, forceCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
