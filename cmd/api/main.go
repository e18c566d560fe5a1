package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var envFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "storefront",
		Short: "Storefront API (orders, payments, catalog)",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			//.envがなければ環境変数だけで動かす
			if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("load %s: %w", envFile, err)
			}
			return nil
		},
		//サブコマンドなしはserve
		RunE: runServe,
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "path to .env file")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE:  runServe,
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update database tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			return a.migrate()
		},
	}
}

func seedCmd() *cobra.Command {
	var adminID int64
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Insert sample categories and products",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.migrate(); err != nil {
				return err
			}
			return a.seed(cmd.Context(), adminID)
		},
	}
	cmd.Flags().Int64Var(&adminID, "admin-id", 1, "actor user id recorded in audit logs")
	return cmd
}
