package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/outflowhq/outflow/internal/dispatch"
	"github.com/outflowhq/outflow/internal/store"
)

var connectionsCmd = &cobra.Command{
	Use:   "connections",
	Short: "Manage calendar connections",
}

func init() {
	registerCmd := &cobra.Command{
		Use:   "register",
		Short: "Register a calendar connection and record its setup job",
		Long: "Insert a calendar connection and the intent for its provider-setup job in\n" +
			"one transaction. The outbox relay in a running serve process picks the job\n" +
			"up from there.",
		RunE: runRegisterConnection,
	}
	registerCmd.Flags().String("id", "", "connection ID (generated when empty)")
	registerCmd.Flags().String("user", "", "owning user ID")
	registerCmd.Flags().String("provider", "google", "calendar provider")
	registerCmd.Flags().String("name", "", "display name")
	_ = registerCmd.MarkFlagRequired("user")

	connectionsCmd.AddCommand(registerCmd)
}

func runRegisterConnection(cmd *cobra.Command, args []string) error {
	id, _ := cmd.Flags().GetString("id")
	userID, _ := cmd.Flags().GetString("user")
	provider, _ := cmd.Flags().GetString("provider")
	name, _ := cmd.Flags().GetString("name")
	if id == "" {
		id = uuid.NewString()
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	st, err := store.Connect(cmd.Context(), store.Config{
		URL:      cfg.Database.URL,
		MaxConns: cfg.Database.MaxConns,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	conn := &store.CalendarConnection{
		ID:          id,
		UserID:      userID,
		Provider:    provider,
		DisplayName: name,
	}
	return registerConnection(cmd, st, conn)
}

func registerConnection(cmd *cobra.Command, reg dispatch.ConnectionRegistrar, conn *store.CalendarConnection) error {
	if err := dispatch.RegisterCalendarConnection(cmd.Context(), reg, conn); err != nil {
		return fmt.Errorf("failed to register connection %s: %w", conn.ID, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "registered connection %s for user %s\n", conn.ID, conn.UserID)
	return nil
}
