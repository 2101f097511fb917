package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/tripclaw/internal/scheduler"
	"github.com/user/tripclaw/internal/state"
	"github.com/user/tripclaw/internal/types"
)

func init() {
	rootCmd.AddCommand(tripCmd, conversationCmd)
	tripCmd.AddCommand(tripListCmd, tripCreateCmd)
	conversationCmd.AddCommand(conversationListCmd, conversationTranscriptCmd, conversationResetCmd)

	tripCreateCmd.Flags().String("timezone", "", "IANA zone of the destination")
	conversationTranscriptCmd.Flags().Int("limit", 50, "number of most recent entries")
}

var tripCmd = &cobra.Command{
	Use:   "trip",
	Short: "Manage trips",
}

var tripListCmd = &cobra.Command{
	Use:   "list",
	Short: "List trips",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		trips, err := state.NewTripStore(cfg.DataDir).List(context.Background())
		if err != nil {
			return fmt.Errorf("list trips: %w", err)
		}
		if len(trips) == 0 {
			fmt.Println("No trips found.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tTIMEZONE\tCREATED")
		for _, t := range trips {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, t.Name, t.Timezone, t.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	},
}

var tripCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a trip",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tz, _ := cmd.Flags().GetString("timezone")
		if _, err := scheduler.LoadZone(tz); err != nil {
			return err
		}
		cfg := loadConfig()
		trip := &types.Trip{Name: args[0], Timezone: tz}
		if err := state.NewTripStore(cfg.DataDir).Create(context.Background(), trip); err != nil {
			return fmt.Errorf("create trip: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Trip %s created.\n", trip.ID)
		return nil
	},
}

var conversationCmd = &cobra.Command{
	Use:     "conversation",
	Aliases: []string{"conv"},
	Short:   "Inspect trip conversations",
}

var conversationListCmd = &cobra.Command{
	Use:   "list <trip-id>",
	Short: "List the conversations of a trip",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		convs, err := state.NewConversationStore(cfg.DataDir).List(context.Background(), types.TripID(args[0]))
		if err != nil {
			return fmt.Errorf("list conversations: %w", err)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTITLE\tUPDATED")
		for _, c := range convs {
			fmt.Fprintf(w, "%s\t%s\t%s\n", c.ID, c.Title, c.UpdatedAt.Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	},
}

var conversationTranscriptCmd = &cobra.Command{
	Use:   "transcript <trip-id> <conversation-id>",
	Short: "Print the transcript of a conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		cfg := loadConfig()
		entries, err := state.NewConversationStore(cfg.DataDir).Transcript(
			context.Background(), types.TripID(args[0]), types.ConversationID(args[1]), limit)
		if err != nil {
			return fmt.Errorf("read transcript: %w", err)
		}
		for _, e := range entries {
			fmt.Fprintf(os.Stdout, "[%s] %s: %s\n", e.At.Local().Format("2006-01-02 15:04"), e.Role, e.Text)
		}
		return nil
	},
}

var conversationResetCmd = &cobra.Command{
	Use:   "reset <trip-id> <conversation-id>",
	Short: "Start the agent over with a fresh session, keeping the transcript",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		ctx := context.Background()
		store := state.NewConversationStore(cfg.DataDir)
		conv, err := store.Get(ctx, types.TripID(args[0]), types.ConversationID(args[1]))
		if err != nil {
			return fmt.Errorf("get conversation: %w", err)
		}
		conv.ResumeHandle = ""
		if err := store.Update(ctx, conv); err != nil {
			return fmt.Errorf("reset conversation: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Conversation %s reset.\n", conv.ID)
		return nil
	},
}
