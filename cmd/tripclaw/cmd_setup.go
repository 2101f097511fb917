package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/tripclaw/internal/config"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		scanner := bufio.NewScanner(os.Stdin)

		fmt.Println("TripClaw Setup")
		fmt.Println("Press Enter to keep the value shown in brackets.")
		fmt.Println()

		cfg.LLM.BaseURL = prompt(scanner, "LLM base URL", cfg.LLM.BaseURL)
		cfg.LLM.APIKey = prompt(scanner, "LLM API key", cfg.LLM.APIKey)
		cfg.LLM.Model = prompt(scanner, "LLM model name", cfg.LLM.Model)
		cfg.HTTP.Listen = prompt(scanner, "HTTP listen address", cfg.HTTP.Listen)
		cfg.Brave.APIKey = prompt(scanner, "Brave API key (optional)", cfg.Brave.APIKey)

		cfg.Telegram.Token = prompt(scanner, "Telegram bot token (optional)", cfg.Telegram.Token)
		if cfg.Telegram.Token != "" {
			cfg.Telegram.TripID = prompt(scanner, "Trip ID for telegram chats (optional)", cfg.Telegram.TripID)
		}

		cfg.SMTP.Host = prompt(scanner, "SMTP host (optional)", cfg.SMTP.Host)
		if cfg.SMTP.Host != "" {
			if n, err := strconv.Atoi(prompt(scanner, "SMTP port", strconv.Itoa(cfg.SMTP.Port))); err == nil {
				cfg.SMTP.Port = n
			}
			cfg.SMTP.Username = prompt(scanner, "SMTP username", cfg.SMTP.Username)
			cfg.SMTP.Password = prompt(scanner, "SMTP password", cfg.SMTP.Password)
			cfg.SMTP.From = prompt(scanner, "Sender address", cfg.SMTP.From)
		}
		cfg.Scheduler.Notify = prompt(scanner, "Default reminder target, e.g. telegram:<chat id> (optional)", cfg.Scheduler.Notify)

		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}
		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		return nil
	},
}

// prompt shows label with its current value and returns the user's input,
// or the current value when the input is empty.
func prompt(scanner *bufio.Scanner, label, current string) string {
	if current != "" {
		fmt.Printf("%s [%s]: ", label, current)
	} else {
		fmt.Printf("%s: ", label)
	}
	if scanner.Scan() {
		if input := strings.TrimSpace(scanner.Text()); input != "" {
			return input
		}
	}
	return current
}
