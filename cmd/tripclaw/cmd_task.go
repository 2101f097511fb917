package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/tripclaw/internal/scheduler"
	"github.com/user/tripclaw/internal/state"
	"github.com/user/tripclaw/internal/types"
)

func init() {
	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskRemoveCmd, taskEnableCmd, taskDisableCmd, taskRunCmd)

	taskAddCmd.Flags().String("name", "", "task name (required)")
	taskAddCmd.Flags().String("type", "", "task type: email, telegram or reminder (required)")
	taskAddCmd.Flags().String("run-at", "", "RFC3339 instant or naive local time 2006-01-02T15:04:05 (required)")
	taskAddCmd.Flags().String("timezone", "", "IANA zone for a naive run-at")
	taskAddCmd.Flags().String("payload", "{}", "task payload as JSON")
	taskAddCmd.Flags().Bool("repeat", false, "reschedule daily instead of deleting after a successful run")
	taskAddCmd.Flags().Int("max-retries", -1, "disable the task after this many failed runs (-1 retries forever)")
	_ = taskAddCmd.MarkFlagRequired("name")
	_ = taskAddCmd.MarkFlagRequired("type")
	_ = taskAddCmd.MarkFlagRequired("run-at")
}

func openTaskStore() *state.TaskStore {
	cfg := loadConfig()
	return state.NewTaskStore(taskStorePath(cfg.DataDir))
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage scheduled tasks",
}

var taskAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a scheduled task",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		taskType, _ := cmd.Flags().GetString("type")
		runAt, _ := cmd.Flags().GetString("run-at")
		tz, _ := cmd.Flags().GetString("timezone")
		payload, _ := cmd.Flags().GetString("payload")
		repeat, _ := cmd.Flags().GetBool("repeat")
		maxRetries, _ := cmd.Flags().GetInt("max-retries")

		sched := types.Schedule{RunAt: runAt, Timezone: tz}
		if err := scheduler.ValidateSchedule(sched); err != nil {
			return fmt.Errorf("invalid schedule: %w", err)
		}
		next, _ := scheduler.ResolveRunAt(runAt, tz)

		if !json.Valid([]byte(payload)) {
			return fmt.Errorf("payload is not valid JSON")
		}

		task := &types.Task{
			Name:     name,
			Type:     taskType,
			Schedule: sched,
			Enabled:  true,
			NextRun:  &next,
			Payload:  json.RawMessage(payload),
		}
		if repeat {
			deleteAfterRun := false
			task.Options.DeleteAfterRun = &deleteAfterRun
		}
		if maxRetries >= 0 {
			task.Options.MaxRetries = &maxRetries
		}

		if err := openTaskStore().Create(context.Background(), task); err != nil {
			return fmt.Errorf("add task: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Task %s added, next run %s.\n", task.ID, next.Local().Format(time.RFC3339))
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all tasks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tasks, err := openTaskStore().List(context.Background())
		if err != nil {
			return fmt.Errorf("list tasks: %w", err)
		}
		if len(tasks) == 0 {
			fmt.Println("No tasks scheduled.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tTYPE\tNEXT RUN\tENABLED\tATTEMPTS\tLAST ERROR")
		for _, t := range tasks {
			next := "-"
			if t.NextRun != nil {
				next = t.NextRun.Local().Format("2006-01-02 15:04")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\t%d\t%s\n",
				t.ID, t.Name, t.Type, next, t.Enabled, t.RunAttempts, t.LastError)
		}
		return w.Flush()
	},
}

var taskRemoveCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Remove a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := openTaskStore().Delete(context.Background(), types.TaskID(args[0])); err != nil {
			return fmt.Errorf("remove task: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Task %s removed.\n", args[0])
		return nil
	},
}

func setTaskEnabled(id string, enabled bool) error {
	ctx := context.Background()
	store := openTaskStore()
	task, err := store.Get(ctx, types.TaskID(id))
	if err != nil {
		return err
	}
	task.Enabled = enabled
	if enabled {
		task.RunAttempts = 0
		task.LastError = ""
	}
	return store.Update(ctx, task)
}

var taskEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Enable a task and clear its failure count",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := setTaskEnabled(args[0], true); err != nil {
			return fmt.Errorf("enable task: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Task %s enabled.\n", args[0])
		return nil
	},
}

var taskDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Disable a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := setTaskEnabled(args[0], false); err != nil {
			return fmt.Errorf("disable task: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Task %s disabled.\n", args[0])
		return nil
	},
}

var taskRunCmd = &cobra.Command{
	Use:   "run <id>",
	Short: "Run a task now through the running daemon",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		url := "http://" + dialAddr(cfg.HTTP.Listen) + "/webhook/" + args[0]

		client := &http.Client{Timeout: 2 * time.Minute}
		resp, err := client.Post(url, "application/json", nil)
		if err != nil {
			return fmt.Errorf("contact daemon: %w", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("run task: %s: %s", resp.Status, strings.TrimSpace(string(body)))
		}
		fmt.Fprintf(os.Stdout, "Task %s ran.\n", args[0])
		return nil
	},
}

// dialAddr turns a listen address such as ":8420" into one a client can dial.
func dialAddr(listen string) string {
	if strings.HasPrefix(listen, ":") {
		return "127.0.0.1" + listen
	}
	return strings.Replace(listen, "0.0.0.0", "127.0.0.1", 1)
}
