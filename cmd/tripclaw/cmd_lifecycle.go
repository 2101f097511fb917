package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/tripclaw/internal/scheduler"
	"github.com/user/tripclaw/internal/state"
)

func init() {
	rootCmd.AddCommand(stopCmd, restartCmd, statusCmd)
}

// readPID reads the daemon PID file and checks the process is alive.
func readPID() (int, error) {
	cfg := loadConfig()
	data, err := os.ReadFile(pidPath(cfg.DataDir))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("no running daemon (PID file not found)")
		}
		return 0, fmt.Errorf("read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file content: %w", err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return 0, fmt.Errorf("no running daemon (process %d not found)", pid)
	}
	return pid, nil
}

func signalDaemon(sig syscall.Signal) (int, error) {
	pid, err := readPID()
	if err != nil {
		return 0, err
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, fmt.Errorf("find process: %w", err)
	}
	if err := proc.Signal(sig); err != nil {
		return 0, fmt.Errorf("send %s: %w", sig, err)
	}
	return pid, nil
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := signalDaemon(syscall.SIGTERM)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Sent SIGTERM to daemon (PID %d).\n", pid)
		return nil
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the running daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := signalDaemon(syscall.SIGHUP)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Sent SIGHUP to daemon (PID %d) for restart.\n", pid)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and scheduler lease status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		if pid, err := readPID(); err != nil {
			fmt.Fprintf(os.Stdout, "daemon: %v\n", err)
		} else {
			fmt.Fprintf(os.Stdout, "daemon: running (PID %d)\n", pid)
		}

		rec, err := scheduler.ReadLease(leasePath(cfg.DataDir))
		switch {
		case errors.Is(err, state.ErrNotFound):
			fmt.Fprintln(os.Stdout, "lease: never acquired")
		case err != nil:
			return err
		case rec.Expired(time.Now()):
			fmt.Fprintf(os.Stdout, "lease: expired (last owner PID %d)\n", rec.OwnerID)
		default:
			expires := time.UnixMilli(rec.ExpiresAt)
			fmt.Fprintf(os.Stdout, "lease: held by PID %d until %s\n", rec.OwnerID, expires.Local().Format(time.RFC3339))
		}
		return nil
	},
}
