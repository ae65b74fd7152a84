// Copyright 2025 MDCFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package commands

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"mdcfs/internal/daemon"
	"mdcfs/internal/util"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Daemon management commands",
	Long:  `Commands for controlling the mdcfs daemon.`,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon",
	Long:  `Starts the mdcfs daemon serving the configured exports.`,
	Args:  cobra.NoArgs,
	RunE:  runDaemonStart,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the daemon",
	Long:  `Stops the running mdcfs daemon.`,
	Args:  cobra.NoArgs,
	RunE:  runDaemonStop,
}

var daemonReapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Run a cleanup pass now",
	Long:  `Asks the daemon to retry cleanup for entries whose earlier handoff was declined.`,
	Args:  cobra.NoArgs,
	RunE:  runDaemonReap,
}

var (
	daemonForeground bool
	daemonLogLevel   string
)

func init() {
	daemonStartCmd.Flags().BoolVarP(&daemonForeground, "foreground", "f", false, "Run in foreground")
	daemonStartCmd.Flags().StringVar(&daemonLogLevel, "logging", "", "Log level: trace, debug, info, warn, none (overrides config)")
	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonReapCmd)
	rootCmd.AddCommand(daemonCmd)
}

func runDaemonReap(cmd *cobra.Command, args []string) error {
	client, err := daemon.Connect()
	if err != nil {
		return fmt.Errorf("could not connect to daemon: %w", err)
	}
	defer client.Close()

	n, err := client.Reap()
	if err != nil {
		return err
	}
	fmt.Printf("Reaped %d entries\n", n)
	return nil
}

func runDaemonStart(cmd *cobra.Command, args []string) error {
	if daemon.IsDaemonRunning() {
		pid, _ := daemon.GetPID()
		fmt.Printf("Daemon already running (PID %d)\n", pid)
		return nil
	}

	if daemonForeground {
		cfg, err := daemon.LoadServerConfig()
		if err != nil {
			return err
		}
		if daemonLogLevel != "" {
			cfg.LogLevel = daemonLogLevel
		}
		return daemon.New(cfg).Run()
	}

	// Start in background
	exe, err := os.Executable()
	if err != nil {
		return err
	}

	cmdArgs := []string{"daemon", "start", "--foreground"}
	if daemonLogLevel != "" {
		cmdArgs = append(cmdArgs, "--logging", daemonLogLevel)
	}
	bgDaemon := exec.Command(exe, cmdArgs...)
	bgDaemon.Stdout = nil
	bgDaemon.Stderr = nil
	bgDaemon.Env = os.Environ() // Inherit environment (including MDCFS_CONFIG_DIR)
	bgDaemon.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true, // Detach from terminal
	}

	if err := bgDaemon.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	// Startup opens every backend and binds one listener per export.
	if util.WaitFixed(400, 25*time.Millisecond, daemon.IsDaemonRunning) {
		pid, _ := daemon.GetPID()
		fmt.Printf("Daemon started (PID %d)\n", pid)
		return nil
	}

	return fmt.Errorf("daemon did not start")
}

func runDaemonStop(cmd *cobra.Command, args []string) error {
	if !daemon.IsDaemonRunning() {
		fmt.Println("Daemon not running")
		return nil
	}

	if err := stopDaemonAndWait(); err != nil {
		return err
	}

	fmt.Println("Daemon stopped")
	return nil
}

// stopDaemonAndWait stops the daemon and waits for it to fully stop.
func stopDaemonAndWait() error {
	pid, _ := daemon.GetPID()

	client, err := daemon.Connect()
	if err != nil {
		return fmt.Errorf("could not connect to daemon: %w", err)
	}

	resp, err := client.Stop()
	client.Close()

	if err != nil {
		return fmt.Errorf("stop request failed: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("%s", resp.Error)
	}

	stopped := util.WaitFixed(400, 25*time.Millisecond, func() bool {
		return !daemon.IsDaemonRunning()
	})
	if !stopped {
		fmt.Printf("Warning: daemon (PID %d) did not stop gracefully, sending SIGKILL\n", pid)
		if proc, err := os.FindProcess(pid); err == nil {
			proc.Signal(syscall.SIGKILL)
		}
		time.Sleep(500 * time.Millisecond)
	}
	return nil
}
