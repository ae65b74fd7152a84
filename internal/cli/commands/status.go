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

	"github.com/spf13/cobra"

	"mdcfs/internal/daemon"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  `Shows daemon liveness, cache size, and the served exports.`,
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	if !daemon.IsDaemonRunning() {
		fmt.Println("Daemon not running")
		return nil
	}

	client, err := daemon.Connect()
	if err != nil {
		return err
	}
	defer client.Close()

	resp, err := client.Status()
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%s", resp.Error)
	}

	fmt.Printf("Daemon running (PID %d)\n", resp.PID)
	fmt.Printf("Cached entries: %d\n", resp.CachedEntries)
	if len(resp.Exports) == 0 {
		fmt.Println("No exports")
		return nil
	}
	fmt.Println("Exports:")
	for _, x := range resp.Exports {
		fmt.Printf("  %-16s %-8s %s (%d entries)\n", x.Name, x.Backend, x.Addr, x.Entries)
	}
	return nil
}
