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

var exportsCmd = &cobra.Command{
	Use:   "exports",
	Short: "List served exports",
	Args:  cobra.NoArgs,
	RunE:  runExports,
}

var unexportCmd = &cobra.Command{
	Use:   "unexport <name>",
	Short: "Stop serving an export",
	Long: `Stops serving the named export: its NFS listener shuts down and every
cached entry it holds is drained from the cache. Other exports keep
running.`,
	Args: cobra.ExactArgs(1),
	RunE: runUnexport,
}

var invalidateCmd = &cobra.Command{
	Use:   "invalidate <export> <path>",
	Short: "Drop cached state for a path",
	Long: `Drops cached attributes (and, for directories, the cached directory
listing) for a path in an export. The next access refetches from the
backend. Use after modifying a backend behind the daemon's back.`,
	Args: cobra.ExactArgs(2),
	RunE: runInvalidate,
}

func init() {
	rootCmd.AddCommand(exportsCmd)
	rootCmd.AddCommand(unexportCmd)
	rootCmd.AddCommand(invalidateCmd)
}

func connectToDaemon() (*daemon.Client, error) {
	if !daemon.IsDaemonRunning() {
		return nil, fmt.Errorf("daemon not running")
	}
	return daemon.Connect()
}

func runExports(cmd *cobra.Command, args []string) error {
	client, err := connectToDaemon()
	if err != nil {
		return err
	}
	defer client.Close()

	exports, err := client.Exports()
	if err != nil {
		return err
	}
	if len(exports) == 0 {
		fmt.Println("No exports")
		return nil
	}
	for _, x := range exports {
		fmt.Printf("%-16s %-8s %s (%d entries)\n", x.Name, x.Backend, x.Addr, x.Entries)
	}
	return nil
}

func runUnexport(cmd *cobra.Command, args []string) error {
	client, err := connectToDaemon()
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Unexport(args[0]); err != nil {
		return err
	}
	fmt.Printf("Export %s stopped\n", args[0])
	return nil
}

func runInvalidate(cmd *cobra.Command, args []string) error {
	client, err := connectToDaemon()
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Invalidate(args[0], args[1]); err != nil {
		return err
	}
	fmt.Printf("Invalidated %s in export %s\n", args[1], args[0])
	return nil
}
