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
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

// SetVersion sets the version info for --version flag
func SetVersion(v, c string) {
	version = v
	commit = c
	rootCmd.Version = version + " (" + commit + ")"
}

var rootCmd = &cobra.Command{
	Use:   "mdcfs",
	Short: "Metadata-caching network file server",
	Long: `mdcfs serves configured filesystem exports over NFS through a shared
metadata cache. The daemon caches directory entries and object
attributes in front of pluggable backends.`,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate("mdcfs version {{.Version}}\n")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
