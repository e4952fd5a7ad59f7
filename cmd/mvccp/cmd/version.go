/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cmd

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/aevnet/mvccp/protocol"
)

func init() {
	RootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build info",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("mvccp wire version %d\n", protocol.WireVersion)
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("build info unavailable")
			return
		}
		fmt.Printf("module %s %s\n", info.Main.Path, info.Main.Version)
		fmt.Printf("built with %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision", "vcs.time", "vcs.modified":
				fmt.Printf("%s %s\n", s.Key, s.Value)
			}
		}
	},
}
