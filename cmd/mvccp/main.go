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

// mvccp runs an MVCCP node fleet in a deterministic in-memory simulation.
// The protocol core itself never touches sockets or clocks; everything
// time- and radio-shaped lives here, in the orchestrator.
package main

import (
	"github.com/aevnet/mvccp/cmd/mvccp/cmd"
)

func main() {
	cmd.Execute()
}
