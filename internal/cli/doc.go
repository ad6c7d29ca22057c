// Copyright 2025 Tom Barlow
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

/*
Package cli provides the mcpgateway command tree.

	mcpgateway
	├── serve       Run the gateway
	├── validate    Check a configuration file
	└── version     Show version

Every command accepts --config pointing at a YAML file. Environment
variables (MCPGATEWAY_*) override values from the file.
*/
package cli
