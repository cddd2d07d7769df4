// Copyright The JVMTrace Authors
// SPDX-License-Identifier: Apache-2.0

package initagent

// Version is the current release version of the agent.
func Version() string {
	return "v0.3.0"
}
