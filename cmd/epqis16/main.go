// Copyright © 2026 The epqis16 developers
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package main

import "github.com/epqis16/epqis16/cmd/epqis16/commands"

func main() {
	commands.Execute()
}
