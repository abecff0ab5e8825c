//go:build headless

// Copyright © 2026 The epqis16 developers
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package window draws the front panel in a desktop window.
// This build has no window; the panel runs headless.
package window

import (
	"context"

	"github.com/epqis16/epqis16/pkg/frontpanel"
)

// Run steps the panel headless until ctx is done or the client goes away.
func Run(ctx context.Context, panel *frontpanel.Panel) error {
	return panel.RunHeadless(ctx)
}
