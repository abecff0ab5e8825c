// Copyright © 2026 The epqis16 developers
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package window

// Geometry of the panel, in logical pixels.
const (
	panelWidth   = 400
	rowHeight    = 56
	margin       = 8
	statusHeight = 20
	lcdWidth     = 200
	lcdHeight    = 40
	lcdScale     = 2.5
	checkboxSize = 16
	checkboxLeft = margin + lcdWidth + 70
)

// checkboxOrigin returns the top left corner of the checkbox in row i (0-based).
func checkboxOrigin(i int) (int, int) {
	top := i*rowHeight + margin
	return checkboxLeft, top + (lcdHeight-checkboxSize)/2
}

// checkboxAt returns the 1-based channel whose checkbox, or its label, contains (x, y).
func checkboxAt(x, y, channels int) (int, bool) {
	// The ON/OFF label is clickable too, as on a desktop checkbox.
	const hitWidth = checkboxSize + 8 + 3*7

	for i := 0; i < channels; i++ {
		bx, by := checkboxOrigin(i)
		if x >= bx && x < bx+hitWidth && y >= by && y < by+checkboxSize {
			return i + 1, true
		}
	}
	return 0, false
}
