package capture

import "errors"

// Every failure in the capture sequence maps onto exactly one of these
// sentinels. All of them are fatal; no gate is retried.
var (
	// ErrMissingInput means the input page does not exist on disk.
	ErrMissingInput = errors.New("input page missing")
	// ErrNavigationTimeout means the page load event did not fire in time.
	ErrNavigationTimeout = errors.New("navigation timed out")
	// ErrMapMountTimeout means the map container never appeared in the DOM.
	ErrMapMountTimeout = errors.New("map mount timed out")
	// ErrContentReadyTimeout means the in-page readiness predicate never
	// became true: the position DB global or the labeled markers are missing.
	ErrContentReadyTimeout = errors.New("content readiness timed out")
	// ErrTileLoadTimeout means at least one tile image never finished loading.
	ErrTileLoadTimeout = errors.New("tile load timed out")
	// ErrElementNotFound means the map container disappeared between the
	// readiness gates and the screenshot.
	ErrElementNotFound = errors.New("map container not found")
)
