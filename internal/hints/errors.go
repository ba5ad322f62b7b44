package hints

import "errors"

// ErrProviderUnavailable is returned when the hint API cannot be reached or
// returns an error response. Per the error-handling design this is always
// downgraded by the caller to an empty hint set with a Warn log, never
// treated as fatal to a pipeline run.
var ErrProviderUnavailable = errors.New("hint provider unavailable")
