package replay

import "errors"

var ErrMalformedEvent = errors.New("malformed step event")
