package capture

import "errors"

var (
	ErrNotCapturing    = errors.New("capture is not started")
	ErrUnsupportedType = errors.New("only show_me and do_it steps can be captured")
	ErrDuplicate       = errors.New("step repeats the previous capture")
)
