package subscription

import "errors"

// ErrClosed is returned by operations on a closed ActiveConsumer.
var ErrClosed = errors.New("active consumer is closed")
