package message

import "errors"

// ErrIndexOutOfRange is returned by Serialize for an index past the end of
// the store.
var ErrIndexOutOfRange = errors.New("message: index out of range")
