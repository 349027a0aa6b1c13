package chain

import "errors"

// ErrClosed is returned by ChainHead once the controller's event loop has
// stopped.
var ErrClosed = errors.New("chain: controller closed")
