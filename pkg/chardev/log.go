package chardev

import "github.com/srediag/chardev/internal/logging"

var internalLogger = logging.New("chardev", nil)
