package models

import "errors"

// ErrBadBlock marks a block that can never be projected: malformed node
// data or impossible referential integrity. The controller writes a poison
// marker and halts instead of retrying.
var ErrBadBlock = errors.New("bad block")
