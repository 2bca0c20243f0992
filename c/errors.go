package c

import "errors"

// ErrInvalidChildSpec is returned by NormalizeSpec when the supplied
// input cannot be turned into a usable ChildSpec (most commonly: no
// start function given).
var ErrInvalidChildSpec = errors.New("invalid_child_spec")

// ErrIgnore is the sentinel a StartFunc returns to tell its parent
// "no goroutine was actually started for me, but don't treat this as
// a failure" (the Erlang "ignore" start result).
var ErrIgnore = errors.New("ignore")
