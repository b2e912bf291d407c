package compiler

import "time"

// defaultProbeWall bounds a `--version`-style invocation; these are
// expected to return near-instantly, so this is deliberately generous
// rather than tuned.
const defaultProbeWall = 10 * time.Second
