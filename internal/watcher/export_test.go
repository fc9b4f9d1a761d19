package watcher

import "time"

// SetNowFunc installs a deterministic clock for tests.
func (w *Watcher) SetNowFunc(f func() time.Time) { w.now = f }

// ComputerFor exposes spoke resolution for tests.
func (w *Watcher) ComputerFor(path string) string { return w.computerFor(path) }

// ChainFingerprint exposes the active-branch digest for tests.
var ChainFingerprint = chainFingerprint
