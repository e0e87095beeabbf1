package secrets

import "log/slog"

// Detect returns the strongest usable backend for this environment: the
// encrypted pass(1) store when available, otherwise a plain [FileStore]
// rooted at fileRoot.
func Detect(fileRoot string) Store {
	pass := NewPassStore()
	if pass.Available() {
		slog.Debug("secrets: using pass backend")
		return pass
	}
	slog.Debug("secrets: pass unavailable, using file backend", "root", fileRoot)
	return NewFileStore(fileRoot)
}
