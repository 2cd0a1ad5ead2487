package tern

// resetLibraryState returns the process-wide lifecycle guard to its initial
// state so tests can exercise Init repeatedly.
func resetLibraryState() {
	libState.Store(stateUninitialized)
}
