package main

import (
	"errors"
	"os"
)

// exitConflicts is returned by `sync` when the cycle left conflicts pending,
// so scripts can tell a clean sync from one that needs a clinician.
const exitConflicts = 2

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if errors.Is(err, errConflictsPending) {
			os.Exit(exitConflicts)
		}

		exitOnError(err)
	}
}
