//go:build !linux

package executor

import "errors"

// limitMemory is only implemented on linux. Elsewhere script units are
// refused rather than run without a memory ceiling.
func limitMemory(uint64) error {
	return errors.New("script units need a memory ceiling, which is only enforced on linux")
}
