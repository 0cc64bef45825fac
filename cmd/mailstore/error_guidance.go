package main

import (
	"context"
	"errors"

	"mailstore/internal/blobstore"
)

func formatCLIError(err error) []string {
	if err == nil {
		return nil
	}

	lines := []string{err.Error()}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		lines = append(lines, "hint: the operation was interrupted; rerunning it is safe.")
		return uniqueLines(lines)
	}

	switch {
	case errors.Is(err, blobstore.ErrNoCurrentVolume):
		lines = append(lines, "hint: mark a volume current with: mailstore volume set-current <id>")
	case errors.Is(err, blobstore.ErrVolumeNotFound):
		lines = append(lines, "hint: list registered volumes with: mailstore volume list")
	case errors.Is(err, blobstore.ErrMoveIncomplete):
		lines = append(lines, "hint: the new copy exists but metadata was not updated; rerun the move or let sweep reclaim the copy.")
	}

	switch blobstore.KindOf(err) {
	case "inconsistent":
		lines = append(lines, "hint: metadata and volume contents diverge; run: mailstore verify")
	case "conflict":
		lines = append(lines, "hint: the destination already holds different content; it was left untouched.")
	case "io_failure":
		lines = append(lines, "hint: check free space and permissions on the volume and staging roots.")
	}
	return uniqueLines(lines)
}

func uniqueLines(lines []string) []string {
	seen := make(map[string]struct{}, len(lines))
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if line == "" {
			continue
		}
		if _, ok := seen[line]; ok {
			continue
		}
		seen[line] = struct{}{}
		out = append(out, line)
	}
	return out
}
