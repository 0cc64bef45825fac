package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"mailstore/internal/service"
)

func requireExactlyArgs(count int, message string) cobra.PositionalArgs {
	return func(_ *cobra.Command, args []string) error {
		if len(args) != count {
			return errors.New(message)
		}
		return nil
	}
}

func requireItemArgs(cmd *cobra.Command, args []string) error {
	return requireExactlyArgs(3, "mailbox id, item id and revision are required")(cmd, args)
}

// parseItemArgs parses "<mailbox> <item> <revision>".
func parseItemArgs(args []string) (mailboxID, itemID, revision int64, err error) {
	values := make([]int64, 3)
	names := []string{"mailbox id", "item id", "revision"}
	for i := range values {
		values[i], err = strconv.ParseInt(strings.TrimSpace(args[i]), 10, 64)
		if err != nil || values[i] < 0 {
			return 0, 0, 0, fmt.Errorf("invalid %s %q", names[i], args[i])
		}
	}
	return values[0], values[1], values[2], nil
}

// parseItemRef parses "<item>[:<revision>[:<modseq>]]". Revision defaults to 1.
func parseItemRef(raw string) (service.ItemRef, error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) > 3 || parts[0] == "" {
		return service.ItemRef{}, fmt.Errorf("invalid item %q (want item[:revision[:modseq]])", raw)
	}
	values := []int64{0, 1, 0}
	for i, part := range parts {
		v, err := strconv.ParseInt(part, 10, 64)
		if err != nil || v < 0 {
			return service.ItemRef{}, fmt.Errorf("invalid item %q (want item[:revision[:modseq]])", raw)
		}
		values[i] = v
	}
	return service.ItemRef{ItemID: values[0], Revision: values[1], ModSeq: values[2]}, nil
}

func parseVolumeID(raw string) (int16, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 16)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid volume id %q", raw)
	}
	return int16(v), nil
}
