package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"mailstore/internal/config"
	"mailstore/internal/service"
)

func newDeliverCmd(cfg *config.Config, structured func() bool) *cobra.Command {
	var (
		mailboxID int64
		items     []string
	)

	cmd := &cobra.Command{
		Use:   "deliver [file]",
		Short: "Store a message for one or more items of a mailbox",
		Long:  "Stages the message once and links it into every --item on the current primary volume. Reads stdin when no file is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if mailboxID < 0 {
				return fmt.Errorf("--mailbox must be >= 0")
			}
			if len(items) == 0 {
				return fmt.Errorf("at least one --item is required")
			}
			refs := make([]service.ItemRef, 0, len(items))
			for _, raw := range items {
				ref, err := parseItemRef(raw)
				if err != nil {
					return err
				}
				refs = append(refs, ref)
			}

			var in io.Reader = os.Stdin
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			return withApp(cmd.Context(), cfg, func(a *app) error {
				blobs, err := a.service.Deliver(cmd.Context(), in, mailboxID, refs)
				if err != nil {
					return err
				}
				if structured() {
					return writeStructured(blobs)
				}
				for _, mb := range blobs {
					if err := writePlain("%d/%d rev %d -> volume %d %s (%s)\n",
						mb.Identity.MailboxID, mb.Identity.ItemID, mb.Identity.Revision, mb.VolumeID, mb.RelPath, formatBytes(mb.Size)); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().Int64Var(&mailboxID, "mailbox", 0, "mailbox id")
	cmd.Flags().StringArrayVar(&items, "item", nil, "item as id[:revision[:modseq]] (repeatable)")
	return cmd
}

func newCatCmd(cfg *config.Config, structured func() bool) *cobra.Command {
	var stat bool

	cmd := &cobra.Command{
		Use:   "cat <mailbox> <item> <revision>",
		Short: "Write the stored bytes of an item revision to stdout",
		Args:  requireItemArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mailboxID, itemID, revision, err := parseItemArgs(args)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), cfg, func(a *app) error {
				if stat {
					mb, err := a.service.Lookup(cmd.Context(), mailboxID, itemID, revision)
					if err != nil {
						return err
					}
					if structured() {
						return writeStructured(mb)
					}
					return writePlain("path: %s\nvolume: %d\nsize: %s\ndigest: %s\n", mb.Path, mb.VolumeID, formatBytes(mb.Size), mb.Digest)
				}

				rc, _, err := a.service.Open(cmd.Context(), mailboxID, itemID, revision)
				if err != nil {
					return err
				}
				defer rc.Close()
				_, err = io.Copy(os.Stdout, rc)
				return err
			})
		},
	}

	cmd.Flags().BoolVar(&stat, "stat", false, "print location and size instead of content")
	return cmd
}

func newDeleteCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <mailbox> <item> <revision>",
		Short: "Drop the reference of an item revision; sweep reclaims the file",
		Args:  requireItemArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mailboxID, itemID, revision, err := parseItemArgs(args)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), cfg, func(a *app) error {
				if err := a.service.Delete(cmd.Context(), mailboxID, itemID, revision); err != nil {
					return err
				}
				return writePlain("deleted %d/%d rev %d\n", mailboxID, itemID, revision)
			})
		},
	}
}

func newMoveCmd(cfg *config.Config, structured func() bool) *cobra.Command {
	var target int16

	cmd := &cobra.Command{
		Use:   "move <mailbox> <item> <revision>",
		Short: "Relocate an item revision to another volume",
		Args:  requireItemArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if target <= 0 {
				return fmt.Errorf("--to must be a volume id > 0")
			}
			mailboxID, itemID, revision, err := parseItemArgs(args)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), cfg, func(a *app) error {
				moved, err := a.service.Move(cmd.Context(), mailboxID, itemID, revision, target)
				if err != nil {
					return err
				}
				if structured() {
					return writeStructured(moved)
				}
				return writePlain("moved %d/%d rev %d to volume %d\n", mailboxID, itemID, revision, moved.VolumeID)
			})
		},
	}

	cmd.Flags().Int16Var(&target, "to", 0, "target volume id (required)")
	return cmd
}
