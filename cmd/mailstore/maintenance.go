package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"mailstore/internal/config"
	"mailstore/internal/gc"
)

func newSweepCmd(cfg *config.Config, structured func() bool) *cobra.Command {
	var (
		dryRun   bool
		volumeID int16
	)

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete blob files no reference points at",
		Long:  "Deletes unreferenced blob files older than gc.safety_margin. Sweeps every volume unless --volume is set.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), cfg, func(a *app) error {
				var (
					results []gc.SweepResult
					err     error
				)
				if volumeID > 0 {
					var res gc.SweepResult
					res, err = a.service.Sweep(cmd.Context(), volumeID, dryRun)
					results = []gc.SweepResult{res}
				} else {
					results, err = a.service.SweepAll(cmd.Context(), dryRun)
				}
				if err != nil && len(results) == 0 {
					return err
				}

				if structured() {
					if werr := writeStructured(results); werr != nil {
						return werr
					}
					return err
				}
				for _, res := range results {
					if werr := writeSweepResult(res); werr != nil {
						return werr
					}
				}
				return err
			})
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list candidates without deleting")
	cmd.Flags().Int16Var(&volumeID, "volume", 0, "sweep only this volume")
	return cmd
}

func writeSweepResult(res gc.SweepResult) error {
	verb := "deleted"
	if res.DryRun {
		verb = "would delete"
	}
	if err := writePlain("volume %d: scanned %d, %s %d (%s), referenced %d, young %d, temp %d, failed %d\n",
		res.VolumeID, res.Scanned, verb, max(res.Deleted, len(res.Candidates)), formatBytes(res.DeletedBytes),
		res.Referenced, res.Young, res.TempRemoved, res.Failed); err != nil {
		return err
	}
	for _, p := range res.Candidates {
		if err := writePlain("  candidate %s\n", p); err != nil {
			return err
		}
	}
	for _, p := range res.Stuck {
		if err := writePlain("  stuck %s\n", p); err != nil {
			return err
		}
	}
	return nil
}

func newStagingCmd(cfg *config.Config, structured func() bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "staging",
		Short: "Inspect the incoming staging area",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Remove staged blobs older than staging.ttl",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), cfg, func(a *app) error {
				res, err := a.service.SweepStaging(cmd.Context())
				if err != nil {
					return err
				}
				if structured() {
					return writeStructured(res)
				}
				return writePlain("staging: scanned %d, removed %d (%s), failed %d\n",
					res.Scanned, res.Removed, formatBytes(res.RemovedBytes), res.Failed)
			})
		},
	})
	return cmd
}

func newVerifyCmd(cfg *config.Config, structured func() bool) *cobra.Command {
	var volumeID int16

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Report references whose blob file is missing or truncated",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), cfg, func(a *app) error {
				ids := []int16{volumeID}
				if volumeID <= 0 {
					ids = ids[:0]
					for _, v := range a.volumes.List() {
						ids = append(ids, v.ID)
					}
				}

				var (
					results []gc.VerifyResult
					errs    []error
				)
				for _, id := range ids {
					res, err := a.service.Verify(cmd.Context(), id)
					if err != nil {
						return err
					}
					results = append(results, res)
					if err := res.Err(); err != nil {
						errs = append(errs, err)
					}
				}

				if structured() {
					if err := writeStructured(results); err != nil {
						return err
					}
					return errors.Join(errs...)
				}
				for _, res := range results {
					if err := writePlain("volume %d: checked %d, missing %d, size mismatch %d\n",
						res.VolumeID, res.Checked, len(res.Missing), len(res.SizeMismatch)); err != nil {
						return err
					}
					for _, ref := range res.Missing {
						if err := writePlain("  missing %d/%d rev %d %s\n", ref.MailboxID, ref.ItemID, ref.Revision, ref.Path); err != nil {
							return err
						}
					}
				}
				if len(errs) > 0 {
					return fmt.Errorf("verify found divergence: %w", errors.Join(errs...))
				}
				return nil
			})
		},
	}

	cmd.Flags().Int16Var(&volumeID, "volume", 0, "verify only this volume")
	return cmd
}
