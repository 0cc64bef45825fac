package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"mailstore/internal/config"
	"mailstore/internal/models"
	"mailstore/internal/volume"
)

// volumeManifest is the YAML document accepted by `volume import`.
type volumeManifest struct {
	Volumes []volume.Spec `yaml:"volumes"`
}

func newVolumeCmd(cfg *config.Config, structured func() bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "volume",
		Short: "Manage storage volumes",
	}
	cmd.AddCommand(
		newVolumeAddCmd(cfg, structured),
		newVolumeListCmd(cfg, structured),
		newVolumeSetCurrentCmd(cfg),
		newVolumeImportCmd(cfg, structured),
	)
	return cmd
}

func newVolumeAddCmd(cfg *config.Config, structured func() bool) *cobra.Command {
	var (
		id      int16
		kind    string
		current bool
	)

	cmd := &cobra.Command{
		Use:   "add <root>",
		Short: "Register a volume",
		Args:  requireExactlyArgs(1, "volume root is required"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if id <= 0 {
				return fmt.Errorf("--id must be > 0")
			}
			volumeType, err := models.ParseVolumeType(kind)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), cfg, func(a *app) error {
				info, err := a.volumes.Register(cmd.Context(), volume.Spec{ID: id, Type: volumeType, Root: args[0], Current: current})
				if err != nil {
					return err
				}
				if structured() {
					return writeStructured(info)
				}
				return writePlain("registered volume %d (%s) at %s\n", info.ID, info.Type, info.Root)
			})
		},
	}

	cmd.Flags().Int16Var(&id, "id", 0, "volume id, immutable once registered (required)")
	cmd.Flags().StringVar(&kind, "type", string(models.VolumePrimaryMessage), "volume type: primary-message, secondary-message, index or external")
	cmd.Flags().BoolVar(&current, "current", false, "make this the current volume of its type")
	return cmd
}

func newVolumeListCmd(cfg *config.Config, structured func() bool) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered volumes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), cfg, func(a *app) error {
				vols := a.volumes.List()
				if structured() {
					return writeStructured(vols)
				}
				counts, err := a.store.CountReferences(cmd.Context())
				if err != nil {
					return err
				}
				for _, v := range vols {
					marker := " "
					if v.Current {
						marker = "*"
					}
					if err := writePlain("%s %-5d %-18s %-8d %s\n", marker, v.ID, v.Type, counts[v.ID], v.Root); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func newVolumeSetCurrentCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "set-current <id>",
		Short: "Make a volume the current one for its type",
		Args:  requireExactlyArgs(1, "volume id is required"),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseVolumeID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), cfg, func(a *app) error {
				if err := a.volumes.SetCurrent(cmd.Context(), id); err != nil {
					return err
				}
				info, err := a.volumes.Get(id)
				if err != nil {
					return err
				}
				return writePlain("volume %d is now current for %s\n", info.ID, info.Type)
			})
		},
	}
}

func newVolumeImportCmd(cfg *config.Config, structured func() bool) *cobra.Command {
	return &cobra.Command{
		Use:   "import <manifest.yaml>",
		Short: "Register every volume declared in a YAML manifest",
		Args:  requireExactlyArgs(1, "manifest path is required"),
		RunE: func(cmd *cobra.Command, args []string) error {
			specs, err := readVolumeManifest(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), cfg, func(a *app) error {
				if err := a.volumes.Bootstrap(cmd.Context(), specs); err != nil {
					return err
				}
				vols := a.volumes.List()
				if structured() {
					return writeStructured(vols)
				}
				return writePlain("%d volumes declared, %d registered\n", len(specs), len(vols))
			})
		},
	}
}

func readVolumeManifest(path string) ([]volume.Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var manifest volumeManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if len(manifest.Volumes) == 0 {
		return nil, fmt.Errorf("manifest %s declares no volumes", path)
	}
	return manifest.Volumes, nil
}
