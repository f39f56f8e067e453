package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"github.com/rstms/framfs"
	"github.com/rstms/framfs/fat"
	"github.com/rstms/framfs/fram"
	"github.com/rstms/framfs/image"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func createCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Create a zero filled image",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			img, err := image.CreateImage(appFs, v.GetString("image"), v.GetInt("capacity"))
			if err != nil {
				return Fatal(err)
			}
			defer img.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "created %s (%dKB)\n", img.Filename, img.CapacityKB)
			return nil
		},
	}
}

func formatCmd(v *viper.Viper) *cobra.Command {
	var opts fat.FormatOptions
	var fatType int
	cmd := &cobra.Command{
		Use:   "format",
		Short: "Write an empty FAT volume to the image",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			typ, err := parseFATType(fatType)
			if err != nil {
				return Fatal(err)
			}
			opts.FATType = typ
			img, err := openImage(v)
			if err != nil {
				return Fatal(err)
			}
			defer img.Close()
			cfg, err := volumeConfig(v)
			if err != nil {
				return Fatal(err)
			}
			cfg.ForceFormat = true
			vol, err := img.Mount(cfg, framfs.WithFormatOptions(opts))
			if err != nil {
				return Fatal(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "formatted %s: %d bytes, %d used\n", img.Filename, vol.TotalBytes(), vol.UsedBytes())
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.Label, "label", "", "volume label")
	cmd.Flags().StringVar(&opts.OEMName, "oem", "", "boot sector OEM name")
	cmd.Flags().IntVar(&fatType, "fat-type", 0, "FAT type: 12, 16, or 0 to choose by size")
	return cmd
}

func parseFATType(bits int) (fat.FATType, error) {
	switch bits {
	case 0:
		return fat.FATAny, nil
	case 12:
		return fat.FAT12, nil
	case 16:
		return fat.FAT16, nil
	}
	return fat.FATAny, Fatalf("unsupported FAT type: %d", bits)
}

func infoCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show chip and volume details",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			img, err := openImage(v)
			if err != nil {
				return Fatal(err)
			}
			defer img.Close()
			out := cmd.OutOrStdout()
			id, err := img.ReadID()
			if err != nil {
				return Fatal(err)
			}
			fmt.Fprintf(out, "image:       %s\n", img.Filename)
			fmt.Fprintf(out, "capacity:    %dKB\n", img.CapacityKB)
			fmt.Fprintf(out, "chip id:     %s\n", id)

			cfg, err := volumeConfig(v)
			if err != nil {
				return Fatal(err)
			}
			vol, err := img.Mount(cfg)
			if errors.Is(err, fram.ErrNoFilesystem) {
				fmt.Fprintln(out, "volume:      unformatted")
				return nil
			}
			if err != nil {
				return Fatal(err)
			}
			label, err := vol.VolumeLabel()
			if err != nil {
				return Fatal(err)
			}
			fmt.Fprintf(out, "drive:       %d\n", vol.Drive())
			fmt.Fprintf(out, "mount point: %s\n", vol.MountPoint())
			bs, err := vol.BootSector()
			if err != nil {
				return Fatal(err)
			}
			fmt.Fprintf(out, "label:       %s\n", label)
			fmt.Fprintf(out, "oem:         %s\n", bs.OEMName)
			fmt.Fprintf(out, "fat type:    %s\n", bs.FATType())
			fmt.Fprintf(out, "total bytes: %d\n", vol.TotalBytes())
			fmt.Fprintf(out, "used bytes:  %d\n", vol.UsedBytes())
			return nil
		},
	}
}

func lsCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List the root directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			vol, img, err := mountImage(v)
			if err != nil {
				return Fatal(err)
			}
			defer img.Close()
			entries, err := vol.RootEntries()
			if err != nil {
				return Fatal(err)
			}
			out := cmd.OutOrStdout()
			for _, e := range entries {
				switch {
				case e.IsVolumeId():
					fmt.Fprintf(out, "%-12s <VOL>\n", e.Name())
				case e.IsDir():
					fmt.Fprintf(out, "%-12s <DIR>      %s\n", e.Name(), e.ModTime().Format("2006-01-02 15:04"))
				default:
					fmt.Fprintf(out, "%-12s %10d %s\n", e.Name(), e.Size(), e.ModTime().Format("2006-01-02 15:04"))
				}
			}
			return nil
		},
	}
}

func mountImage(v *viper.Viper) (*framfs.FS, *image.Image, error) {
	img, err := openImage(v)
	if err != nil {
		return nil, nil, Fatal(err)
	}
	cfg, err := volumeConfig(v)
	if err != nil {
		img.Close()
		return nil, nil, Fatal(err)
	}
	vol, err := img.Mount(cfg)
	if err != nil {
		img.Close()
		return nil, nil, Fatal(err)
	}
	return vol, img, nil
}

func parseSector(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, Fatalf("invalid sector: %s", s)
	}
	return uint32(n), nil
}

func readRawCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "read-raw SECTOR",
		Short: "Hex dump one sector",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sector, err := parseSector(args[0])
			if err != nil {
				return Fatal(err)
			}
			img, err := openImage(v)
			if err != nil {
				return Fatal(err)
			}
			defer img.Close()
			buf := make([]byte, fram.SectorSize)
			err = img.ReadSector(buf, sector)
			if err != nil {
				return Fatal(err)
			}
			fmt.Fprint(cmd.OutOrStdout(), hex.Dump(buf))
			return nil
		},
	}
}

func writeRawCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "write-raw SECTOR FILE",
		Short: "Write one sector from a file, zero padded",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sector, err := parseSector(args[0])
			if err != nil {
				return Fatal(err)
			}
			data, err := afero.ReadFile(appFs, args[1])
			if err != nil {
				return Fatal(err)
			}
			if len(data) > fram.SectorSize {
				return Fatalf("%s: %d bytes is more than one sector", args[1], len(data))
			}
			img, err := openImage(v)
			if err != nil {
				return Fatal(err)
			}
			defer img.Close()
			buf := make([]byte, fram.SectorSize)
			copy(buf, data)
			err = img.WriteSector(buf, sector)
			if err != nil {
				return Fatal(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote sector %d\n", sector)
			return nil
		},
	}
}

func unformatCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "unformat",
		Short: "Destroy the boot sector",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			img, err := openImage(v)
			if err != nil {
				return Fatal(err)
			}
			defer img.Close()
			err = img.Unformat()
			if err != nil {
				return Fatal(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "unformatted %s\n", img.Filename)
			return nil
		},
	}
}
