// sdpart builds and inspects card images with the same partition
// layout the firmware writes to real cards: an MCU-reserved area at
// the front, then one active FAT32-LBA partition to the end of the
// card.
//
// The image is driven through the whole storage stack — a simulated
// card over the file, the protocol driver on top, the partition
// manager above that — so the tool doubles as an end-to-end exercise
// of the code that runs on hardware.
package main

import (
	"fmt"
	"os"

	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/disk"
	"github.com/diskfs/go-diskfs/filesystem"
	"github.com/spf13/cobra"

	"github.com/rabidaudio/sdspi/mbr"
	"github.com/rabidaudio/sdspi/mock"
	"github.com/rabidaudio/sdspi/sdcard"
)

var (
	blocks uint32
	start  uint32
	format bool
	label  string
)

var rootCmd = &cobra.Command{
	Use:           "sdpart",
	Short:         "build and inspect partitioned card images",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var createCmd = &cobra.Command{
	Use:   "create <image>",
	Short: "create a card image with one FAT32 partition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return create(args[0])
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <image>",
	Short: "print the partition table of a card image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return inspect(args[0])
	},
}

func init() {
	createCmd.Flags().Uint32Var(&blocks, "blocks", 65536, "card size in 512-byte blocks (multiple of 1024)")
	createCmd.Flags().Uint32Var(&start, "start", 2048, "first sector of the partition; the space before it is reserved")
	createCmd.Flags().BoolVar(&format, "format", false, "FAT32-format the partition after creating it")
	createCmd.Flags().StringVar(&label, "label", "SDSPI", "volume label when formatting")
	rootCmd.AddCommand(createCmd, inspectCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "sdpart: %v\n", err)
		os.Exit(1)
	}
}

// openCard brings up the full driver stack over an image file.
func openCard(f *os.File, blocks uint32) (*sdcard.Card, error) {
	card := &sdcard.Card{Bus: &mock.Card{
		Backing:        f,
		HighCapacity:   true,
		CapacityBlocks: blocks,
	}}
	if err := card.Init(); err != nil {
		return nil, fmt.Errorf("card bring-up: %w", err)
	}
	return card, nil
}

func create(path string) error {
	if blocks%1024 != 0 {
		return fmt.Errorf("--blocks must be a multiple of 1024, got %v", blocks)
	}
	if start+mbr.MinSectors > blocks {
		return fmt.Errorf("no room for a partition: start %v on a %v-block card", start, blocks)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := f.Truncate(int64(blocks) * sdcard.SectorSize); err != nil {
		f.Close()
		return err
	}

	card, err := openCard(f, blocks)
	if err != nil {
		f.Close()
		return err
	}
	info, err := card.Info()
	if err != nil {
		f.Close()
		return err
	}
	table, err := mbr.Create(card, start, info.Blocks)
	if err != nil {
		f.Close()
		return err
	}
	want := table.Entry(0).Sectors()
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Printf("created %v: %v blocks, partition at %v, %v sectors\n", path, blocks, start, want)

	if !format {
		return nil
	}

	dsk, err := diskfs.Open(path)
	if err != nil {
		return err
	}
	if _, err := dsk.CreateFilesystem(disk.FilesystemSpec{
		Partition:   1,
		FSType:      filesystem.TypeFat32,
		VolumeLabel: label,
	}); err != nil {
		return fmt.Errorf("format: %w", err)
	}
	if err := dsk.Close(); err != nil {
		return err
	}

	// formatting can rewrite the MBR's size field; restore it
	f, err = os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	card, err = openCard(f, blocks)
	if err != nil {
		return err
	}
	repaired, err := mbr.Repair(card, start, want)
	if err != nil {
		return err
	}
	if repaired {
		fmt.Println("restored partition size after format")
	}
	fmt.Printf("formatted partition 1 as FAT32 (%v)\n", label)
	return nil
}

func inspect(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	imgBlocks := uint32(st.Size() / sdcard.SectorSize)
	if imgBlocks%1024 != 0 {
		// the simulated card needs whole capacity units; round down
		imgBlocks -= imgBlocks % 1024
	}
	if imgBlocks == 0 {
		return fmt.Errorf("%v is too small to be a card image", path)
	}

	card, err := openCard(f, imgBlocks)
	if err != nil {
		return err
	}
	table, err := mbr.Read(card)
	if err != nil {
		return err
	}
	fmt.Printf("%v: signature %#04x\n", path, table.Signature())
	for i := 0; i < 4; i++ {
		e := table.Entry(i)
		if e.Type() == 0 {
			continue
		}
		fmt.Printf("  %v: type %#02x start %v sectors %v bootable %v\n",
			i+1, e.Type(), e.StartLBA(), e.Sectors(), e.Bootable())
	}

	// cross-check through independent partition tooling
	dsk, err := diskfs.Open(path, diskfs.WithOpenMode(diskfs.ReadOnly))
	if err != nil {
		return err
	}
	defer dsk.Close()
	pt, err := dsk.GetPartitionTable()
	if err != nil {
		return err
	}
	fmt.Printf("diskfs reads a %v table with %v partitions\n", pt.Type(), len(pt.GetPartitions()))
	return nil
}
