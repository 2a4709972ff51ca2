// Command nvs-cli is the offline front end for component G: baking a
// CSV or HuJSON manifest into an image, dumping an image back to CSV,
// and interactively browsing one.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"

	"github.com/nvscore/nvs/cmd/nvs-cli/inspect"
	"github.com/nvscore/nvs/builder"
)

func main() {
	root := &cobra.Command{
		Use:   "nvs-cli",
		Short: "Build, parse, and inspect offline NVS partition images.",
	}

	root.AddCommand(generateCmd(), parseCmd(), manifestCmd(), inspectCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func withSpinner(prefix string, fn func() error) error {
	sp := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	sp.Prefix = prefix
	sp.Start()
	err := fn()
	sp.Stop()
	return err
}

func generateCmd() *cobra.Command {
	var csvPath, outPath string
	var sizeBytes int64

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Build a partition image from a CSV record list",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(csvPath)
			if err != nil {
				return err
			}
			defer f.Close()

			records, err := builder.ReadCSV(f, filepath.Dir(csvPath))
			if err != nil {
				return err
			}

			var image []byte
			err = withSpinner(fmt.Sprintf("Building %s... ", outPath), func() error {
				var buildErr error
				image, buildErr = builder.Build(records, sizeBytes)
				return buildErr
			})
			if err != nil {
				return err
			}

			if err := atomicWriteFile(outPath, image); err != nil {
				return err
			}
			fmt.Printf("Wrote %s (%d bytes, %d records)\n", outPath, len(image), len(records))
			return nil
		},
	}

	cmd.Flags().StringVarP(&csvPath, "csv", "c", "", "input CSV record list (required)")
	cmd.Flags().StringVarP(&outPath, "output", "o", "", "output image path (required)")
	cmd.Flags().Int64VarP(&sizeBytes, "size", "s", 0, "image size in bytes, a multiple of 4096 (required)")
	cmd.MarkFlagRequired("csv")
	cmd.MarkFlagRequired("output")
	cmd.MarkFlagRequired("size")

	return cmd
}

func parseCmd() *cobra.Command {
	var imagePath, outPath string

	cmd := &cobra.Command{
		Use:   "parse",
		Short: "Dump a partition image's records to CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(imagePath)
			if err != nil {
				return err
			}

			records, err := builder.Parse(data)
			if err != nil {
				return err
			}

			if outPath == "" {
				return builder.WriteCSV(os.Stdout, records)
			}

			f, err := os.Create(outPath)
			if err != nil {
				return err
			}
			defer f.Close()

			if err := builder.WriteCSV(f, records); err != nil {
				return err
			}
			fmt.Printf("Wrote %d records to %s\n", len(records), outPath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&imagePath, "image", "i", "", "input image path (required)")
	cmd.Flags().StringVarP(&outPath, "output", "o", "", "output CSV path (stdout if omitted)")
	cmd.MarkFlagRequired("image")

	return cmd
}

func manifestCmd() *cobra.Command {
	var manifestPath, profile, outPath string
	var sizeBytes int64

	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Provision a device image from a HuJSON fleet manifest profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(manifestPath)
			if err != nil {
				return err
			}

			profiles, err := builder.ParseManifest(data)
			if err != nil {
				return err
			}

			records, ok := profiles[profile]
			if !ok {
				return fmt.Errorf("manifest has no profile %q", profile)
			}

			var image []byte
			err = withSpinner(fmt.Sprintf("Provisioning %s from profile %q... ", outPath, profile), func() error {
				var buildErr error
				image, buildErr = builder.Build(records, sizeBytes)
				return buildErr
			})
			if err != nil {
				return err
			}

			if err := atomicWriteFile(outPath, image); err != nil {
				return err
			}
			fmt.Printf("Wrote %s (%d bytes, profile %q, %d records)\n", outPath, len(image), profile, len(records))
			return nil
		},
	}

	cmd.Flags().StringVarP(&manifestPath, "manifest", "m", "", "HuJSON fleet manifest path (required)")
	cmd.Flags().StringVarP(&profile, "profile", "p", "", "profile name within the manifest (required)")
	cmd.Flags().StringVarP(&outPath, "output", "o", "", "output image path (required)")
	cmd.Flags().Int64VarP(&sizeBytes, "size", "s", 0, "image size in bytes, a multiple of 4096 (required)")
	cmd.MarkFlagRequired("manifest")
	cmd.MarkFlagRequired("profile")
	cmd.MarkFlagRequired("output")
	cmd.MarkFlagRequired("size")

	return cmd
}

func inspectCmd() *cobra.Command {
	var imagePath string

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Open an interactive REPL over a partition image",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(imagePath)
			if err != nil {
				return err
			}
			return inspect.Run(data)
		},
	}

	cmd.Flags().StringVarP(&imagePath, "image", "i", "", "input image path (required)")
	cmd.MarkFlagRequired("image")

	return cmd
}
