package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/artspace/archivist/internal/archive"
)

func runStamp(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), archive.DateStamp(time.Now(), loc))
	return err
}

func runInspect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store := archive.NewDirStore(cfg.OutputDir)
	a, err := store.ReadLatest()
	if err != nil {
		return fmt.Errorf("inspect %s: %w", store.Path(archive.LatestName), err)
	}
	return printArchive(cmd.OutOrStdout(), store.Path(archive.LatestName), a)
}

func printArchive(out io.Writer, path string, a *archive.Archive) error {
	_, _ = fmt.Fprintf(out, "Archive:   %s\n", path)
	_, _ = fmt.Fprintf(out, "Published: %s\n", a.Meta.PublishedAt)
	_, _ = fmt.Fprintf(out, "Stamp:     %s (%s)\n", a.Meta.Stamp, a.Meta.Timezone)
	_, _ = fmt.Fprintf(out, "Mode:      %s\n\n", a.Meta.Mode)

	configured := make(map[string]bool, len(a.Meta.Collections))
	for _, name := range a.Meta.Collections {
		configured[name] = true
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "COLLECTION\tDOCUMENTS\tCARRIED")
	for _, name := range a.Names() {
		carried := ""
		if !configured[name] {
			carried = "*"
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\n", name, len(a.Collection(name)), carried)
	}
	return w.Flush()
}
