package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"TestEngine-Core/internal/archive"
	"TestEngine-Core/internal/bundle"
	"TestEngine-Core/internal/catalog"
	"TestEngine-Core/pkg/logger"
)

func newBundleCmd(global *globalFlags, s streams) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Install, list and remove plugin bundles",
		Long: `A bundle is a directory with a plugin.meta.json manifest and its algorithms,
widgets, input blocks and templates. Installed bundles are validated, copied
under the install root and recorded in the catalog.`,
	}

	withStore := func(run func(ctx context.Context, store *bundle.Store, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(cmd.Context(), global, engineOptions{skipDiscovery: true})
			if err != nil {
				return err
			}
			defer eng.Close()
			return run(cmd.Context(), eng.store, args)
		}
	}

	install := &cobra.Command{
		Use:   "install <path>",
		Short: "Install a bundle directory, a folder of bundles, an algorithm folder or an archive",
		Example: `  testengine bundle install ./fairness-bundle
  testengine bundle install ./uploads/bundles.zip
  testengine bundle install ./my-algorithm`,
		Args: cobra.ExactArgs(1),
		RunE: withStore(func(ctx context.Context, store *bundle.Store, args []string) error {
			report, err := installPath(ctx, store, args[0])
			if err != nil {
				return err
			}
			if err := writeJSON(s.out, report); err != nil {
				return err
			}
			if len(report.Installed) == 0 && len(report.Failed) > 0 {
				return fmt.Errorf("no bundle installed from %s", args[0])
			}
			return nil
		}),
	}

	scan := &cobra.Command{
		Use:   "scan <dir>",
		Short: "Install every bundle found under a directory",
		Long: `Walk dir for plugin.meta.json manifests and install each bundle found.
A bundle that fails validation is reported and leaves no partial install.`,
		Args: cobra.ExactArgs(1),
		RunE: withStore(func(ctx context.Context, store *bundle.Store, args []string) error {
			report, err := store.ScanDirectory(ctx, args[0])
			if err != nil {
				return err
			}
			return writeJSON(s.out, report)
		}),
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List installed bundles",
		Args:  cobra.NoArgs,
		RunE: withStore(func(ctx context.Context, store *bundle.Store, _ []string) error {
			plugins, err := store.List(ctx)
			if err != nil {
				return err
			}
			return printBundles(s.out, plugins)
		}),
	}

	del := &cobra.Command{
		Use:     "delete <gid>",
		Aliases: []string{"rm"},
		Short:   "Remove one installed bundle",
		Args:    cobra.ExactArgs(1),
		RunE: withStore(func(ctx context.Context, store *bundle.Store, args []string) error {
			if err := store.DeletePlugin(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(s.out, "deleted %s\n", args[0])
			return nil
		}),
	}

	var confirm bool
	deleteAll := &cobra.Command{
		Use:   "delete-all",
		Short: "Remove every installed bundle",
		Args:  cobra.NoArgs,
		RunE: withStore(func(ctx context.Context, store *bundle.Store, _ []string) error {
			if !confirm {
				return fmt.Errorf("refusing to delete every bundle without --yes")
			}
			if err := store.DeleteAll(ctx); err != nil {
				return err
			}
			fmt.Fprintln(s.out, "deleted all bundles")
			return nil
		}),
	}
	deleteAll.Flags().BoolVarP(&confirm, "yes", "y", false, "confirm removal of every bundle")

	cmd.AddCommand(install, scan, list, del, deleteAll)
	return cmd
}

// installPath picks the install flavour from what path holds.
func installPath(ctx context.Context, store *bundle.Store, path string) (*bundle.ScanReport, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	log := logger.Named("cli")
	switch {
	case !info.IsDir() && archive.IsArchive(path):
		log.Debug("installing archive", "path", path)
		return store.InstallArchive(ctx, path)
	case !info.IsDir():
		return nil, fmt.Errorf("%s is neither a directory nor a supported archive", path)
	case exists(filepath.Join(path, bundle.ManifestFile)):
		p, err := store.Install(ctx, path)
		if err != nil {
			return nil, err
		}
		return &bundle.ScanReport{Installed: []catalog.Plugin{*p}}, nil
	case exists(filepath.Join(path, filepath.Base(path)+bundle.MetaSuffix)):
		p, err := store.ScanAlgorithmDirectory(ctx, path)
		if err != nil {
			return nil, err
		}
		return &bundle.ScanReport{Installed: []catalog.Plugin{*p}}, nil
	default:
		return store.ScanDirectory(ctx, path)
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printBundles(w io.Writer, plugins []catalog.Plugin) error {
	if len(plugins) == 0 {
		_, err := fmt.Fprintln(w, "No bundles installed.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "GID\tVERSION\tNAME\tALGORITHMS\tDIGEST")
	for _, p := range plugins {
		digest := p.Digest
		if len(digest) > 12 {
			digest = digest[:12]
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", p.GID, p.Version, p.Name, p.Components[catalog.KindAlgorithm], digest)
	}
	return tw.Flush()
}
