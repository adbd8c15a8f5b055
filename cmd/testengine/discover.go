package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"TestEngine-Core/pkg/plugin"
)

type moduleRow struct {
	Category plugin.Category `json:"category"`
	Name     string          `json:"name"`
	Version  string          `json:"version,omitempty"`
	Runtime  plugin.Runtime  `json:"runtime"`
	Source   string          `json:"source,omitempty"`
}

func newDiscoverCmd(global *globalFlags, s streams) *cobra.Command {
	var (
		roots  []string
		asJSON bool
		watch  bool
	)
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List every plugin the engine can load",
		Long: `Load the stock adapters, installed bundles and plugin roots, then print the registry.
With --watch the plugin roots are rescanned on every change until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, err := openEngine(cmd.Context(), global, engineOptions{roots: roots})
			if err != nil {
				return err
			}
			defer eng.Close()
			show := func() error {
				rows := snapshot(eng.registry)
				if asJSON {
					enc := json.NewEncoder(s.out)
					enc.SetIndent("", "  ")
					return enc.Encode(rows)
				}
				return printModules(s.out, rows)
			}
			if err := show(); err != nil {
				return err
			}
			if !watch {
				return nil
			}
			return eng.watch(cmd.Context(), append(eng.cfg.PluginRoots(), roots...), func() {
				_, _ = fmt.Fprintln(s.out)
				if err := show(); err != nil {
					eng.logger.Warn("registry not printed", "error", err)
				}
			})
		},
	}
	cmd.Flags().StringSliceVar(&roots, "plugins", nil, "extra plugin roots")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	cmd.Flags().BoolVar(&watch, "watch", false, "rescan plugin roots on change")
	return cmd
}

// watch blocks until ctx is done, rediscovering each existing root when its
// files change. Changes are reported through onChange one at a time.
func (e *engine) watch(ctx context.Context, roots []string, onChange func()) error {
	d := e.discoverer()
	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		errs = make([]error, len(roots))
	)
	for i, root := range roots {
		if _, err := os.Stat(root); err != nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = d.Watch(ctx, root, 500*time.Millisecond, func(res *plugin.DiscoveryResult, err error) {
				if err != nil {
					e.logger.Warn("plugin rediscovery failed", "root", root, "error", err)
					return
				}
				e.logger.Info("plugin root rescanned", "root", root, "modules", len(res.Modules), "skipped", len(res.Errors))
				mu.Lock()
				defer mu.Unlock()
				onChange()
			})
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// snapshot lists registered modules per category in priority order.
func snapshot(reg *plugin.Registry) []moduleRow {
	rows := []moduleRow{}
	for _, cat := range plugin.Categories() {
		mods, err := reg.Get(cat)
		if err != nil {
			continue
		}
		for _, m := range mods {
			rows = append(rows, moduleRow{
				Category: cat,
				Name:     m.Descriptor.Name,
				Version:  m.Descriptor.Version,
				Runtime:  m.Descriptor.Runtime,
				Source:   m.Descriptor.Source,
			})
		}
	}
	return rows
}

func printModules(w io.Writer, rows []moduleRow) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "CATEGORY\tNAME\tVERSION\tRUNTIME\tSOURCE")
	for _, r := range rows {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.Category, r.Name, r.Version, r.Runtime, r.Source)
	}
	return tw.Flush()
}
