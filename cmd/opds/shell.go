package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aluiziolira/go-opds-catalog/catalog"
	"github.com/aluiziolira/go-opds-catalog/models"
	"github.com/aluiziolira/go-opds-catalog/parser"
)

const shellHelp = `commands:
  ls                    list visible items
  open N                open catalog N or pick a download of book N
  back                  return to the previous catalog
  refresh               reload the current catalog
  stop                  stop background pagination
  wait                  wait for background pagination to finish
  find TEXT             search visible items
  formats N             show download formats of book N
  news on|off           hide items tagged News
  library on|off        hide books already in the local library
  fix                   copy catalog timestamps onto matching local books
  where                 show location and state
  help                  show this help
  quit                  exit`

func browseCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "browse",
		Short: "Browse a catalog interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, cfg, appOptions{out: cmd.OutOrStdout()})
			if err != nil {
				return err
			}
			defer a.Close()
			defer startMetrics(cfg.MetricsAddr, a.fetcher.Metrics.Registry)()

			sh := &shell{app: a, out: cmd.OutOrStdout()}
			if err := a.nav.LoadRoot(ctx); err != nil {
				fmt.Fprintf(sh.out, "loading root failed: %v\n", err)
			} else {
				sh.list()
			}
			return sh.run(ctx, cmd.InOrStdin())
		},
	}
}

// shell is a line-oriented front end over the navigator.
type shell struct {
	app *app
	out io.Writer
}

func (s *shell) run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(s.out, "opds> ")
		if !scanner.Scan() {
			fmt.Fprintln(s.out)
			return scanner.Err()
		}
		quit, err := s.exec(ctx, scanner.Text())
		if err != nil {
			fmt.Fprintf(s.out, "error: %v\n", err)
		}
		if quit || ctx.Err() != nil {
			return nil
		}
	}
}

// exec runs one command line. quit is true for quit/exit.
func (s *shell) exec(ctx context.Context, line string) (quit bool, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]
	nav := s.app.nav
	store := s.app.store

	switch cmd {
	case "quit", "exit", "q":
		return true, nil
	case "help", "?":
		fmt.Fprintln(s.out, shellHelp)
	case "ls", "list":
		s.list()
	case "open", "o":
		item, err := s.item(args)
		if err != nil {
			return false, err
		}
		if err := nav.Activate(ctx, item); err != nil {
			return false, err
		}
		if item.IsSubCatalog() {
			s.list()
		}
	case "back", "b":
		if !nav.Back() {
			fmt.Fprintln(s.out, "already at the top")
			return false, nil
		}
		s.list()
	case "refresh", "r":
		if err := nav.Refresh(ctx); err != nil {
			return false, err
		}
		s.list()
	case "stop":
		nav.Cancel()
	case "wait":
		if err := nav.WaitForContinuation(ctx); err != nil {
			return false, err
		}
		all, visible := store.Len()
		fmt.Fprintf(s.out, "%d items (%d visible)\n", all, visible)
	case "find", "/":
		query := strings.Join(args, " ")
		s.print(store.Search(query))
	case "formats":
		item, err := s.item(args)
		if err != nil {
			return false, err
		}
		if len(item.DownloadLinks) == 0 {
			fmt.Fprintln(s.out, "no downloads")
			return false, nil
		}
		for i, link := range item.DownloadLinks {
			fmt.Fprintf(s.out, "%d. %-5s %s\n", i+1, parser.FormatLabel(link), link)
		}
	case "news":
		return false, s.toggle(catalog.FilterNewspapers, args)
	case "library":
		if s.app.library == nil {
			return false, errors.New("no local library configured (use --library)")
		}
		return false, s.toggle(catalog.FilterInLibrary, args)
	case "fix":
		changed, err := s.app.fixTimestamps(ctx, store.Visible())
		if err != nil {
			return false, err
		}
		fmt.Fprintf(s.out, "updated %d local books\n", changed)
	case "where", "pwd":
		s.where()
	default:
		return false, fmt.Errorf("unknown command %q (try help)", cmd)
	}
	return false, nil
}

func (s *shell) toggle(kind catalog.FilterKind, args []string) error {
	if len(args) != 1 {
		fmt.Fprintf(s.out, "%s is %v\n", kind, s.app.store.Filter(kind))
		return nil
	}
	on, err := onOff(args[0])
	if err != nil {
		return err
	}
	s.app.store.SetFilter(kind, on)
	s.list()
	return nil
}

func (s *shell) item(args []string) (*models.CatalogItem, error) {
	if len(args) != 1 {
		return nil, errors.New("expected an item number")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return nil, fmt.Errorf("invalid item number %q", args[0])
	}
	visible := s.app.store.Visible()
	if n < 1 || n > len(visible) {
		return nil, fmt.Errorf("item %d out of range (1-%d)", n, len(visible))
	}
	return visible[n-1], nil
}

func (s *shell) list() {
	s.where()
	s.print(s.app.store.Visible())
}

func (s *shell) where() {
	nav := s.app.nav
	crumbs := nav.Breadcrumbs()
	location := "/"
	if len(crumbs) > 0 {
		location = "/ " + strings.Join(crumbs, " / ")
	}
	fmt.Fprintf(s.out, "%s  [%s, server: %s]\n", location, nav.State(), nav.ServerIdentity())
	if err := nav.Err(); err != nil {
		fmt.Fprintf(s.out, "last error: %v\n", err)
	}
}

func (s *shell) print(items []*models.CatalogItem) {
	for i, item := range items {
		fmt.Fprintf(s.out, "%4d  %s\n", i+1, describe(item))
	}
	if len(items) == 0 {
		fmt.Fprintln(s.out, "  (no items)")
	}
}

func describe(item *models.CatalogItem) string {
	if item.IsSubCatalog() {
		return item.Title + "/"
	}
	var b strings.Builder
	b.WriteString(item.Title)
	if len(item.Authors) > 0 {
		b.WriteString(" by ")
		b.WriteString(item.AuthorLine())
	}
	if item.HasUpdated() {
		b.WriteString("  (")
		b.WriteString(parser.FormatTimestamp(item.Updated))
		b.WriteString(")")
	}
	if len(item.DownloadLinks) > 0 {
		labels := make([]string, len(item.DownloadLinks))
		for i, link := range item.DownloadLinks {
			labels[i] = parser.FormatLabel(link)
		}
		b.WriteString("  [")
		b.WriteString(strings.Join(labels, " "))
		b.WriteString("]")
	}
	return b.String()
}
