package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/aluiziolira/go-opds-catalog/models"
	"github.com/aluiziolira/go-opds-catalog/parser"
)

// promptCredentials asks for Basic credentials in the terminal.
type promptCredentials struct{}

func (promptCredentials) Credentials(ctx context.Context, rawURL, realm string) (models.Credentials, bool, error) {
	var creds models.Credentials
	title := "Login required"
	if realm != "" {
		title = fmt.Sprintf("Login required (%s)", realm)
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title(title).
				Description(rawURL).
				Placeholder("username").
				Value(&creds.Username).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("username cannot be empty")
					}
					return nil
				}),
			huh.NewInput().
				Title("Password").
				EchoMode(huh.EchoModePassword).
				Value(&creds.Password),
		),
	)
	if err := form.RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return models.Credentials{}, false, nil
		}
		return models.Credentials{}, false, fmt.Errorf("credentials prompt: %w", err)
	}
	creds.Username = strings.TrimSpace(creds.Username)
	return creds, true, nil
}

// selectFormat lets the user pick one download link when a book offers
// several formats.
func selectFormat(ctx context.Context, item *models.CatalogItem) (string, error) {
	if len(item.DownloadLinks) == 1 {
		return item.DownloadLinks[0], nil
	}

	options := make([]huh.Option[string], len(item.DownloadLinks))
	for i, link := range item.DownloadLinks {
		options[i] = huh.NewOption(parser.FormatLabel(link), link)
	}
	choice := item.DownloadLinks[0]
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title(fmt.Sprintf("Format for %q", item.Title)).
				Options(options...).
				Value(&choice),
		),
	)
	if err := form.RunWithContext(ctx); err != nil {
		return "", fmt.Errorf("format prompt: %w", err)
	}
	return choice, nil
}

// formatPicker resolves an activated book to one download URL and reports
// it. Fetching the file is left to the user's reader or browser.
type formatPicker struct {
	out    io.Writer
	choose func(ctx context.Context, item *models.CatalogItem) (string, error)
}

func (p *formatPicker) Download(ctx context.Context, item *models.CatalogItem) error {
	link, err := p.choose(ctx, item)
	if err != nil {
		return err
	}
	fmt.Fprintf(p.out, "%s  %s\n", parser.FormatLabel(link), link)
	slog.Info("download selected",
		slog.String("title", item.Title),
		slog.String("format", parser.FormatLabel(link)),
		slog.String("url", link),
	)
	return nil
}
