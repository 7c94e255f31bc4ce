package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"sitereport/internal/geocode"
	"sitereport/internal/render"
	"sitereport/internal/types"
)

func (a *app) exportCmd() *cobra.Command {
	var (
		format  string
		mode    string
		out     string
		owner   string
		summary bool
	)
	cmd := &cobra.Command{
		Use:   "export <report-id>",
		Short: "Export a report to a file without going through the API",
		Long: `Renders any report (or only one owned by --user) as pdf, docx, html or json.
PDF needs a local Chrome or render.chrome_url. --summary exports the Auto
Summary instead of the full report.

Examples:
  sitereport export 7b0c... --format pdf
  sitereport export 7b0c... --format docx --mode direct --out roof.docx
  sitereport export 7b0c... --summary --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := render.ParseFormat(format)
			if err != nil {
				return err
			}
			m, err := render.ParseDocxMode(mode)
			if err != nil {
				return err
			}
			if f == render.FormatJSON && !summary {
				return fmt.Errorf("json is only available with --summary")
			}

			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			var rep *types.Report
			if owner != "" {
				u, uerr := st.GetUserByEmail(owner)
				if uerr != nil {
					return fmt.Errorf("user %s: %w", owner, uerr)
				}
				rep, err = st.GetReport(u.ID, args[0])
			} else {
				rep, err = st.GetReportAny(args[0])
			}
			if err != nil {
				return fmt.Errorf("report %s: %w", args[0], err)
			}
			buckets, err := st.ListPhotos(rep.UserID, rep.ID)
			if err != nil {
				return err
			}
			doc := render.NewDocument(rep, buckets, cfg.Render.CompanyName, time.Now())

			var pdf render.PDFRenderer
			if f == render.FormatPDF {
				chrome := render.NewChrome(cfg.Render)
				defer chrome.Shutdown(context.WithoutCancel(cmd.Context()))
				pdf = chrome
			}
			exporter := render.NewExporter(cfg, pdf)
			defer exporter.Images().Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.GetRenderTimeout())
			defer cancel()
			var art *render.Artifact
			if summary {
				art, err = exporter.Summary(ctx, doc, f)
			} else {
				art, err = exporter.Export(ctx, doc, f, m)
			}
			if err != nil {
				return err
			}

			path := out
			if path == "" {
				path = art.Filename
			}
			if path == "-" {
				_, err = cmd.OutOrStdout().Write(art.Data)
				return err
			}
			if dir := filepath.Dir(path); dir != "." {
				if err := os.MkdirAll(dir, 0755); err != nil {
					return err
				}
			}
			if err := os.WriteFile(path, art.Data, 0644); err != nil {
				return fmt.Errorf("failed to write %s: %w", path, err)
			}
			a.log().Info("Report exported",
				zap.String("report", rep.ID),
				zap.String("format", string(f)),
				zap.Int("bytes", len(art.Data)),
				zap.Int("pages", art.Pages))
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes)\n", path, len(art.Data))
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "pdf", "pdf, docx, html or json")
	cmd.Flags().StringVar(&mode, "mode", "", "DOCX builder: html (default) or direct")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output path, - for stdout (default: generated filename)")
	cmd.Flags().StringVar(&owner, "user", "", "Only export if the report belongs to this email")
	cmd.Flags().BoolVar(&summary, "summary", false, "Export the Auto Summary")
	return cmd
}

func (a *app) geocodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "geocode <address>",
		Short: "Resolve an address with the configured providers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			g := geocode.New(cfg.Geocode)
			defer g.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Geocode.GetTimeout()*3)
			defer cancel()
			res, err := g.Resolve(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%.6f, %.6f\t%s\t(%s, matched %q)\n",
				res.Lat, res.Lng, res.DisplayName, res.Provider, res.Query)
			return nil
		},
	}
}
