package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"hlsgrab/internal/config"
	"hlsgrab/internal/cookies"
	"hlsgrab/internal/download"
	"hlsgrab/internal/extract"
	"hlsgrab/internal/httputil"
	"hlsgrab/internal/resolve"
	"hlsgrab/internal/server"
	"hlsgrab/internal/stream"
	"hlsgrab/internal/ytdlp"
)

var flagListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Args:  cobra.NoArgs,
	RunE:  serveRun,
}

func init() {
	serveCmd.Flags().StringVar(&flagListen, "listen", "", "Listen address (default :5000, or :$PORT)")
}

func serveRun(cmd *cobra.Command, args []string) error {
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	svc, store := buildService(cfg, afero.NewOsFs())
	srv := server.New(svc, store)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(log.Fields{
		"cookies_dir":   cfg.CookiesDir,
		"downloads_dir": cfg.DownloadsDir,
		"ytdlp":         cfg.YtdlpPath,
	}).Info("starting hlsgrab " + Version)

	if err := srv.ListenAndServe(ctx, cfg.Listen); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// buildService wires the resolver and cookie store from cfg.
func buildService(cfg *config.Config, fs afero.Fs) (*resolve.Service, *cookies.Store) {
	rt := httputil.NewTransport()
	backend := ytdlp.New(cfg.YtdlpPath, cfg.Timeouts.Backend())
	store := cookies.NewStore(fs, cfg.CookiesDir)

	svc := resolve.New(resolve.Deps{
		Backend: backend,
		Scraper: extract.NewPCloud(extract.Options{
			Transport:         rt,
			APIBase:           cfg.PCloud.APIBase,
			PageTimeout:       cfg.Timeouts.Page(),
			APITimeout:        cfg.Timeouts.API(),
			RequestsPerSecond: cfg.PCloud.RequestsPerSecond,
		}),
		Verifier:      stream.NewVerifier(rt, cfg.Timeouts.Probe()),
		Downloader:    download.New(backend, cfg.DownloadsDir),
		Materializer:  cookies.NewMaterializer(fs, cfg.CookiesDir),
		Store:         store,
		Fs:            fs,
		VerifyStreams: cfg.VerifyStreams,
	})
	return svc, store
}
