package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"hlsgrab/internal/media"
	"hlsgrab/internal/resolve"
	"hlsgrab/internal/ui"
)

var (
	flagJSON        bool
	flagBest        bool
	flagMethod      string
	flagCookies     []string
	flagHeaders     []string
	flagCookiesFile string
	flagCheck       bool
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <url>",
	Short: "Resolve a URL and print its streams",
	Long: `Resolve a page URL into stream descriptors without starting the server.
--method selects the pCloud pipeline explicitly (auto, hls or direct).`,
	Args: cobra.ExactArgs(1),
	RunE: resolveRun,
}

func init() {
	f := resolveCmd.Flags()
	f.BoolVarP(&flagJSON, "json", "j", false, "Output JSON even on a terminal")
	f.BoolVarP(&flagBest, "best", "b", false, "Only print the best stream")
	f.StringVarP(&flagMethod, "method", "m", "", "pCloud method: auto | hls | direct")
	f.StringArrayVarP(&flagCookies, "cookies", "c", nil, "Cookie as name=value (repeatable)")
	f.StringArrayVarP(&flagHeaders, "header", "H", nil, "Header as 'Name: value' (repeatable)")
	f.StringVar(&flagCookiesFile, "cookies-file", "", "Netscape cookie file")
	f.BoolVar(&flagCheck, "verify", false, "Probe each stream before printing")
}

// resolveOutput is the JSON shape printed by resolve.
type resolveOutput struct {
	URL      string                   `json:"url"`
	Title    string                   `json:"title"`
	Source   media.SourceProvider     `json:"source"`
	IsPCloud bool                     `json:"is_pcloud"`
	Method   string                   `json:"method,omitempty"`
	Strategy string                   `json:"strategy,omitempty"`
	Duration *float64                 `json:"duration,omitempty"`
	Streams  []media.StreamDescriptor `json:"streams"`
	Best     *media.StreamDescriptor  `json:"best,omitempty"`
	Methods  []resolve.MethodResult   `json:"methods,omitempty"`
	Notes    []string                 `json:"notes,omitempty"`
}

func resolveRun(cmd *cobra.Command, args []string) error {
	auth, err := cliAuth()
	if err != nil {
		return err
	}

	if err := cfg.EnsureDirs(); err != nil {
		return err
	}
	svc, _ := buildService(cfg, afero.NewOsFs())

	var out *resolveOutput
	work := func(ctx context.Context) error {
		res, err := runResolve(ctx, svc, args[0], auth)
		out = res
		return err
	}

	if isTerminal(os.Stderr) && !flagDebug {
		err = ui.Spin(cmd.Context(), os.Stderr, "resolving "+args[0], work)
	} else {
		err = work(cmd.Context())
	}
	if err != nil {
		var ef *media.ExtractionFailure
		hint := ""
		if errors.As(err, &ef) {
			hint = ef.Hint
		}
		fmt.Fprint(os.Stderr, ui.Error(err, hint))
		cmd.SilenceErrors = true
		return err
	}

	if flagJSON || !isTerminal(os.Stdout) {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	summary := ui.Summary{
		Title:    out.Title,
		Source:   out.Source,
		Strategy: out.Strategy,
		Duration: out.Duration,
		Notes:    out.Notes,
		Streams:  out.Streams,
	}
	if out.Best != nil {
		summary.BestID = out.Best.FormatID
	}
	fmt.Fprint(cmd.OutOrStdout(), ui.Render(summary))
	return nil
}

func runResolve(ctx context.Context, svc *resolve.Service, url string, auth resolve.Auth) (*resolveOutput, error) {
	if flagMethod != "" {
		res, err := svc.ExtractPCloud(ctx, resolve.PCloudRequest{
			URL:      url,
			Method:   flagMethod,
			BestOnly: flagBest,
			Verify:   flagCheck,
			Auth:     auth,
		})
		if err != nil {
			return nil, err
		}
		return &resolveOutput{
			URL:      res.URL,
			Title:    res.Result.Title,
			Source:   res.Result.SourceProvider,
			IsPCloud: true,
			Method:   res.Chosen,
			Strategy: res.Result.Strategy,
			Duration: res.Result.DurationSeconds,
			Streams:  streamsOrEmpty(res.Result.Streams),
			Best:     res.Best,
			Methods:  res.Methods,
			Notes:    res.Result.Notes,
		}, nil
	}

	res, err := svc.Extract(ctx, resolve.Request{URL: url, BestOnly: flagBest, Verify: flagCheck, Auth: auth})
	if err != nil {
		return nil, err
	}
	out := &resolveOutput{
		URL:      res.URL,
		Title:    res.Title,
		Source:   res.SourceProvider,
		IsPCloud: res.IsPCloud,
		Strategy: res.Strategy,
		Duration: res.DurationSeconds,
		Streams:  streamsOrEmpty(res.Streams),
		Notes:    res.Notes,
	}
	if len(res.Streams) > 0 && flagBest {
		out.Best = &res.Streams[0]
	}
	return out, nil
}

// cliAuth builds request auth from the cookie and header flags.
func cliAuth() (resolve.Auth, error) {
	cookieMap, err := parsePairs(flagCookies, "=")
	if err != nil {
		return resolve.Auth{}, fmt.Errorf("--cookies: %w", err)
	}
	headers, err := parsePairs(flagHeaders, ":")
	if err != nil {
		return resolve.Auth{}, fmt.Errorf("--header: %w", err)
	}

	auth := resolve.Auth{Cookies: cookieMap, Headers: headers}
	if flagCookiesFile != "" {
		data, err := os.ReadFile(flagCookiesFile)
		if err != nil {
			return resolve.Auth{}, fmt.Errorf("reading cookies file: %w", err)
		}
		auth.CookiesContent = string(data)
	}
	return auth, nil
}

// parsePairs splits each "key<sep>value" entry. Keys and values are trimmed.
func parsePairs(entries []string, sep string) (map[string]string, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		k, v, ok := strings.Cut(e, sep)
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key%svalue, got %q", sep, e)
		}
		out[k] = strings.TrimSpace(v)
	}
	return out, nil
}

func streamsOrEmpty(ds []media.StreamDescriptor) []media.StreamDescriptor {
	if ds == nil {
		return []media.StreamDescriptor{}
	}
	return ds
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
