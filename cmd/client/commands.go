package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/sealdrop/internal/apiclient"
	"github.com/kenneth/sealdrop/internal/config"
	"github.com/kenneth/sealdrop/internal/objectstore"
	"github.com/kenneth/sealdrop/internal/tracing"
	"github.com/kenneth/sealdrop/internal/transfer"
	"github.com/kenneth/sealdrop/internal/workerpool"
)

const usage = `usage: sealdrop [-config file] <command> [flags]

commands:
  upload <path> [-folder id]    encrypt and upload a file
  download <file-id> [-out dir] download and decrypt a file
  list [-folder id]             list stored files
  delete <file-id>              delete a stored file
  version                       print the version
`

// app holds what a command needs. It is built once per invocation.
type app struct {
	cfg    *config.Config
	logger *logrus.Logger
	api    *apiclient.Client
	pool   *workerpool.Pool
	opts   transfer.Options
	store  objectstore.Store
	stdout io.Writer
	stderr io.Writer
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("sealdrop", flag.ContinueOnError)
	global.SetOutput(stderr)
	global.Usage = func() { fmt.Fprint(stderr, usage) }
	configPath := global.String("config", os.Getenv("CONFIG_PATH"), "path to the YAML config file")
	if err := global.Parse(args); err != nil {
		return 2
	}
	if global.NArg() == 0 {
		global.Usage()
		return 2
	}

	cmd, rest := global.Arg(0), global.Args()[1:]
	if cmd == "version" {
		fmt.Fprintf(stdout, "sealdrop %s (%s)\n", version, commit)
		return 0
	}

	commands := map[string]func(context.Context, *app, []string) error{
		"upload":   runUpload,
		"download": runDownload,
		"list":     runList,
		"delete":   runDelete,
	}
	command, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n", cmd)
		global.Usage()
		return 2
	}

	a, cleanup, err := newApp(ctx, *configPath, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "sealdrop: %v\n", err)
		return 1
	}
	defer cleanup()

	if err := command(ctx, a, rest); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 2
		}
		a.logger.WithError(err).Debug("Command failed")
		fmt.Fprintf(stderr, "sealdrop %s: %v\n", cmd, err)
		return 1
	}
	return 0
}

func newApp(ctx context.Context, configPath string, stdout, stderr io.Writer) (*app, func(), error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.ValidateClient(); err != nil {
		return nil, nil, err
	}

	logger := logrus.New()
	logger.SetOutput(stderr)
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	shutdownTracing, err := tracing.Setup(ctx, &cfg.Tracing, stderr)
	if err != nil {
		return nil, nil, err
	}

	api, err := apiclient.NewClient(cfg.Client.APIEndpoint,
		apiclient.WithToken(cfg.Client.APIToken),
		apiclient.WithHTTPClient(&http.Client{Timeout: cfg.Client.HTTPTimeout}),
	)
	if err != nil {
		return nil, nil, err
	}

	pool := workerpool.New(cfg.Client.Workers)
	a := &app{
		cfg:    cfg,
		logger: logger,
		api:    api,
		pool:   pool,
		store:  objectstore.NewHTTPStore(newObjectStoreClient(cfg.Client.HTTPTimeout)),
		opts: transfer.Options{
			ChunkSize: cfg.Client.ChunkSize,
			Limits: transfer.Limits{
				MaxPrefetchChunks:    cfg.Client.MaxPrefetchChunks,
				MaxConcurrentUploads: cfg.Client.MaxConcurrentUploads,
			},
			SlowConnection: cfg.Client.SlowConnection,
			Logger:         logger,
		},
		stdout: stdout,
		stderr: stderr,
	}

	cleanup := func() {
		pool.Terminate()
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.WithError(err).Warn("Failed to flush traces")
		}
	}
	return a, cleanup, nil
}

// newObjectStoreClient returns the client used for presigned PUTs and GETs.
// Object bodies can take arbitrarily long on a slow link, so only the wait for
// response headers is bounded. Cancellation comes from the request context.
func newObjectStoreClient(headerTimeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = headerTimeout
	return &http.Client{Transport: transport}
}

// parseFlags parses args with fs, allowing flags after the positional
// arguments.
func parseFlags(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		args = fs.Args()
		if len(args) == 0 {
			return positional, nil
		}
		positional = append(positional, args[0])
		args = args[1:]
	}
}

func newFlagSet(a *app, name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	return fs
}

// printProgress writes progress lines until ch is closed.
func printProgress(w io.Writer, ch <-chan transfer.Progress, wg *sync.WaitGroup) {
	defer wg.Done()
	for p := range ch {
		fmt.Fprintf(w, "%s: %3d%%\n", p.Phase, p.Percentage)
	}
}

func withProgress(w io.Writer, fn func(chan<- transfer.Progress) error) error {
	ch := make(chan transfer.Progress)
	var wg sync.WaitGroup
	wg.Add(1)
	go printProgress(w, ch, &wg)
	err := fn(ch)
	close(ch)
	wg.Wait()
	return err
}

func runUpload(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "upload")
	folder := fs.String("folder", "", "destination folder id")
	positional, err := parseFlags(fs, args)
	if err != nil {
		return err
	}
	if len(positional) != 1 {
		return errors.New("expected exactly one file path")
	}

	src, err := transfer.OpenFileSource(positional[0])
	if err != nil {
		return err
	}
	defer src.Close()

	passphrase, err := getPassphrase(a.stderr, true)
	if err != nil {
		return err
	}

	uploader := transfer.NewUploader(a.api, a.store, a.pool, a.opts)
	var res *transfer.UploadResult
	err = withProgress(a.stderr, func(ch chan<- transfer.Progress) error {
		var err error
		res, err = uploader.UploadFile(ctx, transfer.UploadRequest{
			Source:     src,
			Passphrase: passphrase,
			FolderID:   *folder,
			Progress:   ch,
		})
		return err
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(a.stdout, "uploaded %s\nid:  %s\nkey: %s\n", src.Name(), res.FileID, res.ObjectKey)
	return nil
}

func runDownload(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "download")
	out := fs.String("out", ".", "directory to write the file into")
	positional, err := parseFlags(fs, args)
	if err != nil {
		return err
	}
	if len(positional) != 1 {
		return errors.New("expected exactly one file id")
	}

	passphrase, err := getPassphrase(a.stderr, false)
	if err != nil {
		return err
	}

	downloader := transfer.NewDownloader(a.api, a.store, a.pool, a.opts)
	var res *transfer.DownloadResult
	err = withProgress(a.stderr, func(ch chan<- transfer.Progress) error {
		var err error
		res, err = downloader.DownloadFile(ctx, transfer.DownloadRequest{
			FileID:     positional[0],
			Passphrase: passphrase,
			Progress:   ch,
		})
		return err
	})
	if err != nil {
		return err
	}

	path, err := res.SaveTo(*out)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "saved %s\n", path)
	return nil
}

func runList(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "list")
	folder := fs.String("folder", "", "folder id")
	if _, err := parseFlags(fs, args); err != nil {
		return err
	}

	files, err := a.api.ListFiles(ctx, *folder)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSIZE\tCREATED")
	for _, f := range files {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", f.ID, f.Name, f.Size, f.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func runDelete(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "delete")
	positional, err := parseFlags(fs, args)
	if err != nil {
		return err
	}
	if len(positional) != 1 {
		return errors.New("expected exactly one file id")
	}
	if err := a.api.DeleteFile(ctx, positional[0]); err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "deleted %s\n", strings.TrimSpace(positional[0]))
	return nil
}
