package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"buildstage/pkg/telemetry"
	"buildstage/services/staging/artifact"
	"buildstage/services/staging/downloader"
	"buildstage/services/staging/internal/config"
	"buildstage/services/staging/stager"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type globalOptions struct {
	configPath string
	staticDir  string
	debug      bool

	logger *zap.Logger
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:           "stagectl",
		Short:         "Stage build artifacts into a local static directory",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := telemetry.NewLogger("stagectl", opts.debug)
			if err != nil {
				return fmt.Errorf("create logger: %w", err)
			}
			opts.logger = logger
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv("BUILDSTAGE_CONFIG"), "Path to the YAML config file")
	cmd.PersistentFlags().StringVar(&opts.staticDir, "static-dir", "", "Directory builds are staged under (overrides config)")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")

	cmd.AddCommand(newStageCommand(opts))
	cmd.AddCommand(newIsStagedCommand(opts))
	cmd.AddCommand(newListCommand(opts))
	return cmd
}

// requestFlags holds the flags that name a build.
type requestFlags struct {
	platform   string
	archiveURL string
	board      string
	version    string
	localPath  string
	branch     string
	target     string
	buildID    string
	artifacts  string
	files      string
}

func (f *requestFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.platform, "platform", "", "Build platform: chromeos, android or local (inferred when empty)")
	cmd.Flags().StringVar(&f.archiveURL, "archive-url", "", "Archive URL of a ChromeOS build (gs:// or s3://)")
	cmd.Flags().StringVar(&f.board, "board", "", "ChromeOS board, combined with --version and the archive prefix")
	cmd.Flags().StringVar(&f.version, "version", "", "ChromeOS build version")
	cmd.Flags().StringVar(&f.localPath, "local-path", "", "Local directory holding a build")
	cmd.Flags().StringVar(&f.branch, "branch", "", "Android branch")
	cmd.Flags().StringVar(&f.target, "target", "", "Android build target")
	cmd.Flags().StringVar(&f.buildID, "build-id", "", "Android build ID")
	cmd.Flags().StringVar(&f.artifacts, "artifacts", "", "Comma separated artifact names")
	cmd.Flags().StringVar(&f.files, "files", "", "Comma separated file names")
}

func (f *requestFlags) request() stager.Request {
	return stager.Request{
		Platform:   strings.TrimSpace(f.platform),
		ArchiveURL: strings.TrimSpace(f.archiveURL),
		Board:      strings.TrimSpace(f.board),
		Version:    strings.TrimSpace(f.version),
		Branch:     strings.TrimSpace(f.branch),
		Target:     strings.TrimSpace(f.target),
		BuildID:    strings.TrimSpace(f.buildID),
		LocalPath:  strings.TrimSpace(f.localPath),
		Artifacts:  artifact.SplitList(f.artifacts),
		Files:      artifact.SplitList(f.files),
	}
}

func newStager(opts *globalOptions) (*stager.Stager, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if opts.staticDir != "" {
		cfg.StaticDir = opts.staticDir
	}

	dopts := cfg.DownloaderOptions()
	dopts.Logger = opts.logger

	var android *downloader.AndroidBuildClient
	if cfg.Android.APIBase != "" {
		android, err = downloader.NewAndroidBuildClient(cfg.Android.APIBase, cfg.Android.Token, nil)
		if err != nil {
			return nil, fmt.Errorf("init android build client: %w", err)
		}
	}

	return stager.New(stager.Config{
		StaticDir:     cfg.StaticDir,
		ArchivePrefix: cfg.ArchivePrefix,
		Options:       dopts,
		Android:       android,
		AllowLocal:    true,
		Logger:        opts.logger,
	})
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func newStageCommand(opts *globalOptions) *cobra.Command {
	var (
		flags requestFlags
		wait  bool
	)

	cmd := &cobra.Command{
		Use:   "stage",
		Short: "Download artifacts of a build and install them into its build directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := newStager(opts)
			if err != nil {
				return err
			}
			defer st.Close()

			d, err := st.Stage(commandContext(cmd), flags.request())
			if err != nil {
				return err
			}
			if wait {
				st.Wait()
			}

			dir, err := d.GetBuildDir()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), dir)
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVar(&wait, "wait", true, "Wait for background downloads before exiting")
	return cmd
}

func newIsStagedCommand(opts *globalOptions) *cobra.Command {
	var flags requestFlags

	cmd := &cobra.Command{
		Use:   "is-staged",
		Short: "Report whether every requested artifact is already staged",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := newStager(opts)
			if err != nil {
				return err
			}
			defer st.Close()

			d, factory, err := st.Factory(commandContext(cmd), flags.request())
			if err != nil {
				return err
			}
			if d.IsStaged(factory) {
				fmt.Fprintln(cmd.OutOrStdout(), "True")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "False")
			}
			return nil
		},
	}

	flags.register(cmd)
	return cmd
}

func newListCommand(opts *globalOptions) *cobra.Command {
	var flags requestFlags

	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List the files staged for a build",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := newStager(opts)
			if err != nil {
				return err
			}
			defer st.Close()

			d, err := st.Downloader(commandContext(cmd), flags.request())
			if err != nil {
				return err
			}
			files, err := d.ListBuildDir()
			if err != nil {
				return err
			}
			for _, f := range files {
				fmt.Fprintln(cmd.OutOrStdout(), f)
			}
			return nil
		},
	}

	flags.register(cmd)
	return cmd
}
