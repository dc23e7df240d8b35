package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// exitError carries a process exit code: 1 when some work remains
// resumable, 2 when it failed for good.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}

func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(&options{})
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			return exitErr.code
		}
		fmt.Fprintf(root.ErrOrStderr(), "Error: %v\n", err)
		return 2
	}
	return 0
}

func newRootCmd(o *options) *cobra.Command {
	var showVersion bool
	rootCmd := &cobra.Command{
		Use:   "stratus",
		Short: "Resumable chunked uploads to remote storage",
		Long: `stratus uploads files to a remote storage service in fixed-size chunks.

Every upload is recorded in a local state database. An interrupted upload,
whether by a network failure, a crash or a restart, resumes from the chunks
the server confirms it already holds. Run "stratus daemon" to resume pending
uploads periodically in the background.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if showVersion {
				fmt.Fprintf(cmd.OutOrStdout(), "stratus %s\n", version)
				return nil
			}
			return cmd.Help()
		},
	}
	rootCmd.Flags().BoolVar(&showVersion, "version", false, "print version and exit")

	pf := rootCmd.PersistentFlags()
	pf.BoolVarP(&o.verbose, "verbose", "v", false, "verbose output")
	pf.BoolVarP(&o.quiet, "quiet", "q", false, "suppress all output except errors")
	pf.StringVar(&o.logFile, "log", "", "write structured JSON log to FILE")
	pf.StringVar(&o.configFile, "config", "", "config file (default: $XDG_CONFIG_HOME/stratus/config.toml)")
	pf.StringVar(&o.stateDB, "state", "", "state database (default: $XDG_STATE_HOME/stratus/state.db)")

	pf.StringVar(&o.remoteKind, "remote", defaultRemoteKind, "remote storage kind (http or s3)")
	pf.StringVar(&o.endpoint, "endpoint", "", "upload API base URL, or S3 endpoint override")
	pf.StringVar(&o.token, "token", "", "bearer token for the upload API")
	pf.IntVar(&o.retryMax, "retry-max", defaultRetryMax, "HTTP request retries")
	pf.StringVar(&o.bucket, "bucket", "", "S3 bucket")
	pf.StringVar(&o.region, "region", "", "S3 region")
	pf.StringVar(&o.prefix, "prefix", "", "S3 key prefix")
	pf.BoolVar(&o.pathStyle, "path-style", false, "use path-style S3 addressing")

	pf.IntVarP(&o.workers, "workers", "n", defaultWorkers, "number of uploads running at once")
	pf.IntVar(&o.chunkConcurrency, "chunk-concurrency", defaultChunkConcurrency, "chunks in flight per upload")
	pf.IntVar(&o.maxChunkAttempts, "max-chunk-attempts", defaultMaxChunkAttempts, "attempts per chunk before the run fails (N retries is N+1 attempts)")
	pf.IntVar(&o.maxTaskAttempts, "max-task-attempts", defaultMaxTaskAttempts, "automatic re-runs of a failed upload")
	pf.StringVar(&o.requestTimeout, "timeout", defaultRequestTimeout, "per-request timeout")
	pf.StringVar(&o.bwLimit, "bwlimit", "", "bandwidth limit (e.g. 100M, 1G)")
	pf.StringVar(&o.sshKey, "ssh-key", "", "SSH private key file for sftp:// sources (default: auto-detect)")

	rootCmd.AddCommand(
		newEnqueueCmd(o),
		newResumeCmd(o),
		newCancelCmd(o),
		newListCmd(o),
		newDaemonCmd(o),
		newDocsCmd(),
	)
	return rootCmd
}
