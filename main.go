package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"strconv"

	"github.com/rarydzu/sectorfs/sectorfs/config"
	"github.com/rarydzu/sectorfs/worker"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var command = &cobra.Command{
	Use:           "sectorfs",
	Short:         "Sector file store",
	Long:          `sectorfs keeps byte files as fixed size sectors in a pooled SQL datastore.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var putCmd = &cobra.Command{
	Use:   "put <file-id> [path]",
	Short: "Store file content read from path or stdin",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  put,
}

var getCmd = &cobra.Command{
	Use:   "get <file-id> [path]",
	Short: "Write file content to path or stdout",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  get,
}

var rmCmd = &cobra.Command{
	Use:   "rm <file-id>",
	Short: "Remove all sectors of a file",
	Args:  cobra.ExactArgs(1),
	RunE:  rm,
}

var duCmd = &cobra.Command{
	Use:   "du [file-id]",
	Short: "Show used, available and free bytes, or size of one file",
	Args:  cobra.MaximumNArgs(1),
	RunE:  du,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Keep the store open and serve metrics until interrupted",
	Args:  cobra.NoArgs,
	RunE:  serve,
}

func init() {
	command.SetOut(os.Stdout)
	pf := command.PersistentFlags()
	pf.String("config", "", "Path to configuration file")
	pf.Bool("dev", false, "Run in development mode")
	pf.String("metrics-address", "", "Listen address of prometheus endpoint")
	putCmd.Flags().Bool("append", false, "Append to existing content instead of replacing it")
	command.AddCommand(putCmd, getCmd, rmCmd, duCmd, serveCmd)
}

func newLogger(dev bool) (*zap.SugaredLogger, error) {
	logger, err := zap.NewProduction()
	if dev {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

// startWorker loads configuration named by persistent flags and starts a worker
func startWorker(cmd *cobra.Command) (*worker.Worker, error) {
	path, _ := cmd.Flags().GetString("config")
	dev, _ := cmd.Flags().GetBool("dev")
	metricsAddress, _ := cmd.Flags().GetString("metrics-address")

	log, err := newLogger(dev)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize zap logger: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	cfg.DebugMode = cfg.DebugMode || dev
	if metricsAddress != "" {
		cfg.MetricsAddress = metricsAddress
	}
	w, err := worker.New(cfg, log)
	if err != nil {
		return nil, err
	}
	if err := w.Start(); err != nil {
		return nil, multierr.Append(err, w.Stop())
	}
	return w, nil
}

func withWorker(cmd *cobra.Command, fn func(w *worker.Worker) error) (err error) {
	w, err := startWorker(cmd)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, w.Stop())
		w.Wait()
	}()
	return fn(w)
}

func parseFileID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid file id %q: %w", s, err)
	}
	return id, nil
}

func put(cmd *cobra.Command, args []string) error {
	fileID, err := parseFileID(args[0])
	if err != nil {
		return err
	}
	appendMode, _ := cmd.Flags().GetBool("append")
	var src io.Reader = cmd.InOrStdin()
	if len(args) > 1 {
		f, err := os.Open(args[1])
		if err != nil {
			return err
		}
		defer f.Close()
		src = f
	}
	return withWorker(cmd, func(w *worker.Worker) (err error) {
		out, err := w.Driver().OpenForWrite(fileID, appendMode)
		if err != nil {
			return err
		}
		defer func() { err = multierr.Append(err, out.Close()) }()
		_, err = io.Copy(out, src)
		return err
	})
}

func get(cmd *cobra.Command, args []string) error {
	fileID, err := parseFileID(args[0])
	if err != nil {
		return err
	}
	return withWorker(cmd, func(w *worker.Worker) (err error) {
		in, err := w.Driver().OpenForRead(fileID)
		if err != nil {
			return err
		}
		defer in.Close()
		dst := cmd.OutOrStdout()
		if len(args) > 1 {
			f, err := os.Create(args[1])
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, f.Close()) }()
			dst = f
		}
		_, err = io.Copy(dst, in)
		return err
	})
}

func rm(cmd *cobra.Command, args []string) error {
	fileID, err := parseFileID(args[0])
	if err != nil {
		return err
	}
	return withWorker(cmd, func(w *worker.Worker) error {
		return w.Driver().DeleteSectors(fileID)
	})
}

func du(cmd *cobra.Command, args []string) error {
	return withWorker(cmd, func(w *worker.Worker) error {
		d := w.Driver()
		if len(args) == 1 {
			fileID, err := parseFileID(args[0])
			if err != nil {
				return err
			}
			size, err := d.GetFileSize(fileID)
			if err != nil {
				return err
			}
			cmd.Printf("%d\t%d\n", size, fileID)
			return nil
		}
		used, err := d.GetUsedBytes()
		if err != nil {
			return err
		}
		available, err := d.GetAvailableBytes()
		if err != nil {
			return err
		}
		free := available - used
		if free < 0 {
			free = 0
		}
		cmd.Printf("used\t%d\navailable\t%d\nfree\t%d\n", used, available, free)
		return nil
	})
}

func serve(cmd *cobra.Command, _ []string) error {
	w, err := startWorker(cmd)
	if err != nil {
		return err
	}
	w.Wait()
	return nil
}

func main() {
	if err := command.Execute(); err != nil {
		log.Fatalf("sectorfs: %v", err)
	}
}
