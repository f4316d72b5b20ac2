// Command hnyupdate is the thin CLI wrapper around the update core,
// reproducing original_source/src/update/main.c's argument handling
// and run sequence over github.com/spf13/cobra, per spec.md §6.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/heylelos/update/internal/driver"
	"github.com/heylelos/update/internal/fetch"
	schemefile "github.com/heylelos/update/internal/fetch/schemes/file"
	schemehttps "github.com/heylelos/update/internal/fetch/schemes/https"
	"github.com/heylelos/update/internal/state"
	"github.com/heylelos/update/internal/uerr"
	"github.com/heylelos/update/internal/ulog"
)

const (
	defaultSnapshots = "/data/update"
	defaultPrefix    = "/hub"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		block           bool
		consistencyOnly bool
		prefixFlag      string
		snapshots       string
	)

	cmd := &cobra.Command{
		Use:           "hnyupdate [uri]",
		Short:         "Transactionally apply a package-set snapshot to a hny prefix",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if consistencyOnly {
				if len(args) != 0 {
					return fmt.Errorf("update -C takes no uri")
				}
				return nil
			}
			if len(args) != 1 {
				return fmt.Errorf("update requires exactly one uri")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			log := ulog.New(os.Stdout)
			prefix := resolvePrefix(prefixFlag)

			s, err := state.Open(prefix, snapshots, block, log)
			if err != nil {
				return report(log, err)
			}
			defer s.Close()

			stopSignals := installTerminationHandler(s, term.IsTerminal(int(os.Stdout.Fd())))
			defer stopSignals()

			facade := fetch.NewFacade(map[string]func() fetch.Scheme{
				"file":  func() fetch.Scheme { return &schemefile.Scheme{} },
				"https": func() fetch.Scheme { return &schemehttps.Scheme{} },
			})
			d := driver.New(s, facade)

			if err := d.Consistency(); err != nil {
				return report(log, err)
			}

			if !consistencyOnly {
				if err := d.Perform(args[0]); err != nil {
					return report(log, err)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&block, "block", "b", false, "block waiting for the prefix lock instead of failing immediately")
	cmd.Flags().BoolVarP(&consistencyOnly, "consistency-only", "C", false, "only run the crash-recovery consistency check, fetch nothing")
	cmd.Flags().StringVarP(&prefixFlag, "prefix", "p", "", "prefix directory (default $HNY_PREFIX, or /hub)")
	cmd.Flags().StringVarP(&snapshots, "snapshots", "s", defaultSnapshots, "snapshots directory")

	return cmd
}

// resolvePrefix mirrors update_parse_args's precedence: -p overrides
// $HNY_PREFIX, which overrides the /hub default.
func resolvePrefix(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("HNY_PREFIX"); env != "" {
		return env
	}
	return defaultPrefix
}

// installTerminationHandler mirrors update_protect_termination: it
// sets the state's one-shot exit flag on SIGTERM, and additionally on
// SIGINT when attached to a terminal. The returned func stops
// receiving further signals.
func installTerminationHandler(s *state.State, interactive bool) (stop func()) {
	signals := []os.Signal{syscall.SIGTERM}
	if interactive {
		signals = append(signals, os.Interrupt)
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, signals...)

	done := make(chan struct{})
	go func() {
		select {
		case <-ch:
			s.RequestExit()
		case <-done:
		}
	}()

	return func() {
		signal.Stop(ch)
		close(done)
	}
}

func report(log *ulog.Logger, err error) error {
	kind, _ := uerr.KindOf(err)
	if !kind.Fatal() {
		log.With("main").Infof("%s: %v", kind, err)
		return nil
	}
	log.With("main").Errorf("%s: %v", kind, err)
	return err
}
