package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"livesession/internal/recording"
	"livesession/internal/store"
)

func runRecordings(ctx context.Context, e *env, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: recordings list | export <id> [--format json|yaml] | delete <id>")
	}

	st, err := store.Open(e.cfg.StoreConfig(), e.logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	switch args[0] {
	case "list":
		list, err := st.ListRecordings(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(e.stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tRECORDED\tDURATION\tEVENTS\tATTENDEES")
		for _, r := range list {
			duration := "live"
			if r.Finished {
				duration = r.Duration.Round(time.Second).String()
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\n", r.ID, r.Name, r.RecordedAt.Format(time.RFC3339), duration, r.Events, r.Attendees)
		}
		return w.Flush()

	case "export":
		flags := pflag.NewFlagSet("recordings export", pflag.ContinueOnError)
		flags.SetOutput(e.stderr)
		format := flags.StringP("format", "f", recording.FormatJSON, "json or yaml")
		if err := flags.Parse(args[1:]); err != nil {
			return err
		}
		if flags.NArg() != 1 {
			return errors.New("usage: recordings export <id> [--format json|yaml]")
		}
		rec, err := st.GetRecording(ctx, flags.Arg(0))
		if err != nil {
			return err
		}
		return recording.Export(e.stdout, rec, *format)

	case "delete":
		if len(args) != 2 {
			return errors.New("usage: recordings delete <id>")
		}
		if err := st.DeleteRecording(ctx, args[1]); err != nil {
			return err
		}
		fmt.Fprintf(e.stdout, "deleted %s\n", args[1])
		return nil

	default:
		return fmt.Errorf("unknown recordings command %q", args[0])
	}
}

// runCode prints the offer inside a join code or join URL.
func runCode(_ context.Context, e *env, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: code <join code | join url>")
	}
	offer, err := decodeOffer(args[0])
	if err != nil {
		return err
	}
	enc := json.NewEncoder(e.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(offer)
}
