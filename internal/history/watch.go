package history

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"

	"github.com/dyluth/convoy/pkg/runboard"
)

// Stream writes each run event as it arrives until ctx is cancelled or the
// events channel closes. Non-fatal subscription errors are logged and skipped.
func Stream(ctx context.Context, events <-chan *runboard.Run, errs <-chan error, format OutputFormat, w io.Writer) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			log.Printf("[History] WARNING: %v", err)
		case r, ok := <-events:
			if !ok {
				return nil
			}
			if err := writeEvent(w, r, format); err != nil {
				return err
			}
		}
	}
}

func writeEvent(w io.Writer, r *runboard.Run, format OutputFormat) error {
	switch format {
	case OutputFormatDefault:
		_, err := fmt.Fprintln(w, FormatEvent(r))
		return err
	case OutputFormatJSONL:
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal run event: %w", err)
		}
		_, err = fmt.Fprintf(w, "%s\n", data)
		return err
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
}
