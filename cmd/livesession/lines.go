package main

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
)

var errUnterminatedQuote = errors.New("unterminated quote")

// readLines feeds r's lines into the returned channel until EOF. The channel
// closes at EOF; ctx only stops delivery, the blocked read outlives it.
func readLines(ctx context.Context, r io.Reader) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case out <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// splitFields splits a command line on spaces, keeping "double quoted"
// arguments together so selectors with spaces survive.
func splitFields(line string) ([]string, error) {
	var fields []string
	var cur strings.Builder
	inQuote, started := false, false

	for _, r := range line {
		switch {
		case r == '"':
			inQuote = !inQuote
			started = true
		case (r == ' ' || r == '\t') && !inQuote:
			if started {
				fields = append(fields, cur.String())
				cur.Reset()
				started = false
			}
		default:
			cur.WriteRune(r)
			started = true
		}
	}
	if inQuote {
		return nil, errUnterminatedQuote
	}
	if started {
		fields = append(fields, cur.String())
	}
	return fields, nil
}
