package client

import (
	"bufio"
	"context"
	"io"
	"strings"

	"github.com/cyberinferno/quic-echo/logger"
)

// Run sends every non-empty line of in as one message until in is exhausted,
// CloseToken is read, the connection is over, or ctx is done. Send failures are
// logged and do not stop the loop.
//
// Parameters:
//   - ctx: Cancels the loop
//   - in: Line source, typically standard input
//
// Returns:
//   - The read error of in, if any
func (s *Session) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	readErr := make(chan error, 1)

	go func() {
		defer close(lines)

		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
		}

		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					return err
				default:
					return nil
				}
			}

			line = strings.TrimRight(line, "\r")
			if line == "" {
				continue
			}

			if err := s.Send(line); err != nil {
				s.logger.Warn("message not sent", logger.Field{Key: "error", Value: err})
			}

			if line == CloseToken {
				return nil
			}
		}
	}
}
