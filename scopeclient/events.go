package scopeclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/manlab/nodescope-go/wire"
)

// Events consumes the console's node lifecycle stream, invoking fn for every
// event until ctx ends or the stream breaks. Keepalive comments are skipped.
// The default client carries a 30 second timeout that would cut the stream
// short; long-lived consumers should construct their client with
// WithHTTPClient and no timeout.
func (c *Client) Events(ctx context.Context, fn func(wire.NodeEvent)) error {
	u := c.baseURL.JoinPath("api", "v1", "events")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if err := c.authorize(ctx, req); err != nil {
		return err
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", u.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		return wire.Errorf(wire.CodeFailure, "unexpected content type %q on event stream", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)

	var data bytes.Buffer
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			// Blank line terminates one frame.
			if data.Len() == 0 {
				continue
			}
			var ev wire.NodeEvent
			if err := json.Unmarshal(data.Bytes(), &ev); err != nil {
				c.log.Warn("events.decode.fail", slog.String("err", err.Error()))
			} else {
				fn(ev)
			}
			data.Reset()
		case strings.HasPrefix(line, ":"):
			// Keepalive comment.
		case strings.HasPrefix(line, "data:"):
			payload := strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(payload)
		default:
			// id: and event: fields are unused by this stream.
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("event stream: %w", err)
	}
	return nil
}
