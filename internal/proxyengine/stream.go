package proxyengine

import (
	"bufio"
	"bytes"
	"io"

	"github.com/nulpointcorp/llm-gateway/internal/model"
)

// trailingWindow caps the tail of already-relayed SSE bytes that relaySSE
// keeps in its trailing buffer (1 MiB). Usage is not read from that buffer:
// it is parsed from each event as the event is relayed.
const trailingWindow = 1 << 20

// relaySSE copies body to out verbatim, splitting on the "\n\n" event
// boundary so a partial write never splits an event across a flush, and
// parses each relayed event for usage data.
// It returns as soon as the upstream closes the connection or the context
// is cancelled; a cancellation after the first byte has been flushed is not
// a failover-eligible outcome (the caller is responsible for enforcing
// that), only a stream_broken diagnostic.
func relaySSE(body io.Reader, out io.Writer, cap model.RouteCapability) (Usage, bool, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	scanner.Split(splitSSEEvents)

	var trailing bytes.Buffer
	usage := Usage{}

	for scanner.Scan() {
		event := scanner.Bytes()

		if _, err := out.Write(event); err != nil {
			return usage, false, err
		}
		if f, ok := out.(interface{ Flush() }); ok {
			f.Flush()
		}

		appendCapped(&trailing, event, trailingWindow)

		if u, ok := ExtractUsageFromSSEEvent(cap, event); ok {
			usage = mergeUsage(usage, u)
		}
	}
	if err := scanner.Err(); err != nil {
		return usage, false, err
	}

	return usage, false, nil
}

// appendCapped keeps buf's length at or below limit by dropping from the
// front, so scanning the tail always sees the most recent bytes regardless
// of total stream length.
func appendCapped(buf *bytes.Buffer, chunk []byte, limit int) {
	buf.Write(chunk)
	if buf.Len() > limit {
		excess := buf.Len() - limit
		remaining := buf.Bytes()[excess:]
		kept := append([]byte(nil), remaining...)
		buf.Reset()
		buf.Write(kept)
	}
}

// splitSSEEvents is a bufio.SplitFunc that splits on a blank line ("\n\n" or
// "\r\n\r\n"), the SSE event boundary, keeping the boundary attached to the
// emitted token so relayed bytes are byte-identical to the source.
func splitSSEEvents(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	if i := bytes.Index(data, []byte("\n\n")); i >= 0 {
		return i + 2, data[:i+2], nil
	}
	if i := bytes.Index(data, []byte("\r\n\r\n")); i >= 0 {
		return i + 4, data[:i+4], nil
	}

	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func mergeUsage(a, b Usage) Usage {
	out := a
	if b.InputTokens > 0 {
		out.InputTokens = b.InputTokens
	}
	if b.OutputTokens > 0 {
		out.OutputTokens = b.OutputTokens
	}
	if b.CachedTokens > 0 {
		out.CachedTokens = b.CachedTokens
	}
	if b.ReasoningTokens > 0 {
		out.ReasoningTokens = b.ReasoningTokens
	}
	if b.CacheCreateTokens > 0 {
		out.CacheCreateTokens = b.CacheCreateTokens
	}
	if b.CacheReadTokens > 0 {
		out.CacheReadTokens = b.CacheReadTokens
	}
	return out
}
