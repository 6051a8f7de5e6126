package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"tontoo/internal/models"

	"github.com/cloudwego/eino/schema"
)

// pump decodes NDJSON lines from body into sw until done, EOF, error or
// cancellation. bufio keeps partial lines across network chunk boundaries.
func pump(parent, genCtx context.Context, body io.Reader, sw *schema.StreamWriter[models.Delta]) {
	reader := bufio.NewReader(body)
	for {
		line, readErr := reader.ReadBytes('\n')
		if len(line) > 0 {
			delta, ok, err := decodeLine(line)
			if err != nil {
				sw.Send(models.Delta{}, err)
				return
			}
			if ok {
				if closed := sw.Send(delta, nil); closed {
					return
				}
				if delta.Done {
					return
				}
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) && parent.Err() == nil && genCtx.Err() == nil {
				sw.Send(models.Delta{}, ErrNoResponse)
				return
			}
			sw.Send(models.Delta{}, classify(parent, genCtx, readErr))
			return
		}
	}
}

// decodeLine returns ok=false for lines that are dropped: blank, malformed,
// or carrying neither content nor the done marker.
func decodeLine(line []byte) (models.Delta, bool, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return models.Delta{}, false, nil
	}
	var chunk chatChunk
	if err := json.Unmarshal(line, &chunk); err != nil {
		return models.Delta{}, false, nil
	}
	if chunk.Error != "" {
		return models.Delta{}, false, fmt.Errorf("%w: %s", ErrBackendUnavailable, chunk.Error)
	}
	text := chunk.text()
	if text == "" && !chunk.Done {
		return models.Delta{}, false, nil
	}
	return models.Delta{Text: text, Done: chunk.Done}, true, nil
}
