// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/awfl/workbridge/internal/dispatch"
)

// Frame is one parsed server-sent event.
type Frame struct {
	ID   string
	Type string
	Data []byte
}

// ParseSSE reads server-sent events from r, invoking handle per complete
// frame. Lines are "field: value" pairs; a blank line terminates a frame.
// Returns when r is exhausted or handle errors.
func ParseSSE(r io.Reader, handle func(Frame) error) error {
	reader := bufio.NewReader(r)
	var current *Frame
	var data strings.Builder

	flush := func() error {
		if current == nil {
			return nil
		}
		current.Data = []byte(data.String())
		err := handle(*current)
		current = nil
		data.Reset()
		return err
	}

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				if fErr := flush(); fErr != nil {
					return fErr
				}
				return io.EOF
			}
			return fmt.Errorf("stream read error: %w", err)
		}

		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if err := flush(); err != nil {
				return err
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			// Comment line, used by servers as keepalive.
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		if current == nil {
			current = &Frame{}
		}

		switch field {
		case "id":
			current.ID = value
		case "event":
			current.Type = value
		case "data":
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(value)
		}
	}
}

// DecodeEvent parses a frame's data as a tool-call event. The frame id
// fills in when the payload carries none.
func DecodeEvent(f Frame) (*dispatch.Event, error) {
	var ev dispatch.Event
	if err := json.Unmarshal(f.Data, &ev); err != nil {
		return nil, fmt.Errorf("failed to decode event frame: %w", err)
	}
	if ev.ID == "" {
		ev.ID = f.ID
	}
	return &ev, nil
}
