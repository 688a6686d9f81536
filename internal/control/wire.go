package control

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"

	"github.com/danmuck/telemd/internal/buffer"
	"github.com/danmuck/telemd/internal/export"
	"github.com/danmuck/telemd/internal/protocol/frame"
)

// Value is a sample on the JSON surface. Non-finite values travel as the
// strings "nan", "inf" and "-inf".
type Value float64

func (v Value) MarshalJSON() ([]byte, error) {
	f := float64(v)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return []byte(strconv.Quote(export.FormatValue(f))), nil
	}
	return strconv.AppendFloat(nil, f, 'g', -1, 64), nil
}

func (v *Value) UnmarshalJSON(b []byte) error {
	if bytes.HasPrefix(b, []byte(`"`)) {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		f, err := export.ParseValue(s)
		if err != nil {
			return err
		}
		*v = Value(f)
		return nil
	}
	f, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return err
	}
	*v = Value(f)
	return nil
}

// FramesPage is the GET /frames response.
type FramesPage struct {
	Total  int       `json:"total"`
	Offset int       `json:"offset"`
	Frames [][]Value `json:"frames"`
}

func toPage(total, offset int, frames []frame.Frame) FramesPage {
	rows := make([][]Value, len(frames))
	for i, f := range frames {
		row := make([]Value, len(f))
		for j, v := range f {
			row[j] = Value(v)
		}
		rows[i] = row
	}
	return FramesPage{Total: total, Offset: offset, Frames: rows}
}

// FrameList converts a page back to frames.
func (p FramesPage) FrameList() []frame.Frame {
	out := make([]frame.Frame, len(p.Frames))
	for i, row := range p.Frames {
		f := make(frame.Frame, len(row))
		for j, v := range row {
			f[j] = float64(v)
		}
		out[i] = f
	}
	return out
}

// EventsPage is the GET /events response.
type EventsPage struct {
	Events []buffer.Event `json:"events"`
}

type SaveRequest struct {
	Path string `json:"path"`
}

type SaveResult struct {
	Status string `json:"status"`
	Path   string `json:"path"`
	Frames int    `json:"frames"`
}

type ActionResult struct {
	Status  string `json:"status"`
	Running bool   `json:"running"`
}

type errorBody struct {
	Error string `json:"error"`
}
