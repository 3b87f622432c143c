package ris

import (
	"encoding/json"
	"strconv"
)

// Frame is one RIS Live WebSocket frame. Only "ris_message" frames whose
// inner data type is "UPDATE" are of interest; everything else is skipped.
type Frame struct {
	Type string     `json:"type"`
	Data UpdateData `json:"data"`
}

const (
	FrameTypeMessage = "ris_message"
	DataTypeUpdate   = "UPDATE"
)

// UpdateData is the inner payload of a ris_message frame.
type UpdateData struct {
	Type          string         `json:"type"`
	Timestamp     *float64       `json:"timestamp"`
	Peer          string         `json:"peer"`
	PeerASN       FlexInt        `json:"peer_asn"`
	Path          ASPath         `json:"path"`
	Announcements []Announcement `json:"announcements"`
	Withdrawals   []Withdrawal   `json:"withdrawals"`
}

type Announcement struct {
	NextHop  string   `json:"next_hop"`
	Prefixes []string `json:"prefixes"`
}

// Withdrawal accepts either a bare prefix string or {"prefix": "..."}.
type Withdrawal struct {
	Prefix string
}

func (w *Withdrawal) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		w.Prefix = s
		return nil
	}
	var obj struct {
		Prefix string `json:"prefix"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	w.Prefix = obj.Prefix
	return nil
}

// FlexInt coerces a JSON number or numeric string to int64, defaulting to 0
// on anything unparseable (RIS Live sends peer_asn as a string).
type FlexInt int64

func (f *FlexInt) UnmarshalJSON(b []byte) error {
	var n int64
	if err := json.Unmarshal(b, &n); err == nil {
		*f = FlexInt(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			*f = FlexInt(n)
			return nil
		}
	}
	*f = 0
	return nil
}

// ASPath flattens the RIS path array, which may nest AS_SET segments as
// inner arrays, into a single ASN sequence.
type ASPath []int64

func (p *ASPath) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make([]int64, 0, len(raw))
	for _, elem := range raw {
		var n int64
		if err := json.Unmarshal(elem, &n); err == nil {
			out = append(out, n)
			continue
		}
		var set []int64
		if err := json.Unmarshal(elem, &set); err == nil {
			out = append(out, set...)
		}
		// Anything else in the path is dropped silently.
	}
	*p = out
	return nil
}
