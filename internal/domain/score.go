package domain

import (
	"bytes"
	"math"
	"strconv"
)

// Score is a provider-reported number used only for ranking and display.
// Decoding never fails: null, quoted numbers and junk are accepted, junk
// becoming 0, so one odd entry cannot discard the rest of a result page.
type Score float64

func (s *Score) UnmarshalJSON(data []byte) error {
	raw := bytes.TrimSpace(data)
	if len(raw) >= 2 && raw[0] == '"' && raw[len(raw)-1] == '"' {
		raw = bytes.TrimSpace(raw[1 : len(raw)-1])
	}
	value, err := strconv.ParseFloat(string(raw), 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		*s = 0
		return nil
	}
	*s = Score(value)
	return nil
}
