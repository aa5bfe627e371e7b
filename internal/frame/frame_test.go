// internal/frame/frame_test.go
package frame

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_Reply(t *testing.T) {
	sel := Selector{Class: ClassGet, Target: 3, SubCmd: SubInfo}

	raw, err := Encode(sel, []byte{0xAA, 0xBB})
	require.NoError(t, err)
	require.Len(t, raw, Size)

	f, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, KindReply, f.Kind)
	assert.Equal(t, sel, f.Selector)
	assert.Equal(t, []byte{0xAA, 0xBB}, f.Payload)
}

func TestDecode_Report(t *testing.T) {
	raw, err := Encode(Selector{Class: ClassReport}, EncodeReport(ReportSample, 5, []byte{1, 2, 3}))
	require.NoError(t, err)

	f, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, KindReport, f.Kind)

	r, err := ParseReport(f.Payload)
	require.NoError(t, err)
	assert.Equal(t, ReportSample, r.Kind)
	assert.Equal(t, Target(5), r.Target)
	assert.Equal(t, []byte{1, 2, 3}, r.Data)
}

func TestDecode_PayloadIsCopied(t *testing.T) {
	raw, err := Encode(Selector{Class: ClassSet, Target: 1, SubCmd: SubConfig}, []byte{7})
	require.NoError(t, err)

	f, err := Decode(raw)
	require.NoError(t, err)

	raw[HeaderSize] = 0xFF
	assert.Equal(t, byte(7), f.Payload[0])
}

func TestDecode_Rejections(t *testing.T) {
	valid, err := Encode(Selector{Class: ClassGet, Target: 1, SubCmd: SubInfo}, []byte{1, 2, 3, 4})
	require.NoError(t, err)

	withLength := func(n uint16) []byte {
		b := append([]byte(nil), valid...)
		binary.LittleEndian.PutUint16(b[4:6], n)
		return b
	}

	unknownClass := append([]byte(nil), valid...)
	unknownClass[0] = 0x7F

	zeroClass := append([]byte(nil), valid...)
	zeroClass[0] = 0x00

	cases := map[string][]byte{
		"nil":                 nil,
		"shorter than header": valid[:HeaderSize-1],
		"zero length":         withLength(0),
		"length over max":     withLength(MaxPayload + 1),
		"length past buffer":  withLength(10)[:HeaderSize+4],
		"unknown class":       unknownClass,
		"class zero":          zeroClass,
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			f, err := Decode(raw)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrRejected))
			assert.Equal(t, KindRejected, f.Kind)
			assert.Nil(t, f.Payload)
		})
	}
}

func TestDecode_TruncatedBufferWithinMax(t *testing.T) {
	// Declared length fits MaxPayload but the caller handed a short buffer.
	raw, err := Encode(Selector{Class: ClassInst, Target: 2, SubCmd: SubEnable}, make([]byte, 20))
	require.NoError(t, err)

	_, err = Decode(raw[:HeaderSize+19])
	assert.ErrorIs(t, err, ErrRejected)

	f, err := Decode(raw[:HeaderSize+20])
	require.NoError(t, err)
	assert.Len(t, f.Payload, 20)
}

func TestEncode_TooLarge(t *testing.T) {
	_, err := Encode(Selector{Class: ClassSet}, make([]byte, MaxPayload+1))
	require.Error(t, err)

	_, err = Encode(Selector{Class: ClassSet}, make([]byte, MaxPayload))
	require.NoError(t, err)
}

func TestDecodeCommand_AllowsEmptyPayload(t *testing.T) {
	raw, err := Encode(Selector{Class: ClassInst, Target: 4, SubCmd: SubDisable}, nil)
	require.NoError(t, err)

	_, err = Decode(raw)
	assert.ErrorIs(t, err, ErrRejected)

	f, err := DecodeCommand(raw)
	require.NoError(t, err)
	assert.Equal(t, SubDisable, f.Selector.SubCmd)
	assert.Empty(t, f.Payload)
}

func TestParseReport_Invalid(t *testing.T) {
	_, err := ParseReport([]byte{byte(ReportSample)})
	assert.ErrorIs(t, err, ErrRejected)

	_, err = ParseReport([]byte{0x99, 1})
	assert.ErrorIs(t, err, ErrRejected)

	_, err = ParseReport([]byte{byte(ReportSample), MaxTargets})
	assert.ErrorIs(t, err, ErrRejected)
}

func TestSelector_String(t *testing.T) {
	s := Selector{Class: ClassGet, Target: 9, SubCmd: SubAlive}
	assert.Equal(t, "get/9/alive", s.String())
}

func TestTarget_JSON(t *testing.T) {
	b, err := json.Marshal(struct {
		Stale []Target `json:"stale"`
	}{Stale: []Target{1, 42}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"stale":[1,42]}`, string(b))

	var back []Target
	require.NoError(t, json.Unmarshal([]byte(`[3,7]`), &back))
	assert.Equal(t, []Target{3, 7}, back)
}
