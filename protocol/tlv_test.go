package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTLVAppend(t *testing.T) {
	buf := []byte{}
	buf = Append(buf, 'A', []byte{'A'})
	buf = Append(buf, 'b', []byte{'B', 'B'})
	correct2 := []byte{'a', 1, 'A', '2', 'B', 'B'}
	assert.Equal(t, correct2, buf, "basic TLV fail")

	var c256 [256]byte
	for n := range c256 {
		c256[n] = 'c'
	}
	buf = Append(buf, 'C', c256[:])
	assert.Equal(t, len(correct2)+1+4+len(c256), len(buf))
	assert.Equal(t, uint8('C'), buf[len(correct2)])
	assert.Equal(t, uint8(1), buf[len(correct2)+2])

	lit, body, buf, err := TakeAnyWary(buf)
	assert.Nil(t, err)
	assert.Equal(t, uint8('A'), lit)
	assert.Equal(t, []byte{'A'}, body)

	body2, _, err2 := TakeWary('B', buf)
	assert.Nil(t, err2)
	assert.Equal(t, []byte{'B', 'B'}, body2)
}

func TestTakeWary_Garbage(t *testing.T) {
	_, _, _, err := TakeAnyWary([]byte{'!', 1, 2})
	assert.ErrorIs(t, err, ErrBadRecord)

	_, rest, err := TakeWary('A', []byte{'a', 5, 'x'})
	assert.ErrorIs(t, err, ErrIncomplete)
	assert.Equal(t, []byte{'a', 5, 'x'}, rest)

	_, _, err = TakeWary('A', Record('B', []byte("bb")))
	assert.ErrorIs(t, err, ErrBadRecord)
}

func TestSplit(t *testing.T) {
	one := Record('P', []byte("patch"))
	two := Record('S', bytes.Repeat([]byte{'s'}, 300))
	var buf bytes.Buffer
	buf.Write(one)
	buf.Write(two)
	buf.Write(two[:7])

	recs, err := Split(&buf)
	assert.ErrorIs(t, err, ErrIncomplete)
	assert.Equal(t, Records{one, two}, recs)
	assert.Equal(t, 7, buf.Len())
	assert.Equal(t, int64(len(one)+len(two)), recs.TotalLen())

	buf.Write(two[7:])
	recs, err = Split(&buf)
	assert.NoError(t, err)
	assert.Equal(t, Records{two}, recs)
}
