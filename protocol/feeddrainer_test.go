package protocol

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

type sliceFeedDrainer struct {
	data []byte
}

func (fd *sliceFeedDrainer) Drain(ctx context.Context, recs Records) error {
	for _, rec := range recs {
		fd.data = append(fd.data, rec...)
	}
	return nil
}

func (fd *sliceFeedDrainer) Feed(ctx context.Context) (recs Records, err error) {
	for i := 0; i < 3 && len(fd.data) > 0; i++ {
		recs = append(recs, fd.data[0:1])
		fd.data = fd.data[1:]
	}
	if len(fd.data) == 0 {
		err = io.EOF
	}
	return
}

func TestPump(t *testing.T) {
	fro := sliceFeedDrainer{data: []byte("Hello world")}
	to := sliceFeedDrainer{}
	err := Pump(context.Background(), &fro, &to)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, []byte("Hello world"), to.data)
}

func TestRelay(t *testing.T) {
	sfd := sliceFeedDrainer{data: []byte("Hello world")}
	ctx := context.Background()
	assert.NoError(t, Relay(ctx, &sfd, &sfd))
	assert.NoError(t, Relay(ctx, &sfd, &sfd))
	assert.Equal(t, []byte("worldHello "), sfd.data)
}

func TestPump_DrainFunc(t *testing.T) {
	fro := sliceFeedDrainer{data: []byte("abcdefg")}
	var batches []int
	err := Pump(context.Background(), &fro, DrainFunc(func(_ context.Context, recs Records) error {
		batches = append(batches, len(recs))
		return nil
	}))
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, []int{3, 3, 1}, batches)

	// a drain error stops the pump
	boom := errors.New("boom")
	fro = sliceFeedDrainer{data: []byte("abcdefg")}
	err = Pump(context.Background(), &fro, DrainFunc(func(context.Context, Records) error { return boom }))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []byte("defg"), fro.data)
}
