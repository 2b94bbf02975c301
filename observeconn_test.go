// SPDX-License-Identifier: GPL-3.0-or-later

package httpcore

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Would-block results are not logged, while progress and errors are.
func TestObserveConnFuncIO(t *testing.T) {
	wantErr := errors.New("connection reset")
	reads := []error{ErrWouldBlock, nil, wantErr}
	conn := newMinimalConn()
	conn.ReadFunc = func(buf []byte) (int, error) {
		err := reads[0]
		reads = reads[1:]
		if err != nil {
			return 0, err
		}
		return copy(buf, "abc"), nil
	}
	conn.WriteFunc = func(data []byte) (int, error) {
		return 0, ErrWouldBlock
	}
	logger, records := newCapturingLogger()

	observed, err := NewObserveConnFunc(NewConfig(), logger).Call(context.Background(), conn)
	require.NoError(t, err)

	buf := make([]byte, 8)
	_, err = observed.Read(buf)
	assert.ErrorIs(t, err, ErrWouldBlock)
	count, err := observed.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	_, err = observed.Read(buf)
	assert.ErrorIs(t, err, wantErr)
	_, err = observed.Write([]byte("abc"))
	assert.ErrorIs(t, err, ErrWouldBlock)

	var messages []string
	for _, record := range *records {
		messages = append(messages, record.Message)
	}
	assert.Equal(t, []string{"readDone", "readDone"}, messages)
}

// Close closes the conn once and then returns net.ErrClosed.
func TestObserveConnFuncClose(t *testing.T) {
	var count int
	conn := newMinimalConn()
	conn.CloseFunc = func() error {
		count++
		return nil
	}
	logger, records := newCapturingLogger()

	observed, err := NewObserveConnFunc(NewConfig(), logger).Call(context.Background(), conn)
	require.NoError(t, err)

	require.NoError(t, observed.Close())
	require.ErrorIs(t, observed.Close(), net.ErrClosed)
	assert.Equal(t, 1, count)
	require.Len(t, *records, 1)
	assert.Equal(t, "closeDone", (*records)[0].Message)
}
