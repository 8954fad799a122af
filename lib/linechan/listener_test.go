package linechan

import (
	"bufio"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sympathy-lab/sytask/taskproto"
)

func TestListenerServesAndCloses(t *testing.T) {
	h := newRecordingHandler()
	l, err := Listen("127.0.0.1:0", h)
	require.NoError(t, err)
	require.NotZero(t, l.Port())

	served := make(chan error, 1)
	go func() {
		served <- l.Serve()
	}()

	nc, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(l.Port()))
	require.NoError(t, err)
	defer nc.Close() //nolint:errcheck

	// split one message over two writes
	_, err = nc.Write([]byte(`["a", 1, `))
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	_, err = nc.Write([]byte("{}]\n"))
	require.NoError(t, err)

	select {
	case m := <-h.gotMsg:
		require.Equal(t, taskproto.StringID("a"), m.TaskID)
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}

	require.NoError(t, l.Close())

	select {
	case <-h.finished:
	default:
		t.Fatal("Close returned before the connection was torn down")
	}

	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}

	_, err = bufio.NewReader(nc).ReadByte()
	require.Error(t, err)

	require.NoError(t, l.Close())
}
