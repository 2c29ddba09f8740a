package tundev

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromFDRejectsNegative(t *testing.T) {
	_, err := FromFD(-1)
	require.Error(t, err)
}

func TestFromFDAdoptsValidDescriptor(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer w.Close()

	f, err := FromFD(int(r.Fd()))
	require.NoError(t, err)
	defer f.Close()

	go w.Write([]byte("hi"))
	buf := make([]byte, 2)
	n, err := f.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hi", string(buf[:n]))
}
