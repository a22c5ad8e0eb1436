package pprof

import (
	"io"
	"net/http"
	"testing"

	"github.com/codefionn/prysmo/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServesProfiles(t *testing.T) {
	s, err := Start(Config{HTTPAddr: "127.0.0.1:0", BlockProfileRate: 1}, logger.NewWriter(logger.LevelNone, io.Discard, ""))
	require.NoError(t, err)
	defer s.Stop()

	for _, path := range []string{"/debug/pprof/", "/debug/pprof/goroutine?debug=1", "/debug/pprof/cmdline"} {
		resp, err := http.Get("http://" + s.Addr().String() + path)
		require.NoError(t, err, path)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
}

func TestStartRequiresAddress(t *testing.T) {
	_, err := Start(Config{}, nil)
	assert.Error(t, err)
}
