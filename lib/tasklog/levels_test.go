package tasklog

import (
	"testing"

	logging "github.com/ipfs/go-log/v2"
	"github.com/stretchr/testify/require"
)

var _ = logging.Logger("tasklog-test")

func TestSetLevels(t *testing.T) {
	require.NoError(t, SetLevels(""))
	require.NoError(t, SetLevels("debug", "tasklog-test"))
	require.Error(t, SetLevels("loud", "tasklog-test"))
}
