package zookeeperstore

import (
	"errors"
	"testing"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	expiry := time.UnixMilli(1_700_000_001_500)

	data := encode("t1", expiry)
	assert.Equal(t, "t1\n1700000001500", string(data))

	token, got, err := decode(data)
	require.NoError(t, err)
	assert.Equal(t, "t1", token)
	assert.True(t, expiry.Equal(got))

	_, _, err = decode([]byte("1700000001"))
	assert.Error(t, err, "data written by other lock implementations is rejected")

	_, _, err = decode([]byte("t1\nsoon"))
	assert.Error(t, err)
}

func TestLockPath(t *testing.T) {
	path, err := lockPath("tdln:res1")
	require.NoError(t, err)
	assert.Equal(t, "/tdln:res1", path)

	path, err = lockPath("/locks/res1")
	require.NoError(t, err)
	assert.Equal(t, "/locks/res1", path)

	for _, key := range []string{"", "/", "res 1", "res\x00", "locks/"} {
		_, err := lockPath(key)
		assert.Error(t, err, "%q", key)
	}
}

func TestVersioned(t *testing.T) {
	ok, err := versioned(&zk.Stat{}, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = versioned(nil, zk.ErrBadVersion)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = versioned(nil, zk.ErrNoNode)
	require.NoError(t, err)
	assert.False(t, ok)

	boom := errors.New("zk: connection closed")
	ok, err = versioned(nil, boom)
	assert.ErrorIs(t, err, boom)
	assert.False(t, ok)
}
