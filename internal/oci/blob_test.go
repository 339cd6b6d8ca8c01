package oci

import (
	"strings"
	"sync"
	"testing"

	digest "github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"
)

func TestBlobStorePutVerifiesDigest(t *testing.T) {
	s := NewBlobStore(t.TempDir())
	content := "hello world"
	d := digest.FromString(content)

	path, err := s.Put(d, strings.NewReader(content))
	require.NoError(t, err)
	require.True(t, s.Has(d))
	require.Equal(t, s.Path(d), path)
}

func TestBlobStorePutRejectsDigestMismatch(t *testing.T) {
	s := NewBlobStore(t.TempDir())
	wrong := digest.FromString("something else")

	_, err := s.Put(wrong, strings.NewReader("hello world"))
	require.Error(t, err)
	require.False(t, s.Has(wrong))
}

func TestBlobStoreConcurrentPutsCoordinate(t *testing.T) {
	s := NewBlobStore(t.TempDir())
	content := "same content"
	d := digest.FromString(content)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Put(d, strings.NewReader(content))
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.True(t, s.Has(d))
}
