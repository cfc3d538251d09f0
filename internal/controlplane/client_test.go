package controlplane

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockjoy/babel/internal/manifest"
)

func TestFetchManifest(t *testing.T) {
	want := manifest.Manifest{ArchiveID: "a1", DataVersion: "v1", Header: manifest.Header{TotalSize: 10}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/manifest", r.URL.Path)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.NoError(t, json.NewEncoder(w).Encode(want))
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	got, err := c.FetchManifest(context.Background(), "a1", "v1")
	require.NoError(t, err)
	require.Equal(t, want.ArchiveID, got.ArchiveID)
	require.Equal(t, want.TotalSize, got.TotalSize)
}

func TestRequestUploadSlots(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		var body uploadSlotsRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, []uint32{0, 1}, body.Indices)
		require.NoError(t, json.NewEncoder(w).Encode([]uploadSlotResponse{
			{ChunkIndex: 0, UploadURL: "https://store/0"},
			{ChunkIndex: 1, UploadURL: "https://store/1"},
		}))
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	slots, err := c.RequestUploadSlots(context.Background(), "a1", "v1", []uint32{0, 1})
	require.NoError(t, err)
	require.Len(t, slots, 2)
	require.Equal(t, "https://store/0", slots[0].UploadURL)
}

func TestPutChunkForbiddenSurfacesExpiry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	c.http.RetryMax = 0
	err := c.PutChunk(context.Background(), srv.URL, strings.NewReader("x"), 1)
	require.Error(t, err)
}
