package downloader

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const artifactsPath = "/builds/2457013/shamu-userdebug/attempts/latest/artifacts"

func androidServer(t *testing.T, files map[string]string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc(artifactsPath, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("pageToken") == "" {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"artifacts":     []map[string]string{{"name": "bootloader.img", "size": "10"}},
				"nextPageToken": "page2",
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"artifacts": []map[string]string{{"name": "shamu-userdebug-img-2457013.zip", "size": "20"}},
		})
	})
	mux.HandleFunc(artifactsPath+"/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "media", r.URL.Query().Get("alt"))
		name := r.URL.Path[len(artifactsPath)+1:]
		body, ok := files[name]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(body))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestAndroidClientListsAllPages(t *testing.T) {
	srv := androidServer(t, nil)
	client, err := NewAndroidBuildClient(srv.URL+"/", "secret", srv.Client())
	require.NoError(t, err)

	arts, err := client.ListArtifacts(context.Background(), "2457013", "shamu-userdebug")
	require.NoError(t, err)
	assert.Equal(t, []AndroidArtifact{
		{Name: "bootloader.img", Size: 10},
		{Name: "shamu-userdebug-img-2457013.zip", Size: 20},
	}, arts)
}

func TestAndroidDownloaderStagesArtifacts(t *testing.T) {
	srv := androidServer(t, map[string]string{
		"bootloader.img":                  "boot",
		"shamu-userdebug-img-2457013.zip": "images",
	})
	client, err := NewAndroidBuildClient(srv.URL, "secret", srv.Client())
	require.NoError(t, err)

	d, err := NewAndroidBuildDownloader(t.TempDir(), "git_main", "shamu-userdebug", "2457013", client, Options{NoRetry: true})
	require.NoError(t, err)
	assert.Equal(t, "git_main/shamu-userdebug/2457013", d.GetBuild().ID())

	factory, err := d.NewFactory([]string{"bootloader_image", "zip_images"}, nil)
	require.NoError(t, err)
	require.NoError(t, d.Download(context.Background(), factory))

	dir, err := d.GetBuildDir()
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(dir, "shamu-userdebug-img-2457013.zip"))
	require.NoError(t, err)
	assert.Equal(t, "images", string(data))
	assert.FileExists(t, filepath.Join(dir, TimestampFile))
}

func TestAndroidMissingArtifactIsNotFound(t *testing.T) {
	srv := androidServer(t, map[string]string{})
	client, err := NewAndroidBuildClient(srv.URL, "secret", srv.Client())
	require.NoError(t, err)

	d, err := NewAndroidBuildDownloader(t.TempDir(), "git_main", "shamu-userdebug", "2457013", client, Options{})
	require.NoError(t, err)

	factory, err := d.NewFactory([]string{"radio_image"}, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, d.Download(context.Background(), factory), ErrNotFound)
}

func TestAndroidClientSurfacesServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	client, err := NewAndroidBuildClient(srv.URL, "", srv.Client())
	require.NoError(t, err)
	_, err = client.ListArtifacts(context.Background(), "1", "target")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "429")
}

func TestNewAndroidBuildClientRequiresBase(t *testing.T) {
	_, err := NewAndroidBuildClient(" ", "", nil)
	assert.Error(t, err)
}
