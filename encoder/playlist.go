package encoder

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/grafov/m3u8"
)

const MasterPlaylistFilename = "master.m3u8"

// GenerateMasterPlaylist renders the master playlist referencing each of the
// given resolutions at `{tag}/index.m3u8`, in ascending bitrate order.
func GenerateMasterPlaylist(playlistResolutions []string) (string, error) {
	master := m3u8.NewMasterPlaylist()
	master.SetVersion(3)

	// Ladder order is ascending bitrate already, so filtering it keeps the
	// required variant ordering regardless of the input order.
	for _, rendition := range Ladder {
		if !containsTag(playlistResolutions, rendition.Tag) {
			continue
		}
		master.Append(
			rendition.Tag+"/index.m3u8",
			&m3u8.MediaPlaylist{},
			m3u8.VariantParams{
				Bandwidth:  uint32(rendition.Bandwidth()),
				Resolution: rendition.Resolution(),
			},
		)
	}
	for _, tag := range playlistResolutions {
		if _, ok := RenditionFor(tag); !ok {
			return "", fmt.Errorf("unknown playlist resolution %q", tag)
		}
	}
	return master.Encode().String(), nil
}

// WriteMasterPlaylist writes the master playlist at
// `{outputDir}/master.m3u8`.
func WriteMasterPlaylist(outputDir string, playlistResolutions []string) error {
	content, err := GenerateMasterPlaylist(playlistResolutions)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(outputDir, MasterPlaylistFilename), []byte(content), 0o644); err != nil {
		return fmt.Errorf("error writing master playlist: %w", err)
	}
	return nil
}

func containsTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}
