package encoder

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSpecForStageFast(t *testing.T) {
	spec := SpecForStage("fast", 2)
	require.Equal(t, []string{"360p"}, spec.TargetResolutions)
	require.Equal(t, []string{"360p"}, spec.PlaylistResolutions)
	require.Equal(t, PresetUltrafast, spec.Preset)
	require.Equal(t, 0, spec.CPUThreads)
}

func TestSpecForStageBackground(t *testing.T) {
	spec := SpecForStage("background", 2)
	// 360p already exists from the fast stage so it is a playlist-only entry
	require.Equal(t, []string{"480p", "720p", "1080p"}, spec.TargetResolutions)
	require.Equal(t, []string{"360p", "480p", "720p", "1080p"}, spec.PlaylistResolutions)
	require.Equal(t, PresetMedium, spec.Preset)
	require.Equal(t, 2, spec.CPUThreads)
}

func TestLadderIsAscendingBitrate(t *testing.T) {
	for i := 1; i < len(Ladder); i++ {
		require.Greater(t, Ladder[i].Bandwidth(), Ladder[i-1].Bandwidth())
	}
}
