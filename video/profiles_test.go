package video

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func sourceVideo(height, bitrate int64) InputVideo {
	return InputVideo{
		Duration: 185,
		Valid:    true,
		Tracks: []InputTrack{
			{
				Type:    TrackTypeVideo,
				Codec:   "h264",
				Bitrate: bitrate,
				VideoTrack: VideoTrack{
					Width:  height * 16 / 9,
					Height: height,
					FPS:    30,
				},
			},
		},
	}
}

func TestSelectProfilesSkipsUpscaling(t *testing.T) {
	preset := DefaultPreset(60*time.Second, 4*time.Second)

	selected, err := preset.SelectProfiles(sourceVideo(720, 6_000_000))
	require.NoError(t, err)
	names := make([]string, len(selected))
	for i, p := range selected {
		names[i] = p.Name
	}
	require.Equal(t, []string{"720p", "480p", "360p"}, names)
}

func TestSelectProfilesSkipsBitratesAboveSource(t *testing.T) {
	preset := DefaultPreset(60*time.Second, 4*time.Second)

	selected, err := preset.SelectProfiles(sourceVideo(1080, 2_000_000))
	require.NoError(t, err)
	for _, p := range selected {
		require.LessOrEqual(t, p.Bitrate, int64(2_000_000))
	}
}

func TestSelectProfilesAlwaysKeepsLowestRung(t *testing.T) {
	preset := DefaultPreset(60*time.Second, 4*time.Second)

	selected, err := preset.SelectProfiles(sourceVideo(144, 100_000))
	require.NoError(t, err)
	require.Len(t, selected, 1)
	require.Equal(t, "360p", selected[0].Name)
}

func TestSelectProfilesNoVideoTrack(t *testing.T) {
	preset := DefaultPreset(60*time.Second, 4*time.Second)
	_, err := preset.SelectProfiles(InputVideo{})
	require.Error(t, err)
}
