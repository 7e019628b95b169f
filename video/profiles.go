package video

import "time"

// Profile describes one rendition of the adaptive bitrate ladder.
type Profile struct {
	Name         string `json:"name"`
	Width        int64  `json:"width"`
	Height       int64  `json:"height"`
	Bitrate      int64  `json:"bitrate"`
	BufSize      int64  `json:"buf_size"`
	FPS          int64  `json:"fps"`
	AudioBitrate int64  `json:"audio_bitrate"`
}

// Preset is the read-only configuration entity driving a transcoding job: the
// target rendition ladder plus the chunk and HLS segment durations. Chunk
// duration should be a multiple of the segment duration so the trailing
// segment of each chunk is not abnormally short.
type Preset struct {
	Name            string
	Profiles        []Profile
	ChunkDuration   time.Duration
	SegmentDuration time.Duration
}

var defaultLadder = []Profile{
	{Name: "1080p", Width: 1920, Height: 1080, Bitrate: 5_000_000, BufSize: 10_000_000, FPS: 30, AudioBitrate: 192_000},
	{Name: "720p", Width: 1280, Height: 720, Bitrate: 3_000_000, BufSize: 6_000_000, FPS: 30, AudioBitrate: 192_000},
	{Name: "480p", Width: 854, Height: 480, Bitrate: 1_500_000, BufSize: 3_000_000, FPS: 30, AudioBitrate: 96_000},
	{Name: "360p", Width: 640, Height: 360, Bitrate: 800_000, BufSize: 1_600_000, FPS: 30, AudioBitrate: 96_000},
}

func DefaultPreset(chunkDuration, segmentDuration time.Duration) Preset {
	return Preset{
		Name:            "default",
		Profiles:        defaultLadder,
		ChunkDuration:   chunkDuration,
		SegmentDuration: segmentDuration,
	}
}

// SelectProfiles filters the preset's ladder down to renditions that make
// sense for the source: no upscaling past the source height and no rendition
// with a higher bitrate than the source itself. The lowest rung is always
// kept so every job produces at least one rendition.
func (p Preset) SelectProfiles(iv InputVideo) ([]Profile, error) {
	videoTrack, err := iv.GetTrack(TrackTypeVideo)
	if err != nil {
		return nil, err
	}
	var selected []Profile
	for _, profile := range p.Profiles {
		if profile.Height > videoTrack.Height {
			continue
		}
		if videoTrack.Bitrate > 0 && profile.Bitrate > videoTrack.Bitrate {
			continue
		}
		selected = append(selected, profile)
	}
	if len(selected) == 0 {
		selected = append(selected, p.Profiles[len(p.Profiles)-1])
	}
	return selected, nil
}
