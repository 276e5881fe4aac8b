package core

import "fmt"

type MediaKind string

const (
	AudioKind MediaKind = "audio"
	VideoKind MediaKind = "video"
)

func ParseMediaKind(s string) (MediaKind, error) {
	switch MediaKind(s) {
	case AudioKind, VideoKind:
		return MediaKind(s), nil
	default:
		return "", fmt.Errorf("%w: unknown media kind %q", ErrConfiguration, s)
	}
}

func (k MediaKind) String() string {
	return string(k)
}
