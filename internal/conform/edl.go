// Package conform writes the CMX3600 edit decision list that accompanies
// every finished export, so an editor can rebuild the speed remap on the
// original media.
package conform

import (
	"fmt"
	"math"
	"strings"

	"github.com/reframe/reframe-render/internal/timeline"
)

// GenerateEDL emits one event per timeline segment. Segments that are not
// at normal speed carry an M2 motion-effect line.
func GenerateEDL(title, sourceRef string, segments []timeline.Segment, frameRate float64) string {
	fps := int(math.Round(frameRate))
	if fps <= 0 {
		fps = 30
	}

	isDropFrame := math.Abs(frameRate-29.97) < 0.01 || math.Abs(frameRate-59.94) < 0.01

	lines := []string{fmt.Sprintf("TITLE: %s", title)}
	if isDropFrame {
		lines = append(lines, "FCM: DROP FRAME")
	} else {
		lines = append(lines, "FCM: NON-DROP FRAME")
	}
	lines = append(lines, "")

	for i, seg := range segments {
		srcIn := secondsToTimecode(seg.SourceStart, fps)
		srcOut := secondsToTimecode(seg.SourceEnd, fps)
		recIn := secondsToTimecode(seg.VisualStart, fps)
		recOut := secondsToTimecode(seg.VisualEnd, fps)

		lines = append(lines,
			fmt.Sprintf("%03d  %-8s %-5s C        %s %s %s %s", i+1, "AX", "V", srcIn, srcOut, recIn, recOut))
		if seg.Multiplier != 1 {
			lines = append(lines,
				fmt.Sprintf("M2   %-8s %05.1f    %s", "AX", seg.Multiplier*float64(fps), srcIn))
		}
		lines = append(lines,
			fmt.Sprintf("* FROM CLIP NAME:  %s", SanitizeName(title, 64)),
			fmt.Sprintf("* MEDIA PATH:  %s", sourceRef),
		)
		if seg.Multiplier != 1 {
			lines = append(lines, fmt.Sprintf("* SPEED:  %sx", formatMultiplier(seg.Multiplier)))
		}
	}

	lines = append(lines, "")
	return strings.Join(lines, "\n")
}

func secondsToTimecode(sec float64, fps int) string {
	totalFrames := int(math.Round(sec * float64(fps)))
	if totalFrames < 0 {
		totalFrames = 0
	}
	frames := totalFrames % fps
	totalSeconds := totalFrames / fps
	seconds := totalSeconds % 60
	totalMinutes := totalSeconds / 60
	minutes := totalMinutes % 60
	hours := totalMinutes / 60
	return fmt.Sprintf("%02d:%02d:%02d:%02d", hours, minutes, seconds, frames)
}

func formatMultiplier(m float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.3f", m), "0"), ".")
}
