package media

// SourceRole names a region of the composite frame a source renders
// into. Placements are keyed by role, not by handle, so a source can
// be swapped without touching the layout.
type SourceRole string

const (
	RoleCamera SourceRole = "camera"
	RoleScreen SourceRole = "screen"
)

// Rect is a placement rectangle in normalized [0,1] coordinates
type Rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Valid reports whether the rectangle lies within the unit square
func (r Rect) Valid() bool {
	return r.X >= 0 && r.Y >= 0 && r.W > 0 && r.H > 0 &&
		r.X+r.W <= 1.0000001 && r.Y+r.H <= 1.0000001
}

// LayoutVariant names a built-in arrangement of source placements
type LayoutVariant string

const (
	LayoutPictureInPicture LayoutVariant = "picture-in-picture"
	LayoutSideBySide       LayoutVariant = "side-by-side"
	LayoutPresentation     LayoutVariant = "presentation"
	LayoutScreenOnly       LayoutVariant = "screen-only"
	LayoutCameraOnly       LayoutVariant = "camera-only"
)

// Layout is a pure value describing where each source role is drawn.
// The compositor switches layouts atomically between frames.
type Layout struct {
	Variant    LayoutVariant       `json:"variant"`
	Placements map[SourceRole]Rect `json:"placements"`
}

// Valid reports whether every placement lies within the unit square
func (l Layout) Valid() bool {
	for _, r := range l.Placements {
		if !r.Valid() {
			return false
		}
	}
	return true
}

// NewLayout returns the built-in placements for a layout variant
func NewLayout(variant LayoutVariant) Layout {
	switch variant {
	case LayoutPictureInPicture:
		return Layout{Variant: variant, Placements: map[SourceRole]Rect{
			RoleScreen: {X: 0, Y: 0, W: 1, H: 1},
			RoleCamera: {X: 0.72, Y: 0.70, W: 0.25, H: 0.25},
		}}
	case LayoutSideBySide:
		return Layout{Variant: variant, Placements: map[SourceRole]Rect{
			RoleScreen: {X: 0, Y: 0.125, W: 0.5, H: 0.75},
			RoleCamera: {X: 0.5, Y: 0.125, W: 0.5, H: 0.75},
		}}
	case LayoutPresentation:
		return Layout{Variant: variant, Placements: map[SourceRole]Rect{
			RoleScreen: {X: 0, Y: 0, W: 0.78, H: 1},
			RoleCamera: {X: 0.78, Y: 0.62, W: 0.22, H: 0.38},
		}}
	case LayoutScreenOnly:
		return Layout{Variant: variant, Placements: map[SourceRole]Rect{
			RoleScreen: {X: 0, Y: 0, W: 1, H: 1},
		}}
	case LayoutCameraOnly:
		return Layout{Variant: variant, Placements: map[SourceRole]Rect{
			RoleCamera: {X: 0, Y: 0, W: 1, H: 1},
		}}
	default:
		return Layout{Variant: variant, Placements: map[SourceRole]Rect{}}
	}
}

// QualityProfile is an enumerated (resolution, frame rate, bitrate)
// triple picked at record start.
type QualityProfile string

const (
	QualitySD480   QualityProfile = "SD-480p"
	QualityHD720   QualityProfile = "HD-720p"
	QualityFHD1080 QualityProfile = "FHD-1080p"
)

// Dimensions returns the output width, height, and frame rate of the
// profile. Unknown profiles fall back to HD-720p.
func (q QualityProfile) Dimensions() (width, height, fps int) {
	switch q {
	case QualitySD480:
		return 854, 480, 30
	case QualityFHD1080:
		return 1920, 1080, 30
	default:
		return 1280, 720, 30
	}
}

// Bitrate returns the target video bitrate in bits per second
func (q QualityProfile) Bitrate() int {
	switch q {
	case QualitySD480:
		return 1_000_000
	case QualityFHD1080:
		return 4_000_000
	default:
		return 2_000_000
	}
}

// Reduce returns the next lower profile, used when the compositor
// reports sustained performance degradation.
func (q QualityProfile) Reduce() QualityProfile {
	switch q {
	case QualityFHD1080:
		return QualityHD720
	case QualityHD720:
		return QualitySD480
	default:
		return QualitySD480
	}
}
