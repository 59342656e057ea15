// Package render draws skeleton overlays and side-by-side comparison frames.
package render

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"github.com/dj-oyu/pose-coach/scoring-server/internal/scoring"
	"github.com/dj-oyu/pose-coach/scoring-server/pkg/types"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Renderer produces output frames for a scored frame pair. Implementations must be
// safe for concurrent use.
type Renderer interface {
	// Annotate draws the user skeleton over the user frame.
	Annotate(user types.Frame, pose types.KeypointSet, score scoring.FrameScore) *image.RGBA
	// Composite places the reference frame and the annotated user frame side by side.
	Composite(ref types.Frame, refPose types.KeypointSet, user types.Frame, userPose types.KeypointSet, score scoring.FrameScore) *image.RGBA
}

var (
	colorWithin     = color.RGBA{0, 220, 0, 255}
	colorWrong      = color.RGBA{230, 0, 0, 255}
	colorUncompared = color.RGBA{200, 200, 200, 255}
	colorReference  = color.RGBA{40, 110, 255, 255}
	colorOrange     = color.RGBA{255, 165, 0, 255}
	colorText       = color.RGBA{255, 255, 255, 255}
	colorBadge      = color.RGBA{0, 0, 0, 190}
)

// Skeleton draws bones and joints with a fixed pixel size.
type Skeleton struct {
	PanelWidth  int
	PanelHeight int
	Thickness   int
	JointRadius int
}

// NewSkeleton returns a renderer with composite panels of the given size.
func NewSkeleton(panelWidth, panelHeight int) *Skeleton {
	if panelWidth <= 0 {
		panelWidth = 640
	}
	if panelHeight <= 0 {
		panelHeight = 480
	}
	return &Skeleton{PanelWidth: panelWidth, PanelHeight: panelHeight, Thickness: 2, JointRadius: 4}
}

// Annotate implements Renderer.
func (s *Skeleton) Annotate(user types.Frame, pose types.KeypointSet, score scoring.FrameScore) *image.RGBA {
	dst := toRGBA(user.Image, user.Bounds())
	s.drawPose(dst, dst.Bounds(), pose, score.Within())
	s.drawBadge(dst, dst.Bounds().Min, score)
	return dst
}

// Composite implements Renderer.
func (s *Skeleton) Composite(ref types.Frame, refPose types.KeypointSet, user types.Frame, userPose types.KeypointSet, score scoring.FrameScore) *image.RGBA {
	w, h := s.PanelWidth, s.PanelHeight
	dst := image.NewRGBA(image.Rect(0, 0, 2*w, h))
	draw.Draw(dst, dst.Bounds(), image.Black, image.Point{}, draw.Src)

	left := image.Rect(0, 0, w, h)
	right := image.Rect(w, 0, 2*w, h)
	if ref.Image != nil {
		xdraw.BiLinear.Scale(dst, left, ref.Image, ref.Image.Bounds(), draw.Src, nil)
	}
	if user.Image != nil {
		xdraw.BiLinear.Scale(dst, right, user.Image, user.Image.Bounds(), draw.Src, nil)
	}

	s.drawUniform(dst, left, refPose, colorReference)
	s.drawPose(dst, right, userPose, score.Within())

	drawLabel(dst, image.Pt(left.Min.X+10, left.Max.Y-12), "Sample Pose", colorText)
	drawLabel(dst, image.Pt(right.Min.X+10, right.Max.Y-12), "Your Pose", colorText)
	s.drawBadge(dst, right.Min, score)
	return dst
}

// ScoreColor returns the badge colour for a score in [0,100].
func ScoreColor(score float64) color.RGBA {
	switch {
	case score > 70:
		return colorWithin
	case score > 40:
		return colorOrange
	default:
		return colorWrong
	}
}

func (s *Skeleton) drawPose(dst *image.RGBA, area image.Rectangle, pose types.KeypointSet, within map[types.LandmarkID]bool) {
	colorOf := func(id types.LandmarkID) color.RGBA {
		ok, compared := within[id]
		switch {
		case !compared:
			return colorUncompared
		case ok:
			return colorWithin
		default:
			return colorWrong
		}
	}

	for _, bone := range types.Skeleton {
		a, okA := pose.Get(bone.From)
		b, okB := pose.Get(bone.To)
		if !okA || !okB {
			continue
		}
		c := colorOf(bone.From)
		if colorOf(bone.To) == colorWrong {
			c = colorWrong
		}
		drawLine(dst, project(a, area), project(b, area), s.Thickness, c)
	}
	for _, lm := range pose.Landmarks() {
		fillCircle(dst, project(lm, area), s.JointRadius, colorOf(lm.ID))
	}
}

func (s *Skeleton) drawUniform(dst *image.RGBA, area image.Rectangle, pose types.KeypointSet, c color.RGBA) {
	for _, bone := range types.Skeleton {
		a, okA := pose.Get(bone.From)
		b, okB := pose.Get(bone.To)
		if okA && okB {
			drawLine(dst, project(a, area), project(b, area), s.Thickness, c)
		}
	}
	for _, lm := range pose.Landmarks() {
		fillCircle(dst, project(lm, area), s.JointRadius, c)
	}
}

func (s *Skeleton) drawBadge(dst *image.RGBA, origin image.Point, score scoring.FrameScore) {
	lines := []string{"No pose detected"}
	c := colorUncompared
	if score.Scored {
		lines = []string{
			fmt.Sprintf("Score: %.1f%%", score.Score),
			fmt.Sprintf("Correct: %d/%d", score.Correct(), score.Compared()),
		}
		c = ScoreColor(score.Score)
	}

	face := basicfont.Face7x13
	width := 0
	for _, l := range lines {
		if w := font.MeasureString(face, l).Ceil(); w > width {
			width = w
		}
	}
	lineHeight := face.Metrics().Height.Ceil() + 4
	box := image.Rect(origin.X+8, origin.Y+8, origin.X+8+width+12, origin.Y+8+lineHeight*len(lines)+8)
	draw.Draw(dst, box.Intersect(dst.Bounds()), image.NewUniform(colorBadge), image.Point{}, draw.Over)
	for i, l := range lines {
		drawLabel(dst, image.Pt(box.Min.X+6, box.Min.Y+4+lineHeight*(i+1)-4), l, c)
	}
}

func drawLabel(dst *image.RGBA, baseline image.Point, text string, c color.Color) {
	d := font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(baseline.X, baseline.Y),
	}
	d.DrawString(text)
}

func project(lm types.Landmark, area image.Rectangle) image.Point {
	return image.Pt(
		area.Min.X+int(lm.X*float64(area.Dx())),
		area.Min.Y+int(lm.Y*float64(area.Dy())),
	)
}

func toRGBA(src image.Image, bounds image.Rectangle) *image.RGBA {
	if bounds.Empty() {
		bounds = image.Rect(0, 0, 640, 480)
	}
	dst := image.NewRGBA(bounds)
	if src == nil {
		draw.Draw(dst, bounds, image.Black, image.Point{}, draw.Src)
		return dst
	}
	draw.Draw(dst, bounds, src, bounds.Min, draw.Src)
	return dst
}

// drawLine draws a Bresenham line with a square brush.
func drawLine(dst *image.RGBA, a, b image.Point, thickness int, c color.RGBA) {
	dx, dy := abs(b.X-a.X), -abs(b.Y-a.Y)
	sx, sy := 1, 1
	if a.X > b.X {
		sx = -1
	}
	if a.Y > b.Y {
		sy = -1
	}
	half := thickness / 2
	err := dx + dy
	x, y := a.X, a.Y
	for {
		for ox := -half; ox <= half; ox++ {
			for oy := -half; oy <= half; oy++ {
				setPixel(dst, x+ox, y+oy, c)
			}
		}
		if x == b.X && y == b.Y {
			return
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x += sx
		}
		if e2 <= dx {
			err += dx
			y += sy
		}
	}
}

func fillCircle(dst *image.RGBA, center image.Point, r int, c color.RGBA) {
	for y := -r; y <= r; y++ {
		for x := -r; x <= r; x++ {
			if x*x+y*y <= r*r {
				setPixel(dst, center.X+x, center.Y+y, c)
			}
		}
	}
}

func setPixel(dst *image.RGBA, x, y int, c color.RGBA) {
	if image.Pt(x, y).In(dst.Rect) {
		dst.SetRGBA(x, y, c)
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
