package types

import (
	"errors"
	"fmt"
	"sort"
)

// LandmarkID identifies one body point in the BlazePose 33-point topology.
type LandmarkID int

// Landmark identities, in detector output order.
const (
	Nose LandmarkID = iota
	LeftEyeInner
	LeftEye
	LeftEyeOuter
	RightEyeInner
	RightEye
	RightEyeOuter
	LeftEar
	RightEar
	MouthLeft
	MouthRight
	LeftShoulder
	RightShoulder
	LeftElbow
	RightElbow
	LeftWrist
	RightWrist
	LeftPinky
	RightPinky
	LeftIndex
	RightIndex
	LeftThumb
	RightThumb
	LeftHip
	RightHip
	LeftKnee
	RightKnee
	LeftAnkle
	RightAnkle
	LeftHeel
	RightHeel
	LeftFootIndex
	RightFootIndex

	// LandmarkCount is the number of landmarks a full detection carries.
	LandmarkCount = 33
)

var landmarkNames = [LandmarkCount]string{
	"nose", "left_eye_inner", "left_eye", "left_eye_outer",
	"right_eye_inner", "right_eye", "right_eye_outer",
	"left_ear", "right_ear", "mouth_left", "mouth_right",
	"left_shoulder", "right_shoulder", "left_elbow", "right_elbow",
	"left_wrist", "right_wrist", "left_pinky", "right_pinky",
	"left_index", "right_index", "left_thumb", "right_thumb",
	"left_hip", "right_hip", "left_knee", "right_knee",
	"left_ankle", "right_ankle", "left_heel", "right_heel",
	"left_foot_index", "right_foot_index",
}

// String returns the snake_case landmark name.
func (id LandmarkID) String() string {
	if id.Valid() {
		return landmarkNames[id]
	}
	return fmt.Sprintf("landmark_%d", int(id))
}

// Valid reports whether id is inside the 33-point topology.
func (id LandmarkID) Valid() bool {
	return id >= 0 && id < LandmarkCount
}

// ParseLandmarkID resolves a landmark name.
func ParseLandmarkID(name string) (LandmarkID, error) {
	for i, n := range landmarkNames {
		if n == name {
			return LandmarkID(i), nil
		}
	}
	return 0, fmt.Errorf("unknown landmark: %s", name)
}

// LandmarkClass groups landmarks by body segment; tolerances are configured per class.
type LandmarkClass string

const (
	ClassHead  LandmarkClass = "head"
	ClassTorso LandmarkClass = "torso"
	ClassArms  LandmarkClass = "arms"
	ClassLegs  LandmarkClass = "legs"
)

// Class returns the body segment a landmark belongs to.
func (id LandmarkID) Class() LandmarkClass {
	switch {
	case id <= MouthRight:
		return ClassHead
	case id == LeftShoulder, id == RightShoulder, id == LeftHip, id == RightHip:
		return ClassTorso
	case id >= LeftElbow && id <= RightThumb:
		return ClassArms
	default:
		return ClassLegs
	}
}

// Bone is a skeleton edge between two landmarks.
type Bone struct {
	From LandmarkID
	To   LandmarkID
}

// Skeleton lists the edges drawn between landmarks.
var Skeleton = []Bone{
	{Nose, LeftEyeInner}, {LeftEyeInner, LeftEye}, {LeftEye, LeftEyeOuter}, {LeftEyeOuter, LeftEar},
	{Nose, RightEyeInner}, {RightEyeInner, RightEye}, {RightEye, RightEyeOuter}, {RightEyeOuter, RightEar},
	{MouthLeft, MouthRight},
	{LeftShoulder, RightShoulder},
	{LeftShoulder, LeftElbow}, {LeftElbow, LeftWrist},
	{LeftWrist, LeftPinky}, {LeftWrist, LeftIndex}, {LeftWrist, LeftThumb}, {LeftPinky, LeftIndex},
	{RightShoulder, RightElbow}, {RightElbow, RightWrist},
	{RightWrist, RightPinky}, {RightWrist, RightIndex}, {RightWrist, RightThumb}, {RightPinky, RightIndex},
	{LeftShoulder, LeftHip}, {RightShoulder, RightHip}, {LeftHip, RightHip},
	{LeftHip, LeftKnee}, {RightHip, RightKnee},
	{LeftKnee, LeftAnkle}, {RightKnee, RightAnkle},
	{LeftAnkle, LeftHeel}, {RightAnkle, RightHeel},
	{LeftHeel, LeftFootIndex}, {RightHeel, RightFootIndex},
	{LeftAnkle, LeftFootIndex}, {RightAnkle, RightFootIndex},
}

// Landmark is a single detected body point in frame-normalized coordinates.
// Z is zero when the detector only provides 2D positions.
type Landmark struct {
	ID         LandmarkID `json:"id" msgpack:"id"`
	X          float64    `json:"x" msgpack:"x"`
	Y          float64    `json:"y" msgpack:"y"`
	Z          float64    `json:"z" msgpack:"z"`
	Confidence float64    `json:"confidence" msgpack:"confidence"`
}

// KeypointSet holds every landmark detected in one frame. The zero value is an
// empty set, which means the detector found no pose.
type KeypointSet struct {
	points map[LandmarkID]Landmark
}

// NewKeypointSet builds a set from landmarks; later duplicates win.
func NewKeypointSet(landmarks ...Landmark) KeypointSet {
	if len(landmarks) == 0 {
		return KeypointSet{}
	}
	points := make(map[LandmarkID]Landmark, len(landmarks))
	for _, lm := range landmarks {
		points[lm.ID] = lm
	}
	return KeypointSet{points: points}
}

// Len returns the number of landmarks.
func (k KeypointSet) Len() int { return len(k.points) }

// Empty reports a detection failure for the frame.
func (k KeypointSet) Empty() bool { return len(k.points) == 0 }

// Get returns the landmark with the given identity.
func (k KeypointSet) Get(id LandmarkID) (Landmark, bool) {
	lm, ok := k.points[id]
	return lm, ok
}

// IDs returns the landmark identities present, in ascending order.
func (k KeypointSet) IDs() []LandmarkID {
	ids := make([]LandmarkID, 0, len(k.points))
	for id := range k.points {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Landmarks returns a copy of the landmarks ordered by identity.
func (k KeypointSet) Landmarks() []Landmark {
	out := make([]Landmark, 0, len(k.points))
	for _, id := range k.IDs() {
		out = append(out, k.points[id])
	}
	return out
}

// ErrBufferFrozen is returned when appending to a buffer after extraction finished.
var ErrBufferFrozen = errors.New("pose buffer is read-only")

// PoseBuffer is the ordered per-frame keypoint sequence of one video.
// It is append-only while frames are extracted and read-only after Freeze.
type PoseBuffer struct {
	sets   []KeypointSet
	frozen bool
}

// NewPoseBuffer creates a buffer with room for capacity frames.
func NewPoseBuffer(capacity int) *PoseBuffer {
	return &PoseBuffer{sets: make([]KeypointSet, 0, capacity)}
}

// FrozenPoseBuffer wraps already extracted sets in a read-only buffer.
func FrozenPoseBuffer(sets []KeypointSet) *PoseBuffer {
	cp := make([]KeypointSet, len(sets))
	copy(cp, sets)
	return &PoseBuffer{sets: cp, frozen: true}
}

// Append adds the keypoints of the next frame.
func (b *PoseBuffer) Append(set KeypointSet) error {
	if b.frozen {
		return ErrBufferFrozen
	}
	b.sets = append(b.sets, set)
	return nil
}

// Freeze marks the buffer read-only.
func (b *PoseBuffer) Freeze() { b.frozen = true }

// Frozen reports whether extraction has completed.
func (b *PoseBuffer) Frozen() bool { return b.frozen }

// Len returns the number of frames.
func (b *PoseBuffer) Len() int {
	if b == nil {
		return 0
	}
	return len(b.sets)
}

// At returns the keypoints of frame i, or an empty set when out of range.
func (b *PoseBuffer) At(i int) KeypointSet {
	if b == nil || i < 0 || i >= len(b.sets) {
		return KeypointSet{}
	}
	return b.sets[i]
}

// Detected returns the number of frames with a non-empty detection.
func (b *PoseBuffer) Detected() int {
	n := 0
	for _, s := range b.sets {
		if !s.Empty() {
			n++
		}
	}
	return n
}
