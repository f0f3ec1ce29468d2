package types

import "github.com/menta2k/synthprep/pkg/ndarray"

// Partition names of the unified dataset store.
const (
	PartitionImage = "image"
	PartitionDepth = "depth"
	PartitionSeg   = "seg"
)

// PartitionData is the single partition of an output store.
const PartitionData = "data"

// PartitionMask is the segmentation source store partition holding label masks.
const PartitionMask = "mask"

// Attribute names.
const (
	AttrArea   = "area"
	AttrLabel  = "label"
	AttrCharBB = "charBB"
	AttrWordBB = "wordBB"
	AttrTxt    = "txt"
)

// Entry is one fully joined record of the unified dataset.
type Entry struct {
	Key   string
	Image *ndarray.Array // H x W x 3 uint8
	Depth *ndarray.Array // raw depth estimates, channel layout as stored
	Seg   *ndarray.Array // H x W integer labels
	Area  *ndarray.Array // per-region pixel area, ordered by label
	Label *ndarray.Array // region identifiers
}

// RenderInput is the normalized material handed to a renderer for one key.
// Image and Seg have already been resized to the extent of Depth.
type RenderInput struct {
	Key       string
	Image     *ndarray.Array // H x W x 3 uint8
	Depth     *ndarray.Array // H x W float32
	Seg       *ndarray.Array // H x W float32
	Area      *ndarray.Array
	Label     *ndarray.Array
	Instances int
	Visualize bool
}

// Result is one synthesis result instance produced for a key.
type Result struct {
	Image  *ndarray.Array `json:"img"`    // composite, H x W x 3 uint8
	CharBB *ndarray.Array `json:"charBB"` // 2 x 4 x nChars
	WordBB *ndarray.Array `json:"wordBB"` // 2 x 4 x nWords
	Txt    []string       `json:"txt"`
}

// Quad is a quadrilateral in pixel coordinates, corners clockwise from top-left.
type Quad [4][2]float64
