// Package annot reads and writes slide annotation containers.
//
// A container is a single file holding every annotation dataset for one
// whole-slide image: nuclei centroids and contours, classification arrays,
// patch grids, and JSON manual-annotation blobs. External writers replace
// the file atomically (temp + rename), so (mtime,size) always transitions
// as one step.
package annot

import "fmt"

// Magic identifies a slide annotation container.
const Magic = "SLANNOT1"

// Dataset dtypes.
const (
	DtypeFloat32 = "float32"
	DtypeInt32   = "int32"
	DtypeJSON    = "json"
)

// Well-known dataset names.
const (
	DSNucleiCentroids = "nuclei/centroids" // [N,2] float32, storage-level coords
	DSNucleiContours  = "nuclei/contours"  // [N,K,2] float32, zero-padded
	DSNucleiClassIDs  = "nuclei/class_ids" // [N] int32, model output, -1 = unclassified
	DSClassNames      = "classes/names"    // json []string
	DSClassColors     = "classes/colors"   // json []string, hex
	DSPatchRects      = "patches/rects"    // [M,4] float32 (x1,y1,x2,y2)
	DSPatchClassIDs   = "patches/class_ids" // [M] int32
	DSPatchManualIDs  = "patches/manual_ids" // [M] int32, -1 = no override
	DSManualAnnots    = "manual/annotations" // json []ManualAnnotation
	DSEmbeddings      = "embeddings/features" // [N,D] float32, skip-listed by default
)

// indexHeader is the JSON directory at the head of a container.
type indexHeader struct {
	FormatVersion  string         `json:"format_version"`
	Slide          string         `json:"slide,omitempty"`
	ModelTimestamp int64          `json:"model_timestamp,omitempty"`
	Datasets       []datasetEntry `json:"datasets"`
}

// datasetEntry locates one dataset blob. Offset is relative to the start of
// the blob region (the byte after the index), Length is the stored
// (compressed) size and RawSize the decompressed size.
type datasetEntry struct {
	Name    string `json:"name"`
	Dtype   string `json:"dtype"`
	Shape   []int  `json:"shape"`
	Offset  int64  `json:"offset"`
	Length  int64  `json:"length"`
	RawSize int64  `json:"raw_size"`
}

// Dataset is one decoded fixed-shape array or JSON blob.
type Dataset struct {
	Name  string
	Dtype string
	Shape []int

	Float32s []float32 // flattened, DtypeFloat32 only
	Int32s   []int32   // flattened, DtypeInt32 only
	Raw      []byte    // DtypeJSON only
}

// ManualAnnotation is one human edit stored in the manual blob.
type ManualAnnotation struct {
	EntityID  int    `json:"entity_id"`
	Target    string `json:"target"` // "nucleus" or "patch"
	ClassName string `json:"class_name"`
	Timestamp int64  `json:"timestamp"` // unix seconds
}

// File is a fully decoded container.
type File struct {
	Slide          string
	ModelTimestamp int64
	Datasets       map[string]*Dataset
}

// Dataset returns a dataset by name, or nil if absent (or skip-listed at
// read time).
func (f *File) Dataset(name string) *Dataset {
	if f == nil {
		return nil
	}
	return f.Datasets[name]
}

// Len returns the leading dimension of a dataset, 0 when absent.
func (f *File) Len(name string) int {
	ds := f.Dataset(name)
	if ds == nil || len(ds.Shape) == 0 {
		return 0
	}
	return ds.Shape[0]
}

func dtypeSize(dtype string) (int, error) {
	switch dtype {
	case DtypeFloat32, DtypeInt32:
		return 4, nil
	case DtypeJSON:
		return 1, nil
	default:
		return 0, fmt.Errorf("unsupported dtype: %s", dtype)
	}
}

func shapeElems(shape []int) int {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0
		}
		n *= d
	}
	return n
}
